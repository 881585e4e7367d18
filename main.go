package main

import "github.com/flying-dice/dcs-dropzone-sub002/cmd"

func main() {
	cmd.Execute()
}
