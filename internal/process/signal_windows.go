//go:build windows

package process

import "os"

// Windows has no SIGTERM; the process is killed immediately.
func terminate(p *os.Process) error {
	return p.Kill()
}

func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
