//go:build !windows

package process

import (
	"os"
	"syscall"
)

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// Terminate asks the process with the given pid to exit gracefully. It is
// used for processes owned by another scheduler instance.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}
