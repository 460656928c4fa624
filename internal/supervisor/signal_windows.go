//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"syscall"
)

// Windows has no SIGTERM for detached processes; both signals terminate.
const (
	termSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

func signalGroup(pid int, _ syscall.Signal) error {
	if pid <= 1 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	defer func() { _ = p.Release() }()
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
