//go:build !unix

package local

import (
	"errors"
	"os"
	"syscall"
)

func newProcAttr() *syscall.SysProcAttr {
	return nil
}

// there is no graceful stop without process groups, both paths kill
func stopGroup(process *os.Process) error {
	return killGroup(process)
}

func killGroup(process *os.Process) error {
	err := process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitSignal(state *os.ProcessState) (string, bool) {
	return "", false
}
