//go:build unix

package local

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// each run gets its own process group so that children of bench are
// signaled with it
func newProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(process *os.Process, signal unix.Signal) error {
	err := unix.Kill(-process.Pid, signal)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func stopGroup(process *os.Process) error {
	return signalGroup(process, unix.SIGTERM)
}

func killGroup(process *os.Process) error {
	return signalGroup(process, unix.SIGKILL)
}

func exitSignal(state *os.ProcessState) (string, bool) {
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return "", false
	}
	return unix.SignalName(status.Signal()), true
}
