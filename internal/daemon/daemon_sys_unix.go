//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// detach starts the child in its own session so it outlives the terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func terminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
