//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

func detach(cmd *exec.Cmd) {}

// alive cannot probe a pid without x/sys/windows; a stale pid file is caught by
// the singleton lock instead.
func alive(pid int) bool {
	return pid > 0
}

func terminate(proc *os.Process) error {
	return proc.Kill()
}
