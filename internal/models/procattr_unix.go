//go:build !windows

package models

import (
	"os/exec"
	"syscall"
)

// SetDetachedProcessGroup places the started recorder in its own process group so it
// does not receive signals sent to pwrec and can be stopped as a group.
func SetDetachedProcessGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return
	}
	cmd.SysProcAttr.Setpgid = true
}

// InterruptProcessGroup sends SIGINT to the whole process group led by pid; the
// recorder's browser children exit with it.
func InterruptProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGINT)
}
