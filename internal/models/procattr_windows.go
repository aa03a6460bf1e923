//go:build windows

package models

import (
	"os"
	"os/exec"
	"syscall"
)

// SetDetachedProcessGroup mirrors the Unix Setpgid behaviour with CREATE_NEW_PROCESS_GROUP.
func SetDetachedProcessGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	const createNewProcessGroup = 0x00000200
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
		return
	}
	cmd.SysProcAttr.CreationFlags |= createNewProcessGroup
}

// InterruptProcessGroup terminates the process; Windows has no SIGINT for groups here.
func InterruptProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
