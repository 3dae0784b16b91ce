//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// Detach starts cmd in a new process group without a console so it
// outlives the parent.
func Detach(cmd *exec.Cmd) {
	const detachedProcess = 0x00000008
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | detachedProcess,
	}
	cmd.Stdin = nil
}
