//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// Detach starts cmd in a new session so it outlives the parent's terminal
// and does not receive its Ctrl+C.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil
}
