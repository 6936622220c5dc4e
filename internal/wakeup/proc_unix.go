//go:build !windows

package wakeup

import (
	"os/exec"
	"syscall"
)

// detachProc puts the child in its own session so it survives the
// wakeup process exiting.
func detachProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// pidExists probes a PID with signal 0.
func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
