//go:build windows

package wakeup

import (
	"os"
	"os/exec"
)

func detachProc(*exec.Cmd) {}

func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
