//go:build windows

package provider

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no process groups in the POSIX sense; kill the direct child.
func terminateGroup(pid int) {}

func killGroup(pid int) {
	// Handled by cmd.Process.Kill in the caller.
}
