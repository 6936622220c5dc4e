//go:build !windows

package lease

import "syscall"

// pidAlive probes a PID with a null signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// KillPIDGroup sends SIGKILL to the PID's process group, falling back to
// the PID itself.
func KillPIDGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
