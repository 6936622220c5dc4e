//go:build windows

package lease

import "os"

// pidAlive probes a PID via FindProcess, which succeeds only for live
// processes on Windows.
func pidAlive(pid int) bool {
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

// KillPIDGroup kills the process by PID.
func KillPIDGroup(pid int) {
	if pid <= 0 {
		return
	}
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
