package wakeup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// ProcessSpawner starts real detached runner processes.
type ProcessSpawner struct {
	// Binary is the executable to launch. Defaults to the current
	// executable.
	Binary string
}

// Spawn implements Spawner. The child is fully detached: its own
// session, no inherited stdio, not reaped by this process. The context
// is deliberately not wired to the child; a detached runner must
// outlive the wakeup pass.
func (s *ProcessSpawner) Spawn(_ context.Context, projectPath string) (int, error) {
	binary := s.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		binary = exe
	}

	cmd := exec.Command(binary, "runners", "start", "--parallel", "--project", projectPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detachProc(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start runner: %w", err)
	}
	pid := cmd.Process.Pid

	// Detach: the child must outlive this process.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release runner process: %w", err)
	}
	return pid, nil
}
