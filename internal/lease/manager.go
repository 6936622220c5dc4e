// Package lease couples workstream leases (global database, fenced by
// claim generation) with task locks (project database). The phase driver
// refreshes through a Manager at every boundary; a fence miss is fatal
// to the current phase.
package lease

import (
	"log/slog"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
)

// DefaultTTL is the lease duration used when the config does not set one.
const DefaultTTL = 120 * time.Second

// Manager holds one runner's claim on a workstream and its task locks.
type Manager struct {
	global     *db.GlobalDB
	project    *db.ProjectDB
	runnerID   string
	workstream string
	generation int64
	ttl        time.Duration
	logger     *slog.Logger
}

// Claim claims the named workstream for the runner and returns a Manager
// carrying the fencing generation.
func Claim(global *db.GlobalDB, project *db.ProjectDB, projectPath, workstreamName, runnerID string, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	ws, err := global.EnsureWorkstream(projectPath, workstreamName)
	if err != nil {
		return nil, err
	}
	gen, err := global.ClaimWorkstream(ws.ID, runnerID, ttl)
	if err != nil {
		return nil, err
	}

	return &Manager{
		global:     global,
		project:    project,
		runnerID:   runnerID,
		workstream: ws.ID,
		generation: gen,
		ttl:        ttl,
		logger:     logger,
	}, nil
}

// RunnerID returns the owning runner's ID.
func (m *Manager) RunnerID() string { return m.runnerID }

// TTL returns the lease duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Generation returns the fencing token of the current claim.
func (m *Manager) Generation() int64 { return m.generation }

// AcquireTask takes the exclusive lock on a task.
func (m *Manager) AcquireTask(taskID string) error {
	return m.project.AcquireTaskLock(taskID, m.runnerID, m.ttl)
}

// Refresh extends the workstream lease and, when taskID is set, the task
// lock. Either fence missing returns CodeLeaseLost; the caller must stop
// mutating state for this phase.
func (m *Manager) Refresh(taskID string) error {
	if err := m.global.RefreshWorkstreamLease(m.workstream, m.generation, m.ttl); err != nil {
		m.logger.Warn("workstream lease refresh failed",
			"workstream", m.workstream, "generation", m.generation, "error", err)
		return err
	}
	if taskID != "" {
		if err := m.project.RefreshTaskLock(taskID, m.runnerID, m.ttl); err != nil {
			m.logger.Warn("task lock refresh failed", "task", taskID, "error", err)
			return err
		}
	}
	return nil
}

// ReleaseTask drops the task lock.
func (m *Manager) ReleaseTask(taskID string) error {
	return m.project.ReleaseTaskLock(taskID, m.runnerID)
}

// Release returns the workstream to idle. Task locks are released
// separately, per task.
func (m *Manager) Release() error {
	return m.global.ReleaseWorkstream(m.workstream, m.generation)
}
