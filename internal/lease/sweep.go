package lease

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
)

// Sweep thresholds.
const (
	// DefaultStuckThreshold is how long a task may sit in
	// in_progress/review without an update before the sweep examines it.
	DefaultStuckThreshold = 10 * time.Minute

	// DefaultInvocationStall is how long a running invocation may go
	// without completing before it counts as hanging.
	DefaultInvocationStall = 30 * time.Minute
)

// SweepConfig carries the health knobs from configuration.
type SweepConfig struct {
	AutoRecover         bool
	MaxRecoveryAttempts int
	MaxIncidentsPerHour int
	StuckThreshold      time.Duration
	InvocationStall     time.Duration
	LeaseTTL            time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if c.InvocationStall <= 0 {
		c.InvocationStall = DefaultInvocationStall
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultTTL
	}
	return c
}

// SweepInputs is a pure snapshot of everything the planner consults.
// Building it from the databases and feeding it to PlanSweep keeps the
// classification logic testable against fixtures.
type SweepInputs struct {
	Now time.Time

	// StuckTasks are in_progress/review tasks past the stuck threshold.
	StuckTasks []*db.Task

	// Locks maps task ID to its lock row, if any.
	Locks map[string]*db.TaskLock

	// Runners maps runner ID to its global row, if present.
	Runners map[string]*db.Runner

	// RunningInvocations maps task ID to its latest running invocation.
	RunningInvocations map[string]*db.Invocation

	// RecentIncidents is the incident count over the past hour.
	RecentIncidents int

	// IsPIDAlive probes whether a PID exists. Injected for testability.
	IsPIDAlive func(pid int) bool
}

// SweepAction is one intended mutation of the recovery sweep.
type SweepAction struct {
	TaskID       string
	FailureMode  string
	RunnerID     string
	KillPID      int // 0 when there is nothing to kill
	DeleteRunner bool
	ReleaseLock  bool
	NewStatus    db.Status // pending, or skipped once attempts are exhausted
	Detail       string
}

// PlanSweep classifies stuck tasks into recovery actions. It mutates
// nothing. An empty plan means either nothing is stuck, autoRecover is
// off, or the incident rate limit tripped.
func PlanSweep(in SweepInputs, cfg SweepConfig) []SweepAction {
	cfg = cfg.withDefaults()
	if !cfg.AutoRecover {
		return nil
	}
	// Rate limit first: when the project is already churning out
	// incidents, an automated sweep would only add to the pile.
	if cfg.MaxIncidentsPerHour > 0 && in.RecentIncidents >= cfg.MaxIncidentsPerHour {
		return nil
	}

	var actions []SweepAction
	for _, task := range in.StuckTasks {
		action, ok := classify(task, in, cfg)
		if !ok {
			continue
		}

		action.NewStatus = db.StatusPending
		if task.FailureCount+1 >= cfg.MaxRecoveryAttempts {
			action.NewStatus = db.StatusSkipped
		}
		actions = append(actions, action)
	}
	return actions
}

// classify determines the failure mode of one stuck task. Tasks whose
// owner is demonstrably healthy are left alone.
func classify(task *db.Task, in SweepInputs, cfg SweepConfig) (SweepAction, bool) {
	lock := in.Locks[task.ID]
	if lock == nil {
		// In flight on paper but nobody holds it: the runner died
		// between status write and lock acquisition.
		return SweepAction{
			TaskID:      task.ID,
			FailureMode: db.FailureOrphanedTask,
			ReleaseLock: false,
			Detail:      "task in flight with no lock holder",
		}, true
	}

	runner := in.Runners[lock.RunnerID]
	if runner == nil {
		return SweepAction{
			TaskID:      task.ID,
			FailureMode: db.FailureOrphanedTask,
			RunnerID:    lock.RunnerID,
			ReleaseLock: true,
			Detail:      fmt.Sprintf("lock held by unregistered runner %s", lock.RunnerID),
		}, true
	}

	pidAlive := runner.PID != nil && in.IsPIDAlive != nil && in.IsPIDAlive(*runner.PID)
	heartbeatStale := in.Now.Sub(runner.HeartbeatAt) > db.StaleRunnerThreshold
	lockExpired := in.Now.Sub(lock.AcquiredAt) > cfg.LeaseTTL && in.Now.After(lock.ExpiresAt)

	switch {
	case runner.PID != nil && !pidAlive && heartbeatStale && lockExpired:
		return SweepAction{
			TaskID:       task.ID,
			FailureMode:  db.FailureZombieRunner,
			RunnerID:     runner.ID,
			DeleteRunner: true,
			ReleaseLock:  true,
			Detail:       fmt.Sprintf("runner %s: pid %d gone, heartbeat stale, lock expired", runner.ID, *runner.PID),
		}, true

	case runner.PID != nil && !pidAlive:
		return SweepAction{
			TaskID:       task.ID,
			FailureMode:  db.FailureDeadRunner,
			RunnerID:     runner.ID,
			DeleteRunner: true,
			ReleaseLock:  true,
			Detail:       fmt.Sprintf("runner %s: pid %d verifiably dead", runner.ID, *runner.PID),
		}, true

	case pidAlive && !heartbeatStale:
		// Runner looks healthy; hanging only if its invocation stalled.
		inv := in.RunningInvocations[task.ID]
		if inv != nil && in.Now.Sub(inv.StartedAt) > cfg.InvocationStall {
			kill := 0
			if runner.PID != nil {
				kill = *runner.PID
			}
			return SweepAction{
				TaskID:       task.ID,
				FailureMode:  db.FailureHangingInvocation,
				RunnerID:     runner.ID,
				KillPID:      kill,
				DeleteRunner: true,
				ReleaseLock:  true,
				Detail:       fmt.Sprintf("invocation %s running since %s", inv.ID, inv.StartedAt.Format(time.RFC3339)),
			}, true
		}
		return SweepAction{}, false

	case heartbeatStale:
		kill := 0
		if runner.PID != nil && pidAlive {
			kill = *runner.PID
		}
		return SweepAction{
			TaskID:       task.ID,
			FailureMode:  db.FailureZombieRunner,
			RunnerID:     runner.ID,
			KillPID:      kill,
			DeleteRunner: true,
			ReleaseLock:  true,
			Detail:       fmt.Sprintf("runner %s: heartbeat stale since %s", runner.ID, runner.HeartbeatAt.Format(time.RFC3339)),
		}, true
	}
	return SweepAction{}, false
}

// Sweeper loads sweep inputs, plans, and applies the plan.
type Sweeper struct {
	Project *db.ProjectDB
	Global  *db.GlobalDB
	Config  SweepConfig
	Logger  *slog.Logger

	// KillPID terminates a process. Injected for testability; the
	// production value sends SIGKILL to the PID's process group.
	KillPID func(pid int)

	// IsPIDAlive probes a PID. Defaults to a kill(pid, 0) check.
	IsPIDAlive func(pid int) bool
}

// Run performs one full sweep: snapshot, plan, apply.
func (s *Sweeper) Run(now time.Time) ([]SweepAction, error) {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	in, err := s.snapshot(now)
	if err != nil {
		return nil, err
	}
	plan := PlanSweep(in, s.Config)
	if len(plan) == 0 {
		return nil, nil
	}
	if err := s.apply(plan); err != nil {
		return plan, err
	}
	return plan, nil
}

func (s *Sweeper) snapshot(now time.Time) (SweepInputs, error) {
	cfg := s.Config.withDefaults()
	in := SweepInputs{
		Now:                now,
		Locks:              make(map[string]*db.TaskLock),
		Runners:            make(map[string]*db.Runner),
		RunningInvocations: make(map[string]*db.Invocation),
		IsPIDAlive:         s.IsPIDAlive,
	}
	if in.IsPIDAlive == nil {
		in.IsPIDAlive = pidAlive
	}

	tasks, err := s.Project.ListStuckTasks(now.Add(-cfg.StuckThreshold))
	if err != nil {
		return in, err
	}
	in.StuckTasks = tasks

	locks, err := s.Project.ListTaskLocks()
	if err != nil {
		return in, err
	}
	for _, l := range locks {
		in.Locks[l.TaskID] = l
	}

	if s.Global != nil {
		runners, err := s.Global.ListRunners()
		if err != nil {
			return in, err
		}
		for _, r := range runners {
			in.Runners[r.ID] = r
		}
	}

	for _, t := range tasks {
		inv, err := s.Project.LatestRunningInvocation(t.ID)
		if err != nil {
			return in, err
		}
		if inv != nil {
			in.RunningInvocations[t.ID] = inv
		}
	}

	recent, err := s.Project.CountIncidentsSince(now.Add(-time.Hour))
	if err != nil {
		return in, err
	}
	in.RecentIncidents = recent
	return in, nil
}

func (s *Sweeper) apply(plan []SweepAction) error {
	for _, a := range plan {
		s.Logger.Info("recovery sweep action",
			"task", a.TaskID, "failure_mode", a.FailureMode,
			"runner", a.RunnerID, "new_status", a.NewStatus)

		if a.KillPID > 0 && s.KillPID != nil {
			s.KillPID(a.KillPID)
		}
		if a.DeleteRunner && s.Global != nil && a.RunnerID != "" {
			if err := s.Global.DeleteRunner(a.RunnerID); err != nil {
				return err
			}
		}
		if a.ReleaseLock {
			if err := s.Project.ForceReleaseTaskLock(a.TaskID); err != nil {
				return err
			}
		}
		if err := s.Project.RecoverTask(a.TaskID, a.NewStatus,
			fmt.Sprintf("recovery sweep: %s (%s)", a.FailureMode, a.Detail)); err != nil {
			return err
		}
		if _, err := s.Project.RecordIncident(&db.Incident{
			FailureMode: a.FailureMode,
			RunnerID:    a.RunnerID,
			TaskID:      a.TaskID,
			Resolution:  db.ResolutionAutoRestart,
			ResolvedAt:  timePtr(time.Now()),
			Details:     map[string]any{"message": a.Detail},
		}); err != nil {
			return err
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
