// Package runner is the supervised loop process: it claims a workstream,
// pulls the next actionable task, and drives coder and reviewer phases
// until the project has no actionable work left. Credit exhaustion pauses
// the loop until the incident is resolved.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/gitops"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/lease"
	"github.com/steroids-dev/steroids/internal/phase"
	"github.com/steroids-dev/steroids/internal/provider"
)

// Options configures one runner process.
type Options struct {
	ProjectPath string
	ProjectName string

	// Workstream names the lease this runner claims. "main" when empty.
	Workstream string

	// Parallel marks this runner as part of a parallel session, which
	// exempts it from wakeup's already-active check.
	Parallel bool

	// PollInterval is the wait between loop iterations when the runner
	// is paused or a task is locked elsewhere. 5s when zero.
	PollInterval time.Duration
}

// Runner drives the task loop for one project.
type Runner struct {
	ID string

	Global    *db.GlobalDB
	Project   *db.ProjectDB
	Config    *config.Config
	Providers *provider.Registry
	Events    events.Publisher
	Hooks     hooks.Dispatcher
	Logger    *slog.Logger
	Opts      Options

	// Git overrides the production git client in tests.
	Git *gitops.Git

	driver *phase.Driver
	lease  *lease.Manager
	stop   chan struct{}

	mu          sync.Mutex
	currentTask string
}

// New creates a runner with a fresh ID.
func New(global *db.GlobalDB, project *db.ProjectDB, cfg *config.Config, providers *provider.Registry, opts Options) *Runner {
	return &Runner{
		ID:        uuid.NewString(),
		Global:    global,
		Project:   project,
		Config:    cfg,
		Providers: providers,
		Opts:      opts,
		stop:      make(chan struct{}),
	}
}

// Stop asks the loop to exit after the current iteration.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) publisher() events.Publisher {
	if r.Events != nil {
		return r.Events
	}
	return events.NewNopPublisher()
}

func (r *Runner) dispatcher() hooks.Dispatcher {
	if r.Hooks != nil {
		return r.Hooks
	}
	return hooks.Nop{}
}

func (r *Runner) pollInterval() time.Duration {
	if r.Opts.PollInterval > 0 {
		return r.Opts.PollInterval
	}
	return 5 * time.Second
}

// Run executes the loop until the project has no actionable tasks, the
// context is cancelled, or Stop is called. The lease and runner row are
// released on every exit path.
func (r *Runner) Run(ctx context.Context) error {
	log := r.logger().With("runner", r.ID, "project", r.Opts.ProjectPath)

	if err := r.register(); err != nil {
		return err
	}
	defer r.deregister(log)

	workstream := r.Opts.Workstream
	if workstream == "" {
		workstream = "main"
	}
	m, err := lease.Claim(r.Global, r.Project, r.Opts.ProjectPath, workstream, r.ID, r.Config.Runners.LeaseTTL, r.Logger)
	if err != nil {
		return err
	}
	r.lease = m
	defer func() {
		if err := m.Release(); err != nil {
			log.Warn("lease release failed", "error", err)
		}
	}()

	git := r.Git
	if git == nil {
		git = gitops.New(r.Opts.ProjectPath)
	}
	r.driver = &phase.Driver{
		Project:   r.Project,
		Lease:     m,
		Git:       git,
		Providers: r.Providers,
		Config:    r.Config,
		Events:    r.Events,
		Hooks:     r.Hooks,
		Logger:    r.Logger,
		WorkDir:   r.Opts.ProjectPath,
	}

	heartbeatDone := r.startHeartbeat(ctx, log)
	defer close(heartbeatDone)

	r.sweep(log)
	r.publisher().Publish(events.NewEvent(events.EventRunner, "", events.RunnerData{RunnerID: r.ID, Status: db.RunnerRunning}))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		default:
		}

		if paused, err := r.waitWhilePaused(ctx, log); err != nil {
			return err
		} else if paused {
			continue
		}

		task, action, err := r.Project.FindNextTask(time.Now())
		if err != nil {
			return fmt.Errorf("find next task: %w", err)
		}
		if task == nil {
			return r.finish(log)
		}

		if err := m.AcquireTask(task.ID); err != nil {
			log.Debug("task locked elsewhere", "task", task.ID, "error", err)
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		r.setCurrent(task.ID)

		if task.Status == db.StatusPending {
			if err := r.Project.UpdateTaskStatus(task.ID, db.StatusInProgress, db.StatusChange{
				Actor:     "runner",
				ActorType: db.ActorTypeAutomation,
				Notes:     "started by runner " + r.ID,
			}); err != nil {
				log.Warn("starting task failed", "task", task.ID, "error", err)
			} else {
				task.Status = db.StatusInProgress
			}
		}

		phaseErr := r.runPhase(ctx, task, action, log)
		if err := m.ReleaseTask(task.ID); err != nil {
			log.Debug("task release failed", "task", task.ID, "error", err)
		}
		r.setCurrent("")

		if phaseErr != nil {
			log.Error("phase aborted", "task", task.ID, "error", phaseErr)
			return phaseErr
		}
	}
}

// runPhase dispatches one iteration to the matching phase and absorbs
// credit exhaustion into the paused state.
func (r *Runner) runPhase(ctx context.Context, task *db.Task, action db.NextAction, log *slog.Logger) error {
	var (
		credit *phase.CreditExhaustion
		err    error
	)
	if task.Status == db.StatusReview {
		credit, err = r.driver.RunReviewerPhase(ctx, task)
	} else {
		credit, err = r.driver.RunCoderPhase(ctx, task, action)
	}
	if err != nil {
		return err
	}
	if credit != nil {
		r.handleCreditExhaustion(credit, log)
	}
	return nil
}

// handleCreditExhaustion records the deduplicated incident, fires the
// hook, and flips the runner to paused.
func (r *Runner) handleCreditExhaustion(ce *phase.CreditExhaustion, log *slog.Logger) {
	id, existing, err := r.Project.RecordCreditIncident(&db.Incident{
		RunnerID: r.ID,
		Provider: ce.Provider,
		Model:    ce.Model,
		Role:     ce.Role,
		Details:  map[string]any{"message": ce.Message},
	})
	if err != nil {
		log.Error("recording credit incident failed", "error", err)
		return
	}
	if !existing {
		r.dispatcher().Dispatch(hooks.EventCreditExhausted, hooks.Payload{
			Project: hooks.ProjectRef{Name: r.Opts.ProjectName, Path: r.Opts.ProjectPath},
			Credit:  hooks.CreditFields(ce.Provider, ce.Model, ce.Role, ce.Message),
		})
	}
	if err := r.Global.SetRunnerStatus(r.ID, db.RunnerPaused); err != nil {
		log.Warn("pausing runner row failed", "error", err)
	}
	r.publisher().Publish(events.NewEvent(events.EventCredit, "", events.CreditData{
		Provider: ce.Provider, Model: ce.Model, Role: ce.Role, Message: ce.Message,
	}))
	log.Warn("credit exhausted; runner paused", "incident", id, "provider", ce.Provider, "role", ce.Role)
}

// waitWhilePaused reports whether the runner is paused on an unresolved
// credit incident. It sleeps one poll interval per call so resolution is
// picked up promptly.
func (r *Runner) waitWhilePaused(ctx context.Context, log *slog.Logger) (bool, error) {
	incidents, err := r.Project.ActiveCreditIncidents(r.Global, r.Opts.ProjectPath)
	if err != nil {
		return false, fmt.Errorf("check credit incidents: %w", err)
	}
	if len(incidents) == 0 {
		runner, err := r.Global.GetRunner(r.ID)
		if err == nil && runner != nil && runner.Status == db.RunnerPaused {
			if err := r.Global.SetRunnerStatus(r.ID, db.RunnerRunning); err != nil {
				log.Warn("resuming runner row failed", "error", err)
			}
			r.dispatcher().Dispatch(hooks.EventCreditResolved, hooks.Payload{
				Project: hooks.ProjectRef{Name: r.Opts.ProjectName, Path: r.Opts.ProjectPath},
			})
			r.publisher().Publish(events.NewEvent(events.EventCredit, "", events.CreditData{Resolved: true}))
			log.Info("credit incident resolved; runner resumed")
		}
		return false, nil
	}
	if !r.sleep(ctx) {
		return false, ctx.Err()
	}
	return true, nil
}

// finish runs when the project has no actionable tasks left.
func (r *Runner) finish(log *slog.Logger) error {
	remaining, err := r.Project.CountActionableTasks()
	if err == nil && remaining == 0 {
		if done, err := r.projectCompleted(); err == nil && done {
			r.dispatcher().Dispatch(hooks.EventProjectCompleted, hooks.Payload{
				Project: hooks.ProjectRef{Name: r.Opts.ProjectName, Path: r.Opts.ProjectPath},
			})
		}
	}
	log.Info("no actionable tasks; runner exiting")
	return nil
}

// projectCompleted reports whether every task reached completed.
func (r *Runner) projectCompleted() (bool, error) {
	tasks, err := r.Project.ListTasks(db.TaskFilter{})
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	for _, t := range tasks {
		if t.Status != db.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (r *Runner) register() error {
	pid := os.Getpid()
	runner := &db.Runner{
		ID:          r.ID,
		PID:         &pid,
		Status:      db.RunnerRunning,
		ProjectPath: r.Opts.ProjectPath,
	}
	if r.Opts.Parallel {
		session, err := r.Global.CreateParallelSession(r.Opts.ProjectPath)
		if err != nil {
			return fmt.Errorf("create parallel session: %w", err)
		}
		runner.ParallelSessionID = session.ID
	}
	return r.Global.UpsertRunner(runner)
}

func (r *Runner) deregister(log *slog.Logger) {
	if err := r.Global.SetRunnerStatus(r.ID, db.RunnerStopped); err != nil {
		log.Warn("marking runner stopped failed", "error", err)
	}
	r.publisher().Publish(events.NewEvent(events.EventRunner, "", events.RunnerData{RunnerID: r.ID, Status: db.RunnerStopped}))
}

// startHeartbeat bumps the runner row and lease on an interval until the
// returned channel is closed.
func (r *Runner) startHeartbeat(ctx context.Context, log *slog.Logger) chan struct{} {
	done := make(chan struct{})
	interval := r.Config.Runners.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Global.HeartbeatRunner(r.ID, r.current()); err != nil {
					log.Warn("heartbeat failed", "error", err)
				}
				if taskID := r.current(); taskID != "" {
					if err := r.lease.Refresh(taskID); err != nil {
						log.Warn("lease refresh from heartbeat failed", "task", taskID, "error", err)
					}
				}
			}
		}
	}()
	return done
}

func (r *Runner) setCurrent(taskID string) {
	r.mu.Lock()
	r.currentTask = taskID
	r.mu.Unlock()
}

func (r *Runner) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTask
}

// sweep runs one recovery pass; sweep failures never stop the runner.
func (r *Runner) sweep(log *slog.Logger) {
	s := &lease.Sweeper{
		Project: r.Project,
		Global:  r.Global,
		Config: lease.SweepConfig{
			AutoRecover:         r.Config.Health.AutoRecover,
			MaxRecoveryAttempts: r.Config.Health.MaxRecoveryAttempts,
			MaxIncidentsPerHour: r.Config.Health.MaxIncidentsPerHour,
			StuckThreshold:      lease.DefaultStuckThreshold,
			InvocationStall:     lease.DefaultInvocationStall,
			LeaseTTL:            r.Config.Runners.LeaseTTL,
		},
		Logger:  r.Logger,
		KillPID: lease.KillPIDGroup,
	}
	plan, err := s.Run(time.Now())
	if err != nil {
		log.Warn("recovery sweep failed", "error", err)
		return
	}
	if len(plan) > 0 {
		log.Info("recovery sweep applied", "actions", len(plan))
	}
}

func (r *Runner) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.stop:
		return true
	case <-time.After(r.pollInterval()):
		return true
	}
}
