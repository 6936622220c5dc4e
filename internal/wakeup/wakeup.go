// Package wakeup implements the scheduler entry point: it cleans up
// stale runner rows, walks the registered projects, and starts a
// detached runner for every project with actionable work. It is safe to
// invoke repeatedly from cron or a systemd timer.
package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
)

// Result outcomes per project.
const (
	OutcomeCleaned    = "cleaned"
	OutcomeNone       = "none"
	OutcomeWouldStart = "would_start"
	OutcomeStarted    = "started"
)

// Result is one line of a wakeup report.
type Result struct {
	Project string `json:"project,omitempty"`
	Path    string `json:"path,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// Options configures one wakeup pass.
type Options struct {
	DryRun bool
	Quiet  bool
}

// Spawner starts a detached runner process for a project and returns
// its PID.
type Spawner interface {
	Spawn(ctx context.Context, projectPath string) (int, error)
}

// ProjectOpener opens the per-project database. Injected so the
// discovery pass is testable without real project directories.
type ProjectOpener func(projectPath string) (*db.ProjectDB, error)

// Controller runs wakeup passes.
type Controller struct {
	Global      *db.GlobalDB
	Spawner     Spawner
	OpenProject ProjectOpener
	Logger      *slog.Logger

	// PathExists overrides the filesystem probe in tests.
	PathExists func(path string) bool

	// IsPIDAlive overrides the PID probe in tests.
	IsPIDAlive func(pid int) bool

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) pathExists(path string) bool {
	if c.PathExists != nil {
		return c.PathExists(path)
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Wakeup performs one pass: stale-runner cleanup, then per-project
// discovery. Every registered project yields exactly one Result.
func (c *Controller) Wakeup(ctx context.Context, opts Options) ([]Result, error) {
	now := c.now()
	log := c.logger()

	var results []Result

	cleaned, err := c.cleanStaleRunners(now, log)
	if err != nil {
		return nil, err
	}
	if cleaned > 0 {
		results = append(results, Result{Outcome: OutcomeCleaned, Count: cleaned})
	}

	projects, err := c.Global.ListProjects(true)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		return append(results, Result{Outcome: OutcomeNone, Reason: "No registered projects"}), nil
	}

	for _, p := range projects {
		results = append(results, c.checkProject(ctx, p, now, opts, log))
	}
	return results, nil
}

// cleanStaleRunners deletes runner rows whose heartbeat is stale or
// whose PID no longer exists.
func (c *Controller) cleanStaleRunners(now time.Time, log *slog.Logger) (int, error) {
	stale, err := c.Global.ListStaleRunners(now.Add(-db.StaleRunnerThreshold))
	if err != nil {
		return 0, fmt.Errorf("list stale runners: %w", err)
	}
	all, err := c.Global.ListRunners()
	if err != nil {
		return 0, fmt.Errorf("list runners: %w", err)
	}

	alive := c.IsPIDAlive
	if alive == nil {
		alive = pidExists
	}
	dead := make(map[string]*db.Runner)
	for _, r := range stale {
		dead[r.ID] = r
	}
	for _, r := range all {
		if _, seen := dead[r.ID]; seen {
			continue
		}
		if r.PID == nil || !alive(*r.PID) {
			dead[r.ID] = r
		}
	}

	cleaned := 0
	for id, r := range dead {
		if err := c.Global.DeleteRunner(id); err != nil {
			log.Warn("deleting stale runner failed", "runner", id, "error", err)
			continue
		}
		log.Info("stale runner cleaned", "runner", id, "project", r.ProjectPath)
		cleaned++
	}
	return cleaned, nil
}

// checkProject decides whether one project needs a runner.
func (c *Controller) checkProject(ctx context.Context, p *db.Project, now time.Time, opts Options, log *slog.Logger) Result {
	res := Result{Project: p.Name, Path: p.Path}

	if !c.pathExists(p.Path) {
		res.Outcome = OutcomeNone
		res.Reason = "not found"
		return res
	}

	active, err := c.Global.HasActiveRunner(p.Path, now)
	if err != nil {
		res.Outcome = OutcomeNone
		res.Reason = err.Error()
		return res
	}
	if active {
		res.Outcome = OutcomeNone
		res.Reason = "already active"
		return res
	}

	pdb, err := c.OpenProject(p.Path)
	if err != nil {
		res.Outcome = OutcomeNone
		res.Reason = err.Error()
		return res
	}
	defer func() { _ = pdb.Close() }()

	actionable, err := pdb.CountActionableTasks()
	if err != nil {
		res.Outcome = OutcomeNone
		res.Reason = err.Error()
		return res
	}
	if actionable == 0 {
		res.Outcome = OutcomeNone
		res.Reason = "No pending tasks"
		return res
	}

	if opts.DryRun {
		res.Outcome = OutcomeWouldStart
		res.Reason = fmt.Sprintf("%d actionable task(s)", actionable)
		return res
	}

	pid, err := c.Spawner.Spawn(ctx, p.Path)
	if err != nil {
		res.Outcome = OutcomeNone
		res.Reason = fmt.Sprintf("spawn failed: %v", err)
		log.Error("runner spawn failed", "project", p.Path, "error", err)
		return res
	}
	res.Outcome = OutcomeStarted
	res.PID = pid
	log.Info("runner started", "project", p.Path, "pid", pid)
	return res
}
