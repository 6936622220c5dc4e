// Package phase drives one coder or reviewer iteration for a task:
// lease refresh, actor invocation, orchestrator decision, audit, and
// status transition. Ordinary actor failures never surface as errors;
// the only error a phase returns is a lost lease, which aborts the
// remaining stages. Credit exhaustion is returned as a typed value so
// the runner can pause.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/gitops"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/lease"
	"github.com/steroids-dev/steroids/internal/provider"
)

// maxConsecutiveFallbacks is the escalation threshold: this many
// orchestrator fallbacks in a row stop the retry loop.
const maxConsecutiveFallbacks = 3

// CreditExhaustion reports that an actor's provider ran out of credits.
// The runner records an incident and pauses until it is resolved.
type CreditExhaustion struct {
	Provider string
	Model    string
	Role     string
	Message  string
}

// Driver runs coder and reviewer phases against one project.
type Driver struct {
	Project   *db.ProjectDB
	Lease     *lease.Manager
	Git       *gitops.Git
	Providers *provider.Registry
	Config    *config.Config
	Events    events.Publisher
	Hooks     hooks.Dispatcher
	Logger    *slog.Logger

	// WorkDir is the project root; invocations run with it as cwd and
	// logs land under its .steroids directory.
	WorkDir string
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Driver) publisher() events.Publisher {
	if d.Events != nil {
		return d.Events
	}
	return events.NewNopPublisher()
}

func (d *Driver) hooks() hooks.Dispatcher {
	if d.Hooks != nil {
		return d.Hooks
	}
	return hooks.Nop{}
}

// invokeResult bundles one actor run with the adapter that produced it.
type invokeResult struct {
	res  *provider.Result
	prov provider.Provider
	role config.RoleConfig
}

// invoke runs one actor against the task, recording the invocation row
// and streaming activity into the event bus. Launch failures come back
// inside the Result; the error return is for unknown providers only.
func (d *Driver) invoke(ctx context.Context, taskID, role string, rc config.RoleConfig, prompt, resumeSession string) (*invokeResult, error) {
	prov := d.Providers.Get(rc.Provider)
	if prov == nil {
		return nil, fmt.Errorf("provider %q is not registered", rc.Provider)
	}

	var rejectionNumber *int
	if task, err := d.Project.GetTask(taskID); err == nil && task != nil && task.RejectionCount > 0 {
		n := task.RejectionCount
		rejectionNumber = &n
	}

	inv, err := d.Project.StartInvocation(taskID, role, rc.Provider, rc.Model, rejectionNumber)
	if err != nil {
		return nil, err
	}

	pub := d.publisher()
	pub.Publish(events.NewEvent(events.EventInvocation, taskID, events.InvocationData{
		InvocationID: inv.ID,
		Role:         role,
		Provider:     rc.Provider,
		Model:        rc.Model,
		Phase:        "started",
	}))

	opts := provider.InvokeOptions{
		Model:           rc.Model,
		Timeout:         d.Config.Runners.InvocationTimeout,
		Cwd:             d.WorkDir,
		StreamOutput:    true,
		ResumeSessionID: resumeSession,
		LogPath:         filepath.Join(d.WorkDir, db.StateDirName, "invocations", inv.ID+".log"),
		OnActivity: func(ev provider.ActivityEvent) {
			pub.Publish(events.NewEvent(events.EventActivity, taskID, events.ActivityData{
				Role:     role,
				Kind:     ev.Kind,
				Text:     ev.Text,
				ToolName: ev.ToolName,
			}))
		},
	}
	if pc, ok := d.Config.Providers[rc.Provider]; ok && len(pc.InvocationTemplate) > 0 {
		opts.InvocationTemplate = pc.InvocationTemplate
	}

	res, err := prov.Invoke(ctx, prompt, opts)
	if err != nil {
		// Caller bug (bad options); still close the invocation row.
		_ = d.Project.FinishInvocation(inv.ID, -1, 0, false, false, "")
		return nil, err
	}

	if err := d.Project.FinishInvocation(inv.ID, res.ExitCode, res.DurationMs, res.Success, res.TimedOut, res.SessionID); err != nil {
		d.logger().Warn("finish invocation failed", "invocation", inv.ID, "error", err)
	}
	pub.Publish(events.NewEvent(events.EventInvocation, taskID, events.InvocationData{
		InvocationID: inv.ID,
		Role:         role,
		Provider:     rc.Provider,
		Model:        rc.Model,
		Phase:        "finished",
		Success:      res.Success,
		DurationMs:   res.DurationMs,
	}))

	return &invokeResult{res: res, prov: prov, role: rc}, nil
}

// creditCheck maps a classified credit exhaustion to the typed value
// the runner pauses on.
func (d *Driver) creditCheck(ir *invokeResult, role string) *CreditExhaustion {
	cls := ir.prov.ClassifyResult(ir.res)
	if cls == nil || cls.Type != provider.ClassCreditExhaustion {
		return nil
	}
	return &CreditExhaustion{
		Provider: ir.role.Provider,
		Model:    ir.role.Model,
		Role:     role,
		Message:  cls.Message,
	}
}

// publishStatus mirrors a task transition onto the event bus.
func (d *Driver) publishStatus(taskID string, to db.Status, change db.StatusChange) {
	d.publisher().Publish(events.NewEvent(events.EventTaskStatus, taskID, events.StatusChange{
		To:    string(to),
		Actor: change.Actor,
		Notes: change.Notes,
	}))
}

// decisionNotes formats the audit note for an orchestrator decision.
func decisionNotes(verb, reasoning, confidence string) string {
	if confidence == "" {
		confidence = "medium"
	}
	return fmt.Sprintf("[%s] %s (confidence: %s)", verb, reasoning, confidence)
}

// escapeCommitMessage escapes embedded double quotes so the message
// survives any downstream quoting.
func escapeCommitMessage(msg string) string {
	return strings.ReplaceAll(msg, `"`, `\"`)
}
