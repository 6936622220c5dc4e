package phase

import (
	"context"
	"fmt"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/orchestrator"
)

// RunCoderPhase drives one coder iteration: coordinator gate, coder
// invocation, orchestrator decision, audit, status transition. Ordinary
// failures are absorbed and retried on the next iteration; the returned
// error means the lease was lost and the phase was aborted.
func (d *Driver) RunCoderPhase(ctx context.Context, task *db.Task, action db.NextAction) (*CreditExhaustion, error) {
	if err := d.Lease.Refresh(task.ID); err != nil {
		return nil, err
	}
	log := d.logger().With("task", task.ID, "phase", "coder")

	guidance := d.coordinatorGate(ctx, task)

	resume := ""
	if action == db.ActionResume {
		sid, err := d.Project.LatestSessionID(task.ID, db.RoleCoder)
		if err != nil {
			log.Warn("looking up resume session failed", "error", err)
		}
		resume = sid
	}

	ir, err := d.invoke(ctx, task.ID, db.RoleCoder, d.Config.AI.Coder, coderPrompt(task, action, guidance), resume)
	if err != nil {
		log.Warn("coder invocation could not start", "error", err)
		return nil, nil
	}
	if ir.res.TimedOut {
		log.Warn("coder timed out; next iteration resumes", "duration_ms", ir.res.DurationMs)
		return nil, nil
	}
	if ce := d.creditCheck(ir, db.RoleCoder); ce != nil {
		return ce, nil
	}

	gitState, err := d.Git.Snapshot(ctx)
	if err != nil {
		log.Warn("git snapshot failed", "error", err)
	}
	diff, _ := d.Git.DiffSummary(ctx)

	var decision *orchestrator.CoderDecision
	orch, err := d.invoke(ctx, task.ID, db.RoleOrchestrator, d.Config.AI.Orchestrator,
		coderOrchestratorPrompt(task, ir.res.Stdout, gitState, diff), "")
	switch {
	case err != nil:
		decision = orchestrator.CoderOrchestratorFailed(err.Error())
	case !orch.res.Success:
		decision = orchestrator.CoderOrchestratorFailed(fmt.Sprintf("exit %d", orch.res.ExitCode))
	default:
		decision = orchestrator.ParseCoderReply(orch.res.Stdout)
	}

	decision = d.escalateCoderFallback(task, decision, log)

	if err := d.Project.AddAuditEntry(&db.AuditEntry{
		TaskID:    task.ID,
		ToStatus:  decision.NextStatus,
		Actor:     "orchestrator",
		ActorType: db.ActorTypeOrchestrator,
		Model:     d.Config.AI.Orchestrator.Model,
		Notes:     decisionNotes(decision.Action, decision.Reasoning, decision.Metadata.Confidence),
	}); err != nil {
		log.Warn("orchestrator audit write failed", "error", err)
	}

	return nil, d.executeCoderDecision(ctx, task, decision, log)
}

// escalateCoderFallback applies the three-strike rule: a third
// consecutive fallback rewrites the decision to a terminal failure so
// the loop stops retrying.
func (d *Driver) escalateCoderFallback(task *db.Task, decision *orchestrator.CoderDecision, log logLike) *orchestrator.CoderDecision {
	if !decision.IsFallback() {
		return decision
	}
	prior, err := d.Project.ConsecutiveOrchestratorFallbacks(task.ID)
	if err != nil {
		log.Warn("counting fallbacks failed", "error", err)
		return decision
	}
	strike := prior + 1
	if strike >= maxConsecutiveFallbacks {
		log.Warn("orchestrator fallbacks exhausted", "strikes", strike)
		return &orchestrator.CoderDecision{
			Action:     orchestrator.ActionError,
			Reasoning:  "escalating to failed to stop retry loop",
			NextStatus: string(db.StatusFailed),
			Metadata:   decision.Metadata,
		}
	}
	decision.Reasoning = fmt.Sprintf("%s (parse_retry %d/%d)", decision.Reasoning, strike, maxConsecutiveFallbacks)
	return decision
}

func (d *Driver) executeCoderDecision(ctx context.Context, task *db.Task, decision *orchestrator.CoderDecision, log logLike) error {
	change := db.StatusChange{
		Actor:     "coder",
		ActorType: db.ActorTypeAutomation,
		Model:     d.Config.AI.Coder.Model,
	}

	switch decision.Action {
	case orchestrator.ActionSubmit:
		change.Notes = "submitted for review"
		return d.transition(task.ID, db.StatusReview, change, log)

	case orchestrator.ActionStageCommitSubmit:
		if err := d.Lease.Refresh(task.ID); err != nil {
			return err
		}
		if err := d.Git.StageAll(ctx); err != nil {
			log.Warn("staging failed; will retry", "error", err)
			return nil
		}
		msg := decision.CommitMessage
		if msg == "" {
			msg = "task: " + task.Title
		}
		if err := d.Git.Commit(ctx, escapeCommitMessage(msg)); err != nil {
			log.Warn("commit failed; will retry", "error", err)
			return nil
		}
		sha, err := d.Git.HeadSHA(ctx)
		if err != nil {
			log.Warn("reading head sha failed", "error", err)
		}
		change.Notes = "committed and submitted for review"
		change.CommitSHA = sha
		return d.transition(task.ID, db.StatusReview, change, log)

	case orchestrator.ActionError:
		change.Actor = "orchestrator"
		change.Notes = decision.Reasoning
		return d.transition(task.ID, db.StatusFailed, change, log)

	default: // retry keeps in_progress
		log.Info("coder iteration retried", "reasoning", decision.Reasoning)
		return nil
	}
}

// transition applies a status change and publishes it; db failures are
// logged, not fatal, so the loop can retry the whole iteration.
func (d *Driver) transition(taskID string, to db.Status, change db.StatusChange, log logLike) error {
	if err := d.Project.UpdateTaskStatus(taskID, to, change); err != nil {
		log.Warn("status transition failed", "to", string(to), "error", err)
		return nil
	}
	d.publishStatus(taskID, to, change)
	return nil
}

// logLike is the subset of slog.Logger the phase helpers need.
type logLike interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}
