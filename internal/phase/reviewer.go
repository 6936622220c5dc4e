package phase

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/gitops"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/orchestrator"
)

// reviewerOutput is one panel member's run: raw output plus its parsed
// verdict.
type reviewerOutput struct {
	cfg      config.ReviewerConfig
	raw      string
	decision *orchestrator.ReviewerDecision
	credit   *CreditExhaustion
}

// RunReviewerPhase drives one review iteration: reviewer invocation(s),
// decision resolution, audit, follow-up creation, status transition.
// The returned error means the lease was lost.
func (d *Driver) RunReviewerPhase(ctx context.Context, task *db.Task) (*CreditExhaustion, error) {
	if err := d.Lease.Refresh(task.ID); err != nil {
		return nil, err
	}
	log := d.logger().With("task", task.ID, "phase", "reviewer")

	submission, err := d.Project.GetLatestSubmissionNotes(task.ID)
	if err != nil {
		log.Warn("loading submission notes failed", "error", err)
	}
	gitState, err := d.Git.Snapshot(ctx)
	if err != nil {
		log.Warn("git snapshot failed", "error", err)
	}
	commitSHA, _ := d.Git.HeadSHA(ctx)

	panel := d.Config.ReviewPanel()
	outputs, retry := d.runPanel(ctx, task, panel, submission, gitState, log)
	if retry {
		return nil, nil
	}
	for _, o := range outputs {
		if o.credit != nil {
			return o.credit, nil
		}
	}
	if len(outputs) == 0 {
		log.Warn("no reviewer produced output; retrying next iteration")
		return nil, nil
	}

	var decision *orchestrator.ReviewerDecision
	if d.Config.MultiReview() {
		decision = d.resolvePanelDecision(ctx, task, outputs, commitSHA, log)
	} else {
		decision = d.resolveSingleDecision(ctx, task, outputs[0], commitSHA, changedFiles(gitState), log)
	}
	decision = d.escalateReviewerFallback(task, decision, log)
	decision = d.escalateReviewerUnclear(task, decision, log)

	if err := d.Project.AddAuditEntry(&db.AuditEntry{
		TaskID:    task.ID,
		ToStatus:  decision.NextStatus,
		Actor:     "orchestrator",
		ActorType: db.ActorTypeOrchestrator,
		Model:     d.Config.AI.Orchestrator.Model,
		Notes:     decisionNotes(decision.Decision, decision.Reasoning, decision.Metadata.Confidence),
	}); err != nil {
		log.Warn("orchestrator audit write failed", "error", err)
	}

	if decision.Decision == orchestrator.DecisionApprove && len(decision.FollowUpTasks) > 0 {
		d.createFollowUps(task, decision.FollowUpTasks, log)
	}

	return nil, d.executeReviewerDecision(ctx, task, decision, commitSHA, log)
}

// runPanel invokes every panel member, in parallel for a multi-review
// panel. retry=true means the phase should give up this iteration (a
// strict reviewer failed, or every reviewer failed).
func (d *Driver) runPanel(ctx context.Context, task *db.Task, panel []config.ReviewerConfig, submission string, gitState *gitops.State, log logLike) ([]reviewerOutput, bool) {
	prompt := reviewerPrompt(task, submission, gitState)

	type slot struct {
		out reviewerOutput
		ok  bool
	}
	slots := make([]slot, len(panel))

	run := func(i int) {
		rc := panel[i]
		ir, err := d.invoke(ctx, task.ID, db.RoleReviewer, config.RoleConfig{Provider: rc.Provider, Model: rc.Model}, prompt, "")
		if err != nil {
			log.Warn("reviewer invocation could not start", "provider", rc.Provider, "error", err)
			return
		}
		out := reviewerOutput{cfg: rc, raw: ir.res.Stdout}
		out.credit = d.creditCheck(ir, db.RoleReviewer)
		if out.credit == nil && (!ir.res.Success || ir.res.TimedOut) {
			log.Warn("reviewer failed", "provider", rc.Provider, "exit", ir.res.ExitCode, "timed_out", ir.res.TimedOut)
			return
		}
		slots[i] = slot{out: out, ok: true}
	}

	if len(panel) == 1 {
		run(0)
	} else {
		var g errgroup.Group
		for i := range panel {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	var outputs []reviewerOutput
	for i, s := range slots {
		if !s.ok {
			if panel[i].Strict {
				log.Warn("strict reviewer failed; retrying whole review", "provider", panel[i].Provider)
				return nil, true
			}
			continue
		}
		outputs = append(outputs, s.out)
	}
	return outputs, false
}

// resolveSingleDecision runs the orchestrator over the lone reviewer's
// output.
func (d *Driver) resolveSingleDecision(ctx context.Context, task *db.Task, out reviewerOutput, commitSHA string, changed []string, log logLike) *orchestrator.ReviewerDecision {
	orch, err := d.invoke(ctx, task.ID, db.RoleOrchestrator, d.Config.AI.Orchestrator,
		reviewerOrchestratorPrompt(task, out.raw, commitSHA, changed), "")
	switch {
	case err != nil:
		return orchestrator.ReviewerOrchestratorFailed(err.Error())
	case !orch.res.Success:
		return orchestrator.ReviewerOrchestratorFailed(fmt.Sprintf("exit %d", orch.res.ExitCode))
	default:
		return orchestrator.ParseReviewerReply(orch.res.Stdout)
	}
}

// resolvePanelDecision consolidates the panel. Each member's output is
// parsed locally; a unanimous panel is synthesised without another
// orchestrator call, a mixed one is merged by the multi-review
// orchestrator. A strict rejection always rejects.
func (d *Driver) resolvePanelDecision(ctx context.Context, task *db.Task, outputs []reviewerOutput, commitSHA string, log logLike) *orchestrator.ReviewerDecision {
	for i := range outputs {
		outputs[i].decision = orchestrator.ParseReviewerReply(outputs[i].raw)
	}

	for _, o := range outputs {
		if o.cfg.Strict && o.decision.Decision == orchestrator.DecisionReject {
			return &orchestrator.ReviewerDecision{
				Decision:   orchestrator.DecisionReject,
				Reasoning:  fmt.Sprintf("strict reviewer %s/%s rejected", o.cfg.Provider, o.cfg.Model),
				Notes:      o.decision.Notes,
				NextStatus: string(db.StatusInProgress),
				Metadata:   orchestrator.ReviewerMetadata{Confidence: orchestrator.ConfidenceHigh},
			}
		}
	}

	unanimous := true
	for _, o := range outputs[1:] {
		if o.decision.Decision != outputs[0].decision.Decision {
			unanimous = false
			break
		}
	}
	if unanimous && outputs[0].decision.Decision != orchestrator.DecisionUnclear {
		primary := outputs[0]
		return &orchestrator.ReviewerDecision{
			Decision:      primary.decision.Decision,
			Reasoning:     fmt.Sprintf("unanimous %s from %d reviewer(s)", primary.decision.Decision, len(outputs)),
			Notes:         primary.decision.Notes,
			NextStatus:    primary.decision.NextStatus,
			Metadata:      orchestrator.ReviewerMetadata{Confidence: orchestrator.ConfidenceHigh},
			FollowUpTasks: primary.decision.FollowUpTasks,
		}
	}

	orch, err := d.invoke(ctx, task.ID, db.RoleOrchestrator, d.Config.AI.Orchestrator,
		multiReviewOrchestratorPrompt(task, outputs, commitSHA), "")
	switch {
	case err != nil:
		return orchestrator.ReviewerOrchestratorFailed(err.Error())
	case !orch.res.Success:
		return orchestrator.ReviewerOrchestratorFailed(fmt.Sprintf("exit %d", orch.res.ExitCode))
	default:
		return orchestrator.ParseReviewerReply(orch.res.Stdout)
	}
}

// escalateReviewerFallback is the reviewer-side three-strike rule; the
// escalated terminal is a dispute.
func (d *Driver) escalateReviewerFallback(task *db.Task, decision *orchestrator.ReviewerDecision, log logLike) *orchestrator.ReviewerDecision {
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
		return &orchestrator.ReviewerDecision{
			Decision:   orchestrator.DecisionDispute,
			Reasoning:  "escalating to disputed to stop retry loop",
			NextStatus: string(db.StatusDisputed),
			Metadata:   decision.Metadata,
		}
	}
	decision.Reasoning = fmt.Sprintf("%s (parse_retry %d/%d)", decision.Reasoning, strike, maxConsecutiveFallbacks)
	return decision
}

// escalateReviewerUnclear applies the same three-strike rule to explicit
// unclear verdicts, which would otherwise retry the review forever.
// Fallback decisions are handled by escalateReviewerFallback.
func (d *Driver) escalateReviewerUnclear(task *db.Task, decision *orchestrator.ReviewerDecision, log logLike) *orchestrator.ReviewerDecision {
	if decision.Decision != orchestrator.DecisionUnclear || decision.IsFallback() {
		return decision
	}
	prior, err := d.Project.ConsecutiveOrchestratorUnclear(task.ID)
	if err != nil {
		log.Warn("counting unclear verdicts failed", "error", err)
		return decision
	}
	if prior+1 >= maxConsecutiveFallbacks {
		log.Warn("unclear verdicts exhausted", "strikes", prior+1)
		return &orchestrator.ReviewerDecision{
			Decision:   orchestrator.DecisionDispute,
			Reasoning:  "escalating to disputed to stop retry loop",
			NextStatus: string(db.StatusDisputed),
			Metadata:   decision.Metadata,
		}
	}
	return decision
}

// createFollowUps creates the reviewer's suggested follow-ups, bounded
// by the configured depth policy. Hitting the limit is logged only.
func (d *Driver) createFollowUps(task *db.Task, followUps []orchestrator.FollowUpTask, log logLike) {
	depth, err := d.Project.GetFollowUpDepth(task.ID)
	if err != nil {
		log.Warn("follow-up depth lookup failed", "error", err)
		return
	}
	if depth >= d.Config.FollowUpTasks.MaxDepth {
		log.Info("follow-up depth limit reached; suggestions dropped",
			"depth", depth, "max", d.Config.FollowUpTasks.MaxDepth, "count", len(followUps))
		return
	}

	childDepth := depth + 1
	promoted := childDepth == 1 && d.Config.FollowUpTasks.AutoImplementDepth1
	for _, fu := range followUps {
		child, err := d.Project.CreateFollowUpTask(task.ID, fu.Title, fu.Description, promoted)
		if err != nil {
			log.Warn("creating follow-up failed", "title", fu.Title, "error", err)
			continue
		}
		d.hooks().Dispatch(hooks.EventTaskCreated, hooks.Payload{
			Task: map[string]any{"id": child.ID, "title": child.Title, "parent": task.ID},
		})
	}
}

func (d *Driver) executeReviewerDecision(ctx context.Context, task *db.Task, decision *orchestrator.ReviewerDecision, commitSHA string, log logLike) error {
	model := d.Config.AI.Orchestrator.Model
	notes := decision.Notes
	if notes == "" {
		notes = decision.Reasoning
	}

	switch decision.Decision {
	case orchestrator.DecisionApprove:
		if err := d.Project.ApproveTask(task.ID, "orchestrator", model, notes, commitSHA); err != nil {
			log.Warn("approve failed", "error", err)
			return nil
		}
		d.publishStatus(task.ID, db.StatusCompleted, db.StatusChange{Actor: "orchestrator", Notes: notes})
		d.hooks().Dispatch(hooks.EventTaskCompleted, hooks.Payload{
			Task: map[string]any{"id": task.ID, "title": task.Title, "commit_sha": commitSHA},
		})
		if err := d.Lease.Refresh(task.ID); err != nil {
			return err
		}
		d.pushBranch(ctx, log)
		return nil

	case orchestrator.DecisionReject:
		if err := d.Project.RejectTask(task.ID, "orchestrator", model, notes); err != nil {
			log.Warn("reject failed", "error", err)
			return nil
		}
		d.publishStatus(task.ID, db.StatusInProgress, db.StatusChange{Actor: "orchestrator", Notes: notes})
		return nil

	case orchestrator.DecisionDispute:
		if err := d.transition(task.ID, db.StatusDisputed, db.StatusChange{
			Actor:     "orchestrator",
			ActorType: db.ActorTypeAutomation,
			Model:     model,
			Notes:     notes,
		}, log); err != nil {
			return err
		}
		d.hooks().Dispatch(hooks.EventDisputeCreated, hooks.Payload{
			Dispute: map[string]any{"taskId": task.ID, "type": "review", "status": "open"},
		})
		if err := d.Lease.Refresh(task.ID); err != nil {
			return err
		}
		d.pushBranch(ctx, log)
		return nil

	case orchestrator.DecisionSkip:
		return d.transition(task.ID, db.StatusSkipped, db.StatusChange{
			Actor:     "orchestrator",
			ActorType: db.ActorTypeAutomation,
			Model:     model,
			Notes:     notes,
		}, log)

	default: // unclear keeps review; the loop retries
		log.Info("review unclear; retrying", "reasoning", decision.Reasoning)
		return nil
	}
}

// pushBranch pushes the configured branch; failures are logged and the
// commit stays local for the next completion boundary.
func (d *Driver) pushBranch(ctx context.Context, log logLike) {
	branch := d.Config.Git.PushBranch
	if branch == "" {
		return
	}
	if err := d.Git.Push(ctx, branch); err != nil {
		log.Warn("push failed; commit remains local", "branch", branch, "error", err)
	}
}
