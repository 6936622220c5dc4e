// Package orchestrator parses the free-form reply of an orchestrator
// invocation into a structured decision. Parsing is a five-layer
// waterfall: direct JSON, fenced JSON, brace substring, repair + retry,
// and finally keyword heuristics. Heuristic results carry low confidence
// and a FALLBACK-prefixed reasoning so they are visible in the audit
// trail.
package orchestrator

import (
	"fmt"
	"strings"
)

// FallbackPrefix marks reasoning produced by the heuristic layer or by
// a synthesised decision. The audit trail's escalation logic keys on it.
const FallbackPrefix = "FALLBACK:"

// Confidence levels attached to decision metadata.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Coder actions.
const (
	ActionSubmit            = "submit"
	ActionStageCommitSubmit = "stage_commit_submit"
	ActionRetry             = "retry"
	ActionError             = "error"
)

// Reviewer decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionDispute = "dispute"
	DecisionSkip    = "skip"
	DecisionUnclear = "unclear"
)

// CoderMetadata qualifies a coder decision.
type CoderMetadata struct {
	FilesChanged int    `json:"files_changed"`
	Confidence   string `json:"confidence"`
	ExitClean    bool   `json:"exit_clean"`
	HasCommits   bool   `json:"has_commits"`
}

// CoderDecision is the parsed outcome of a coder-phase orchestration.
type CoderDecision struct {
	Action        string        `json:"action"`
	Reasoning     string        `json:"reasoning"`
	Commits       []string      `json:"commits,omitempty"`
	CommitMessage string        `json:"commit_message,omitempty"`
	NextStatus    string        `json:"next_status"`
	Metadata      CoderMetadata `json:"metadata"`
}

// IsFallback reports whether this decision came from the heuristic layer
// or was synthesised after an orchestrator failure.
func (d *CoderDecision) IsFallback() bool {
	return strings.HasPrefix(d.Reasoning, FallbackPrefix)
}

// ReviewerMetadata qualifies a reviewer decision.
type ReviewerMetadata struct {
	RejectionCount int    `json:"rejection_count"`
	Confidence     string `json:"confidence"`
	PushToRemote   bool   `json:"push_to_remote"`
	RepeatedIssue  bool   `json:"repeated_issue,omitempty"`
}

// FollowUpTask is a follow-up suggested by an approving reviewer.
type FollowUpTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ReviewerDecision is the parsed outcome of a reviewer-phase orchestration.
type ReviewerDecision struct {
	Decision      string           `json:"decision"`
	Reasoning     string           `json:"reasoning"`
	Notes         string           `json:"notes,omitempty"`
	NextStatus    string           `json:"next_status"`
	Metadata      ReviewerMetadata `json:"metadata"`
	FollowUpTasks []FollowUpTask   `json:"follow_up_tasks,omitempty"`
}

// IsFallback reports whether this decision came from the heuristic layer
// or was synthesised after an orchestrator failure.
func (d *ReviewerDecision) IsFallback() bool {
	return strings.HasPrefix(d.Reasoning, FallbackPrefix)
}

// coderNextStatus maps coder actions to their task status.
func coderNextStatus(action string) string {
	switch action {
	case ActionSubmit, ActionStageCommitSubmit:
		return "review"
	case ActionError:
		return "failed"
	default:
		return "in_progress"
	}
}

// reviewerNextStatus maps reviewer decisions to their task status.
func reviewerNextStatus(decision string) string {
	switch decision {
	case DecisionApprove:
		return "completed"
	case DecisionReject:
		return "in_progress"
	case DecisionDispute:
		return "disputed"
	case DecisionSkip:
		return "skipped"
	default:
		return "review"
	}
}

// CoderOrchestratorFailed synthesises the retry decision used when the
// orchestrator invocation itself failed. Its reasoning carries the exact
// sentinel the escalation counter matches on.
func CoderOrchestratorFailed(detail string) *CoderDecision {
	return &CoderDecision{
		Action:     ActionRetry,
		Reasoning:  orchestratorFailedReasoning(detail),
		NextStatus: coderNextStatus(ActionRetry),
		Metadata:   CoderMetadata{Confidence: ConfidenceLow},
	}
}

// ReviewerOrchestratorFailed synthesises the unclear decision used when
// the orchestrator invocation itself failed.
func ReviewerOrchestratorFailed(detail string) *ReviewerDecision {
	return &ReviewerDecision{
		Decision:   DecisionUnclear,
		Reasoning:  orchestratorFailedReasoning(detail),
		NextStatus: reviewerNextStatus(DecisionUnclear),
		Metadata:   ReviewerMetadata{Confidence: ConfidenceLow},
	}
}

func orchestratorFailedReasoning(detail string) string {
	if detail == "" {
		return FallbackPrefix + " Orchestrator failed"
	}
	return fmt.Sprintf("%s Orchestrator failed: %s", FallbackPrefix, detail)
}
