package phase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/gitops"
)

// jsonBlock renders v as an indented JSON block for prompt context.
// Marshal failures degrade to an empty object rather than aborting the
// phase.
func jsonBlock(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func coderPrompt(task *db.Task, action db.NextAction, guidance string) string {
	var b strings.Builder
	b.WriteString("You are the coder for the following task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", task.Description)
	}
	if action == db.ActionResume {
		b.WriteString("\nThis task was interrupted; resume from the current state of the working tree.\n")
	}
	if task.RejectionCount > 0 {
		fmt.Fprintf(&b, "\nThis task has been rejected %d time(s). Address the reviewer's feedback.\n", task.RejectionCount)
	}
	if guidance != "" {
		fmt.Fprintf(&b, "\nCoordinator guidance:\n%s\n", guidance)
	}
	b.WriteString("\nImplement the task, then summarise what you did and whether you committed.\n")
	return b.String()
}

func reviewerPrompt(task *db.Task, submission string, git *gitops.State) string {
	var b strings.Builder
	b.WriteString("You are reviewing the submitted work for the following task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", task.Description)
	}
	if submission != "" {
		fmt.Fprintf(&b, "\nSubmission notes:\n%s\n", submission)
	}
	if git != nil {
		fmt.Fprintf(&b, "\nGit state:\n%s\n", jsonBlock(git))
	}
	b.WriteString(`
Review the work against the task. Reply with JSON:
{"decision": "approve|reject|dispute|skip", "reasoning": "...", "notes": "...",
 "follow_up_tasks": [{"title": "...", "description": "..."}]}
If you cannot produce JSON, end with a line "DECISION: APPROVE" (or REJECT/DISPUTE/SKIP).
`)
	return b.String()
}

// coderOrchestratorPrompt asks the orchestrator to turn raw coder output
// into a structured decision.
func coderOrchestratorPrompt(task *db.Task, coderOutput string, git *gitops.State, diff string) string {
	ctx := map[string]any{
		"task": map[string]any{
			"id":              task.ID,
			"title":           task.Title,
			"status":          string(task.Status),
			"rejection_count": task.RejectionCount,
		},
		"coder_output": coderOutput,
		"git_state": map[string]any{
			"dirty":          git != nil && git.Dirty,
			"changed_files":  changedFiles(git),
			"recent_commits": recentCommits(git),
			"diff_summary":   diff,
		},
	}
	return `Decide what to do with this coder iteration.

Context:
` + jsonBlock(ctx) + `

Reply with exactly one JSON object:
{"action": "submit|stage_commit_submit|retry|error", "reasoning": "...",
 "commit_message": "...", "next_status": "review|in_progress|failed",
 "metadata": {"files_changed": 0, "confidence": "high|medium|low",
              "exit_clean": true, "has_commits": false}}
`
}

func reviewerOrchestratorPrompt(task *db.Task, reviewerOutput, commitSHA string, changed []string) string {
	ctx := map[string]any{
		"task": map[string]any{
			"id":              task.ID,
			"title":           task.Title,
			"rejection_count": task.RejectionCount,
		},
		"reviewer_output": reviewerOutput,
		"git_state": map[string]any{
			"commit_sha":    commitSHA,
			"changed_files": changed,
		},
	}
	return `Consolidate this review into a decision.

Context:
` + jsonBlock(ctx) + `

Reply with exactly one JSON object:
{"decision": "approve|reject|dispute|skip", "reasoning": "...", "notes": "...",
 "next_status": "completed|in_progress|disputed|skipped",
 "metadata": {"rejection_count": 0, "confidence": "high|medium|low",
              "push_to_remote": false},
 "follow_up_tasks": [{"title": "...", "description": "..."}]}
`
}

// multiReviewOrchestratorPrompt merges a mixed set of reviewer verdicts.
func multiReviewOrchestratorPrompt(task *db.Task, outputs []reviewerOutput, commitSHA string) string {
	reviews := make([]map[string]any, 0, len(outputs))
	for _, o := range outputs {
		reviews = append(reviews, map[string]any{
			"provider": o.cfg.Provider,
			"model":    o.cfg.Model,
			"strict":   o.cfg.Strict,
			"decision": o.decision.Decision,
			"notes":    o.decision.Notes,
			"output":   o.raw,
		})
	}
	ctx := map[string]any{
		"task":       map[string]any{"id": task.ID, "title": task.Title},
		"commit_sha": commitSHA,
		"reviews":    reviews,
	}
	return `The reviewers disagree. Merge their verdicts into one decision.
A rejection from a strict reviewer must reject the task.

Context:
` + jsonBlock(ctx) + `

Reply with exactly one JSON object in the reviewer decision shape:
{"decision": "approve|reject|dispute|skip", "reasoning": "...", "notes": "...",
 "metadata": {"confidence": "high|medium|low"}}
`
}

func coordinatorPrompt(task *db.Task, rejections []*db.AuditEntry, peers []*db.Task, submission, diff, previous string) string {
	notes := make([]string, 0, len(rejections))
	for _, r := range rejections {
		notes = append(notes, r.Notes)
	}
	peerStatus := make([]map[string]string, 0, len(peers))
	for _, p := range peers {
		if p.ID == task.ID {
			continue
		}
		peerStatus = append(peerStatus, map[string]string{
			"title":  p.Title,
			"status": string(p.Status),
		})
	}
	ctx := map[string]any{
		"task": map[string]any{
			"id":              task.ID,
			"title":           task.Title,
			"rejection_count": task.RejectionCount,
		},
		"rejections":        notes,
		"section_tasks":     peerStatus,
		"latest_submission": submission,
		"diff_summary":      diff,
		"previous_guidance": previous,
	}
	return `This task keeps getting rejected. Decide how to unblock it.

Context:
` + jsonBlock(ctx) + `

Reply with exactly one JSON object:
{"decision": "continue|pivot|escalate|skip", "guidance": "concrete instructions for the coder"}
`
}

func changedFiles(git *gitops.State) []string {
	if git == nil {
		return nil
	}
	return git.ChangedFiles
}

func recentCommits(git *gitops.State) []string {
	if git == nil {
		return nil
	}
	return git.RecentCommits
}
