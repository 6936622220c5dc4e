package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// maxFieldLen bounds free-form strings in parsed decisions. Anything
// past it fails validation and falls through to the next layer.
const maxFieldLen = 10000

// ParseCoderReply turns the orchestrator's raw reply for a coder phase
// into a CoderDecision. It never fails: when no layer produces a valid
// decision, the heuristic fallback constructs a safe retry.
func ParseCoderReply(raw string) *CoderDecision {
	for _, candidate := range candidates(raw) {
		if d := tryCoder(candidate); d != nil {
			return d
		}
	}
	return coderHeuristic(raw)
}

// ParseReviewerReply turns the orchestrator's raw reply for a reviewer
// phase into a ReviewerDecision. It never fails: absent anything
// parseable, the decision is unclear.
func ParseReviewerReply(raw string) *ReviewerDecision {
	for _, candidate := range candidates(raw) {
		if d := tryReviewer(candidate); d != nil {
			return d
		}
	}
	return reviewerHeuristic(raw)
}

// candidates yields the parse attempts in waterfall order: the raw
// output, the first fenced json block, the outermost brace substring,
// then each of the three with the repair normaliser applied.
func candidates(raw string) []string {
	direct := []string{strings.TrimSpace(raw)}
	if block, ok := fencedJSONBlock(raw); ok {
		direct = append(direct, block)
	}
	if sub, ok := braceSubstring(raw); ok {
		direct = append(direct, sub)
	}

	out := make([]string, 0, len(direct)*2)
	out = append(out, direct...)
	for _, c := range direct {
		out = append(out, normalize(c))
	}
	return out
}

// metadataMap tolerates both proper types and stringly-typed values in
// the metadata object.
type metadataMap map[string]any

func (m metadataMap) str(key string) string {
	v, _ := m[key].(string)
	return v
}

func (m metadataMap) boolean(key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func (m metadataMap) nonNegInt(key string) (int, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("%s is negative", key)
		}
		return int(v), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 {
			return 0, fmt.Errorf("%s is not a non-negative int", key)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s has unsupported type", key)
}

// confidence folds case and rejects unknown levels.
func (m metadataMap) confidence() (string, error) {
	c := strings.ToLower(m.str("confidence"))
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c, nil
	case "":
		return ConfidenceMedium, nil
	}
	return "", fmt.Errorf("unknown confidence %q", c)
}

type coderWire struct {
	Action        string      `json:"action"`
	Reasoning     string      `json:"reasoning"`
	Commits       []string    `json:"commits"`
	CommitMessage string      `json:"commit_message"`
	NextStatus    string      `json:"next_status"`
	Metadata      metadataMap `json:"metadata"`
}

func tryCoder(candidate string) *CoderDecision {
	if candidate == "" || !gjson.Valid(candidate) {
		return nil
	}
	var w coderWire
	if err := json.Unmarshal([]byte(candidate), &w); err != nil {
		return nil
	}

	switch w.Action {
	case ActionSubmit, ActionStageCommitSubmit, ActionRetry, ActionError:
	default:
		return nil
	}
	if len(w.Reasoning) > maxFieldLen || len(w.CommitMessage) > maxFieldLen {
		return nil
	}

	filesChanged, err := w.Metadata.nonNegInt("files_changed")
	if err != nil {
		return nil
	}
	conf, err := w.Metadata.confidence()
	if err != nil {
		return nil
	}

	next := w.NextStatus
	switch next {
	case "":
		next = coderNextStatus(w.Action)
	case "review", "in_progress", "failed":
	default:
		return nil
	}

	return &CoderDecision{
		Action:        w.Action,
		Reasoning:     w.Reasoning,
		Commits:       w.Commits,
		CommitMessage: w.CommitMessage,
		NextStatus:    next,
		Metadata: CoderMetadata{
			FilesChanged: filesChanged,
			Confidence:   conf,
			ExitClean:    w.Metadata.boolean("exit_clean"),
			HasCommits:   w.Metadata.boolean("has_commits"),
		},
	}
}

type reviewerWire struct {
	Decision      string         `json:"decision"`
	Reasoning     string         `json:"reasoning"`
	Notes         string         `json:"notes"`
	NextStatus    string         `json:"next_status"`
	Metadata      metadataMap    `json:"metadata"`
	FollowUpTasks []FollowUpTask `json:"follow_up_tasks"`
}

func tryReviewer(candidate string) *ReviewerDecision {
	if candidate == "" || !gjson.Valid(candidate) {
		return nil
	}
	var w reviewerWire
	if err := json.Unmarshal([]byte(candidate), &w); err != nil {
		return nil
	}

	switch w.Decision {
	case DecisionApprove, DecisionReject, DecisionDispute, DecisionSkip, DecisionUnclear:
	default:
		return nil
	}
	if len(w.Reasoning) > maxFieldLen || len(w.Notes) > maxFieldLen {
		return nil
	}
	for _, f := range w.FollowUpTasks {
		if f.Title == "" || len(f.Title) > maxFieldLen || len(f.Description) > maxFieldLen {
			return nil
		}
	}

	rejections, err := w.Metadata.nonNegInt("rejection_count")
	if err != nil {
		return nil
	}
	conf, err := w.Metadata.confidence()
	if err != nil {
		return nil
	}

	next := w.NextStatus
	switch next {
	case "":
		next = reviewerNextStatus(w.Decision)
	case "completed", "in_progress", "disputed", "skipped", "review":
	default:
		return nil
	}

	return &ReviewerDecision{
		Decision:   w.Decision,
		Reasoning:  w.Reasoning,
		Notes:      w.Notes,
		NextStatus: next,
		Metadata: ReviewerMetadata{
			RejectionCount: rejections,
			Confidence:     conf,
			PushToRemote:   w.Metadata.boolean("push_to_remote"),
			RepeatedIssue:  w.Metadata.boolean("repeated_issue"),
		},
		FollowUpTasks: w.FollowUpTasks,
	}
}
