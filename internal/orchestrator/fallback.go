package orchestrator

import (
	"regexp"
	"strings"
)

var decisionTokenRe = regexp.MustCompile(`(?i)DECISION:\s*(APPROVE|REJECT|DISPUTE|SKIP)`)

// coderHeuristic constructs a safe default coder decision from keyword
// patterns. Every result is low confidence with a FALLBACK reasoning.
func coderHeuristic(raw string) *CoderDecision {
	lower := strings.ToLower(raw)

	build := func(action, why string) *CoderDecision {
		return &CoderDecision{
			Action:     action,
			Reasoning:  FallbackPrefix + " " + why,
			NextStatus: coderNextStatus(action),
			Metadata:   CoderMetadata{Confidence: ConfidenceLow},
		}
	}

	switch {
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return build(ActionRetry, "coder output suggests a timeout; retrying")

	case containsAny(lower, "fatal", "panic", "unrecoverable"):
		return build(ActionError, "coder output suggests an unrecoverable error")

	case hasCommitSignal(lower) && hasCompletionSignal(lower):
		return build(ActionSubmit, "coder output suggests completed, committed work")

	default:
		return build(ActionRetry, "could not parse orchestrator reply; retrying")
	}
}

// reviewerHeuristic scans for the last explicit DECISION token. Prior
// sessions may be replayed into the transcript, so only the final token
// counts. Absent a token, a bare verdict word leading the last non-empty
// line is accepted. Anything else is unclear.
func reviewerHeuristic(raw string) *ReviewerDecision {
	build := func(decision, why string) *ReviewerDecision {
		return &ReviewerDecision{
			Decision:   decision,
			Reasoning:  FallbackPrefix + " " + why,
			NextStatus: reviewerNextStatus(decision),
			Metadata:   ReviewerMetadata{Confidence: ConfidenceLow},
		}
	}

	if matches := decisionTokenRe.FindAllStringSubmatch(raw, -1); len(matches) > 0 {
		token := strings.ToLower(matches[len(matches)-1][1])
		return build(tokenToDecision(token), "explicit DECISION token: "+strings.ToUpper(token))
	}

	if token := leadingTokenOfLastLine(raw); token != "" {
		return build(tokenToDecision(token), "bare verdict on last line: "+strings.ToUpper(token))
	}

	return build(DecisionUnclear, "could not parse orchestrator reply; no decision token found")
}

func tokenToDecision(token string) string {
	switch token {
	case "approve":
		return DecisionApprove
	case "reject":
		return DecisionReject
	case "dispute":
		return DecisionDispute
	case "skip":
		return DecisionSkip
	}
	return DecisionUnclear
}

// leadingTokenOfLastLine returns the verdict word opening the last
// non-empty line, or "".
func leadingTokenOfLastLine(raw string) string {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		first := strings.ToLower(strings.Trim(strings.Fields(line)[0], ".,!:"))
		switch first {
		case "approve", "reject", "dispute", "skip":
			return first
		}
		return ""
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasCommitSignal(lower string) bool {
	return containsAny(lower, "committed", "commit created", "git commit")
}

func hasCompletionSignal(lower string) bool {
	return containsAny(lower, "done", "complete", "finished", "implemented")
}
