// Package events provides in-process event types and publishing for the
// pipeline. Runners publish as they work; the CLI and tests subscribe.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTaskStatus indicates a task status transition.
	EventTaskStatus EventType = "task_status"
	// EventActivity indicates provider activity (text, tool use) on a task.
	EventActivity EventType = "activity"
	// EventInvocation indicates a provider invocation started or finished.
	EventInvocation EventType = "invocation"
	// EventCredit indicates a credit exhaustion or recovery.
	EventCredit EventType = "credit"
	// EventRunner indicates a runner lifecycle change.
	EventRunner EventType = "runner"
	// EventError indicates a non-fatal pipeline error.
	EventError EventType = "error"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// StatusChange carries a task status transition.
type StatusChange struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Actor string `json:"actor"`
	Notes string `json:"notes,omitempty"`
}

// ActivityData carries a provider activity update.
type ActivityData struct {
	Role     string `json:"role"`
	Kind     string `json:"kind"` // text, tool_use, result
	Text     string `json:"text,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
}

// InvocationData carries invocation lifecycle information.
type InvocationData struct {
	InvocationID string `json:"invocation_id"`
	Role         string `json:"role"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Phase        string `json:"phase"` // started, finished
	Success      bool   `json:"success,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

// CreditData carries a credit exhaustion or recovery.
type CreditData struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Role     string `json:"role"`
	Message  string `json:"message,omitempty"`
	Resolved bool   `json:"resolved"`
}

// RunnerData carries a runner lifecycle change.
type RunnerData struct {
	RunnerID string `json:"runner_id"`
	Status   string `json:"status"` // running, paused, stopped
	Reason   string `json:"reason,omitempty"`
}

// ErrorData represents error information.
type ErrorData struct {
	Role    string `json:"role,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
