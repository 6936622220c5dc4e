// Package provider launches external actor CLIs and classifies their
// failures. One adapter per provider; all failures surface in the Result,
// never as panics.
package provider

import (
	"context"
	"time"
)

// Classification types for failed invocations.
const (
	ClassCreditExhaustion = "credit_exhaustion"
	ClassRateLimit        = "rate_limit"
	ClassAuthError        = "auth_error"
	ClassModelNotFound    = "model_not_found"
	ClassOther            = "other"
)

// TokenUsage is the token accounting reported by a provider's final
// stream event.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Result is the outcome of one invocation. It is always populated; a
// failed launch is a Result with Success=false and the error in Stderr.
type Result struct {
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
	SessionID  string
	TokenUsage *TokenUsage
}

// Classification describes a known failure class of a Result.
type Classification struct {
	Type         string
	Message      string
	RetryAfterMs int64
}

// ActivityEvent is one parsed stream event forwarded to the activity
// callback while an invocation runs.
type ActivityEvent struct {
	Kind      string // assistant_text, tool_use, result, raw
	Text      string
	ToolName  string
	SessionID string
}

// InvokeOptions configures one invocation.
type InvokeOptions struct {
	Model              string
	Timeout            time.Duration // activity-reset timeout
	Cwd                string
	InvocationTemplate []string // overrides the provider default when set
	PromptFile         string   // pre-materialised prompt file; temp file when empty
	StreamOutput       bool
	ResumeSessionID    string
	OnActivity         func(ActivityEvent)

	// LogPath, when set, receives one structured event per line.
	LogPath string
}

// Provider is one external actor CLI.
type Provider interface {
	// Name is the configuration key for this provider.
	Name() string

	// Invoke runs the provider CLI with the prompt. The returned Result
	// is never nil and the error is reserved for caller bugs (bad opts);
	// provider failures land in the Result.
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*Result, error)

	// IsAvailable reports whether the provider CLI is on PATH.
	IsAvailable() bool

	// ClassifyResult maps a failed Result to a known failure class.
	// Returns nil for successes and unknown failures.
	ClassifyResult(res *Result) *Classification

	// ListModels returns the model names this adapter accepts.
	ListModels() []string

	// DefaultInvocationTemplate returns the argv template used when the
	// config does not override it.
	DefaultInvocationTemplate() []string
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the adapter for name, or nil when unknown.
func (r *Registry) Get(name string) Provider {
	return r.providers[name]
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
