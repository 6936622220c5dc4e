// Package config defines the steroids configuration schema and loader.
//
// Configuration is layered: built-in defaults, then the user config at
// ~/.steroids/config.yaml, then the project config at .steroids/config.yaml,
// then STEROIDS_* environment variables. Later layers override earlier ones.
package config

import (
	"fmt"
	"time"

	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// ConfigFileName is the config file name inside a state directory.
const ConfigFileName = "config.yaml"

// RoleConfig selects a provider and model for one pipeline role.
type RoleConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ReviewerConfig is one entry of the multi-review panel. Strict reviewers
// veto: a rejection from a strict reviewer rejects the task regardless of
// the other verdicts.
type ReviewerConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Strict   bool   `yaml:"strict,omitempty"`
}

// AIConfig assigns providers and models per role.
type AIConfig struct {
	Orchestrator RoleConfig `yaml:"orchestrator"`
	Coder        RoleConfig `yaml:"coder"`
	Reviewer     RoleConfig `yaml:"reviewer"`
	Coordinator  RoleConfig `yaml:"coordinator"`
}

// RunnersConfig controls the supervised loop processes.
type RunnersConfig struct {
	// MaxParallel caps runners spawned per project by wakeup.
	MaxParallel int `yaml:"maxParallel"`

	// LeaseTTL bounds workstream leases and task locks.
	LeaseTTL time.Duration `yaml:"leaseTTL"`

	// InvocationTimeout is the activity-reset timeout for provider
	// invocations: output on either stream resets it.
	InvocationTimeout time.Duration `yaml:"invocationTimeout"`

	// HeartbeatInterval is how often a runner bumps its heartbeat and
	// refreshes its leases.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// HealthConfig controls the recovery sweep.
type HealthConfig struct {
	AutoRecover         bool `yaml:"autoRecover"`
	MaxRecoveryAttempts int  `yaml:"maxRecoveryAttempts"`
	MaxIncidentsPerHour int  `yaml:"maxIncidentsPerHour"`
}

// FollowUpTasksConfig controls follow-up creation on approval.
type FollowUpTasksConfig struct {
	MaxDepth            int  `yaml:"maxDepth"`
	AutoImplementDepth1 bool `yaml:"autoImplementDepth1"`
}

// CoordinatorConfig controls escalation to the coordinator role.
type CoordinatorConfig struct {
	// Thresholds are the rejection counts at which the coordinator is
	// consulted. Between thresholds the cached guidance is reused.
	Thresholds []int `yaml:"thresholds"`
}

// GitConfig controls git side effects of the pipeline.
type GitConfig struct {
	// PushBranch, when set, is pushed after a task is approved.
	PushBranch string `yaml:"pushBranch"`

	// AutoCommit stages and commits coder changes when the orchestrator
	// decides stage_commit_submit.
	AutoCommit bool `yaml:"autoCommit"`
}

// ProviderConfig describes one provider CLI.
type ProviderConfig struct {
	// Command is the CLI binary name or path.
	Command string `yaml:"command"`

	// InvocationTemplate is the argv template. Recognised placeholders:
	// {cli} {prompt_file} {model} {session_id}. Substitution is per
	// argv token; nothing passes through a shell.
	InvocationTemplate []string `yaml:"invocationTemplate,omitempty"`
}

// Config is the root configuration.
type Config struct {
	AI            AIConfig                  `yaml:"ai"`
	Reviewers     []ReviewerConfig          `yaml:"reviewers,omitempty"`
	Runners       RunnersConfig             `yaml:"runners"`
	Health        HealthConfig              `yaml:"health"`
	FollowUpTasks FollowUpTasksConfig       `yaml:"followUpTasks"`
	Coordinator   CoordinatorConfig         `yaml:"coordinator"`
	Git           GitConfig                 `yaml:"git"`
	Providers     map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AI: AIConfig{
			Orchestrator: RoleConfig{Provider: "claude", Model: "haiku"},
			Coder:        RoleConfig{Provider: "claude", Model: "sonnet"},
			Reviewer:     RoleConfig{Provider: "claude", Model: "sonnet"},
			Coordinator:  RoleConfig{Provider: "claude", Model: "opus"},
		},
		Runners: RunnersConfig{
			MaxParallel:       1,
			LeaseTTL:          120 * time.Second,
			InvocationTimeout: 10 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
		Health: HealthConfig{
			AutoRecover:         true,
			MaxRecoveryAttempts: 3,
			MaxIncidentsPerHour: 20,
		},
		FollowUpTasks: FollowUpTasksConfig{
			MaxDepth:            2,
			AutoImplementDepth1: true,
		},
		Coordinator: CoordinatorConfig{
			Thresholds: []int{2, 5, 9},
		},
		Git: GitConfig{
			AutoCommit: true,
		},
	}
}

// MultiReview reports whether the reviewers array is in effect.
func (c *Config) MultiReview() bool {
	return len(c.Reviewers) > 0
}

// ReviewPanel returns the effective reviewer set: the reviewers array when
// present, otherwise the single ai.reviewer role.
func (c *Config) ReviewPanel() []ReviewerConfig {
	if c.MultiReview() {
		return c.Reviewers
	}
	return []ReviewerConfig{{
		Provider: c.AI.Reviewer.Provider,
		Model:    c.AI.Reviewer.Model,
	}}
}

// IsCoordinatorThreshold reports whether the coordinator should be
// consulted at the given rejection count.
func (c *Config) IsCoordinatorThreshold(rejections int) bool {
	for _, t := range c.Coordinator.Thresholds {
		if rejections == t {
			return true
		}
	}
	return false
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	for role, rc := range map[string]RoleConfig{
		"ai.orchestrator": c.AI.Orchestrator,
		"ai.coder":        c.AI.Coder,
		"ai.coordinator":  c.AI.Coordinator,
	} {
		if rc.Provider == "" {
			return sterrors.ErrConfigInvalid(fmt.Sprintf("%s.provider is empty", role))
		}
		if rc.Model == "" {
			return sterrors.ErrConfigInvalid(fmt.Sprintf("%s.model is empty", role))
		}
	}
	if !c.MultiReview() && (c.AI.Reviewer.Provider == "" || c.AI.Reviewer.Model == "") {
		return sterrors.ErrConfigInvalid("ai.reviewer must be set when no reviewers array is configured")
	}
	for i, r := range c.Reviewers {
		if r.Provider == "" || r.Model == "" {
			return sterrors.ErrConfigInvalid(fmt.Sprintf("reviewers[%d] needs provider and model", i))
		}
	}

	if c.Runners.MaxParallel < 1 {
		return sterrors.ErrConfigInvalid("runners.maxParallel must be at least 1")
	}
	if c.Runners.LeaseTTL < 10*time.Second {
		return sterrors.ErrConfigInvalid("runners.leaseTTL must be at least 10s")
	}
	if c.Health.MaxRecoveryAttempts < 1 {
		return sterrors.ErrConfigInvalid("health.maxRecoveryAttempts must be at least 1")
	}
	if c.Health.MaxIncidentsPerHour < 1 {
		return sterrors.ErrConfigInvalid("health.maxIncidentsPerHour must be at least 1")
	}
	if c.FollowUpTasks.MaxDepth < 0 {
		return sterrors.ErrConfigInvalid("followUpTasks.maxDepth must not be negative")
	}

	prev := 0
	for i, t := range c.Coordinator.Thresholds {
		if t <= prev {
			return sterrors.ErrConfigInvalid(
				fmt.Sprintf("coordinator.thresholds must be strictly increasing positive ints (index %d)", i))
		}
		prev = t
	}
	return nil
}
