package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// Load builds the effective configuration for a project directory.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. User config (~/.steroids/config.yaml) - optional
//  3. Project config (<project>/.steroids/config.yaml) - optional
//  4. Environment variables (STEROIDS_*)
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".steroids", ConfigFileName)
		if err := mergeFromFile(cfg, userPath); err != nil {
			slog.Warn("failed to load user config", "path", userPath, "error", err)
		}
	}

	if projectDir != "" {
		projectPath := filepath.Join(projectDir, ".steroids", ConfigFileName)
		if err := mergeFromFile(cfg, projectPath); err != nil {
			// Project config errors are fatal: the user put it there.
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a single config file over the defaults. Used by tests and
// the --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFromFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	// Decoding over the existing struct keeps values the file doesn't set.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return sterrors.ErrConfigInvalid(fmt.Sprintf("%s: %v", path, err)).WithCause(err)
	}
	return nil
}

// applyEnv overlays STEROIDS_* environment variables. Only the knobs that
// make sense to flip per-invocation are exposed.
func applyEnv(cfg *Config) {
	if v := os.Getenv("STEROIDS_CODER_MODEL"); v != "" {
		cfg.AI.Coder.Model = v
	}
	if v := os.Getenv("STEROIDS_REVIEWER_MODEL"); v != "" {
		cfg.AI.Reviewer.Model = v
	}
	if v := os.Getenv("STEROIDS_ORCHESTRATOR_MODEL"); v != "" {
		cfg.AI.Orchestrator.Model = v
	}
	if v := os.Getenv("STEROIDS_AUTO_RECOVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Health.AutoRecover = b
		}
	}
	if v := os.Getenv("STEROIDS_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runners.LeaseTTL = d
		}
	}
	if v := os.Getenv("STEROIDS_PUSH_BRANCH"); v != "" {
		cfg.Git.PushBranch = v
	}
}

// WriteDefault writes the default config to path, creating parent
// directories. Used by `steroids init`.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
