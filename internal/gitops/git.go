// Package gitops provides the git operations the pipeline needs: working
// tree state for orchestrator context, commit/push on approval, and diff
// summaries for coordinator escalation.
package gitops

import (
	"context"
	"fmt"
	"strings"
)

// Git runs git operations against one repository.
type Git struct {
	workDir string
	runner  CommandRunner
}

// New creates a Git for the repository at workDir.
func New(workDir string) *Git {
	return &Git{workDir: workDir, runner: ExecRunner{}}
}

// NewWithRunner creates a Git with a custom command runner.
func NewWithRunner(workDir string, runner CommandRunner) *Git {
	return &Git{workDir: workDir, runner: runner}
}

func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, g.workDir, "git", args...)
}

// IsRepo reports whether workDir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	out, err := g.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HasUncommittedChanges reports whether the working tree is dirty,
// including untracked files.
func (g *Git) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return out != "", nil
}

// ChangedFiles returns the paths touched in the working tree, staged or not.
func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		// Porcelain format: XY <path>, with a two-char status prefix.
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

// StageAll stages every change, including untracked files.
func (g *Git) StageAll(ctx context.Context) error {
	if _, err := g.git(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	return nil
}

// Commit commits the staged changes. Committing with nothing staged is
// an error from git; callers check HasUncommittedChanges first.
func (g *Git) Commit(ctx context.Context, message string) error {
	if _, err := g.git(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// Push pushes HEAD to the named branch on origin.
func (g *Git) Push(ctx context.Context, branch string) error {
	if _, err := g.git(ctx, "push", "origin", "HEAD:"+branch); err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

// HeadSHA returns the current HEAD commit hash.
func (g *Git) HeadSHA(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return out, nil
}

// RecentCommits returns the last n commit subjects, newest first.
func (g *Git) RecentCommits(ctx context.Context, n int) ([]string, error) {
	out, err := g.git(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=format:%h %s")
	if err != nil {
		// A fresh repo with no commits is not an error for our callers.
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, fmt.Errorf("git log: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DiffSummary returns the --stat summary of uncommitted changes. Used as
// lightweight context for coordinator escalation.
func (g *Git) DiffSummary(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "diff", "HEAD", "--stat")
	if err != nil {
		if strings.Contains(err.Error(), "bad revision") {
			// No commits yet.
			return "", nil
		}
		return "", fmt.Errorf("git diff: %w", err)
	}
	return out, nil
}

// State is a snapshot of the working tree for orchestrator prompts.
type State struct {
	Dirty         bool
	ChangedFiles  []string
	RecentCommits []string
}

// Snapshot collects the working tree state in one pass.
func (g *Git) Snapshot(ctx context.Context) (*State, error) {
	dirty, err := g.HasUncommittedChanges(ctx)
	if err != nil {
		return nil, err
	}
	files, err := g.ChangedFiles(ctx)
	if err != nil {
		return nil, err
	}
	commits, err := g.RecentCommits(ctx, 5)
	if err != nil {
		return nil, err
	}
	return &State{Dirty: dirty, ChangedFiles: files, RecentCommits: commits}, nil
}
