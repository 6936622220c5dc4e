package provider

import (
	"fmt"
	"os"
	"path/filepath"
)

// homeWhitelist is the subset of the real home directory exposed to
// provider CLIs. Everything else is invisible, so concurrent invocations
// cannot bleed session state into each other.
var homeWhitelist = []string{
	".claude.json",
	".claude",
	".config/gh",
	".gitconfig",
}

// isolatedHome is a per-invocation throwaway home directory.
type isolatedHome struct {
	Path string
}

// newIsolatedHome creates a fresh home directory with whitelisted entries
// symlinked in from the real home.
func newIsolatedHome(realHome string) (*isolatedHome, error) {
	dir, err := os.MkdirTemp("", "steroids-home-")
	if err != nil {
		return nil, fmt.Errorf("create isolated home: %w", err)
	}

	for _, entry := range homeWhitelist {
		src := filepath.Join(realHome, entry)
		if _, err := os.Lstat(src); err != nil {
			continue
		}
		dst := filepath.Join(dir, entry)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("prepare isolated home: %w", err)
		}
		if err := os.Symlink(src, dst); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("link %s into isolated home: %w", entry, err)
		}
	}

	return &isolatedHome{Path: dir}, nil
}

// Close deletes the isolated home. Safe on all exit paths.
func (h *isolatedHome) Close() {
	if h != nil && h.Path != "" {
		_ = os.RemoveAll(h.Path)
	}
}
