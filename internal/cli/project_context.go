// Package cli implements the steroids command-line interface.
// This file resolves the target project for a command invocation.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/db"
	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// projectDir resolves the project directory from --project or the
// current working directory. The result is absolute.
func projectDir() (string, error) {
	dir := projectFlag
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	return abs, nil
}

// initialized reports whether a project database exists under dir.
func initialized(dir string) bool {
	info, err := os.Stat(db.ProjectDBPath(dir))
	return err == nil && !info.IsDir()
}

// requireProject opens the project database for the resolved project
// directory, failing with NOT_INITIALIZED when none exists.
func requireProject() (string, *db.ProjectDB, error) {
	dir, err := projectDir()
	if err != nil {
		return "", nil, err
	}
	if !initialized(dir) {
		return "", nil, sterrors.ErrNotInitialized()
	}
	pdb, err := db.OpenProject(dir)
	if err != nil {
		return "", nil, fmt.Errorf("open project database: %w", err)
	}
	return dir, pdb, nil
}

// loadConfig builds the effective config for a project directory,
// honoring the --config flag.
func loadConfig(dir string) (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load(dir)
}
