// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/db"
	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize steroids in a project",
		Long: `Initialize steroids in a project directory.

Creates <project>/.steroids/ with the project database, registers the
project in the global registry at ~/.steroids/steroids.db, and writes a
default ~/.steroids/config.yaml if none exists.

Example:
  steroids init
  steroids init --project ~/repos/myapp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := projectDir()
			if err != nil {
				return err
			}
			if initialized(dir) {
				return sterrors.ErrAlreadyInitialized(dir)
			}

			if err := os.MkdirAll(filepath.Join(dir, ".steroids"), 0o755); err != nil {
				return fmt.Errorf("create .steroids directory: %w", err)
			}

			pdb, err := db.OpenProject(dir)
			if err != nil {
				return fmt.Errorf("create project database: %w", err)
			}
			defer func() { _ = pdb.Close() }()

			gdb, err := db.OpenGlobal()
			if err != nil {
				return fmt.Errorf("open global database: %w", err)
			}
			defer func() { _ = gdb.Close() }()

			name := filepath.Base(dir)
			proj, err := gdb.RegisterProject(name, dir)
			if err != nil {
				return fmt.Errorf("register project: %w", err)
			}

			wroteConfig, err := ensureUserConfig()
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"project":  proj.Name,
					"path":     proj.Path,
					"database": db.ProjectDBPath(dir),
				})
			}

			fmt.Printf("Initialized steroids in %s\n", dir)
			fmt.Printf("  Project:  %s\n", proj.Name)
			fmt.Printf("  Database: %s\n", db.ProjectDBPath(dir))
			if wroteConfig {
				fmt.Println("  Config:   wrote default ~/.steroids/config.yaml")
			}
			fmt.Println()
			fmt.Println("Next: steroids tasks add \"Your first task\"")
			return nil
		},
	}
}

// ensureUserConfig writes the default user config when none exists.
func ensureUserConfig() (bool, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return false, fmt.Errorf("resolve home directory: %w", err)
	}
	path := filepath.Join(home, ".steroids", config.ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := config.WriteDefault(path); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}
	return true, nil
}
