// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
)

// newProjectsCmd creates the projects command group
func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Manage registered projects",
		Long: `Manage the projects registered in ~/.steroids/steroids.db.

Projects are registered automatically by 'steroids init'. The wakeup
scheduler only considers registered, enabled projects.

Commands:
  projects register  Register a project directory
  projects list      List registered projects`,
	}
	cmd.AddCommand(newProjectsRegisterCmd())
	cmd.AddCommand(newProjectsListCmd())
	return cmd
}

// newProjectsRegisterCmd creates the projects register command
func newProjectsRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [path]",
		Short: "Register a project directory",
		Long: `Register a project directory in the global registry.

If no path is given, the current directory is used. The project must
already be initialized with 'steroids init'.

Examples:
  steroids projects register
  steroids projects register ~/repos/myapp`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve project path: %w", err)
			}

			gdb, err := db.OpenGlobal()
			if err != nil {
				return fmt.Errorf("open global database: %w", err)
			}
			defer func() { _ = gdb.Close() }()

			proj, err := gdb.RegisterProject(filepath.Base(abs), abs)
			if err != nil {
				return fmt.Errorf("register project: %w", err)
			}

			if jsonOut {
				return printJSON(map[string]string{"name": proj.Name, "path": proj.Path})
			}
			fmt.Printf("Registered project %s at %s\n", proj.Name, proj.Path)
			if !initialized(abs) {
				fmt.Println(dim("Note: project is not initialized yet; run 'steroids init' there."))
			}
			return nil
		},
	}
}

// newProjectsListCmd creates the projects list command
func newProjectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := db.OpenGlobal()
			if err != nil {
				return fmt.Errorf("open global database: %w", err)
			}
			defer func() { _ = gdb.Close() }()

			projects, err := gdb.ListProjects(false)
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}

			if jsonOut {
				type projectView struct {
					Name    string `json:"name"`
					Path    string `json:"path"`
					Enabled bool   `json:"enabled"`
				}
				views := make([]projectView, 0, len(projects))
				for _, p := range projects {
					views = append(views, projectView{Name: p.Name, Path: p.Path, Enabled: p.Enabled})
				}
				return printJSON(views)
			}

			if len(projects) == 0 {
				fmt.Println("No projects registered. Run 'steroids init' in a project directory.")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "NAME\tPATH\tENABLED")
			for _, p := range projects {
				enabled := "yes"
				if !p.Enabled {
					enabled = "no"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Path, enabled)
			}
			return w.Flush()
		},
	}
}
