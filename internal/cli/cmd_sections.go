// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
)

// newSectionsCmd creates the sections command group
func newSectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sections",
		Aliases: []string{"section"},
		Short:   "Manage task sections",
		Long: `Manage the sections that group and order tasks.

Sections are worked in priority order (highest first). A section with
dependencies is not worked until every section it depends on has only
completed or skipped tasks.

Commands:
  sections add     Create a section
  sections list    List sections
  sections depend  Declare a dependency between sections`,
	}
	cmd.AddCommand(newSectionsAddCmd())
	cmd.AddCommand(newSectionsListCmd())
	cmd.AddCommand(newSectionsDependCmd())
	return cmd
}

// requireSection resolves a section by name.
func requireSection(p *db.ProjectDB, name string) (*db.Section, error) {
	s, err := p.GetSectionByName(name)
	if err != nil {
		return nil, fmt.Errorf("get section: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("section %q not found", name)
	}
	return s, nil
}

// newSectionsAddCmd creates the sections add command
func newSectionsAddCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a section",
		Long: `Create a section.

Examples:
  steroids sections add backend
  steroids sections add migrations --priority 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			name := args[0]
			existing, err := pdb.GetSectionByName(name)
			if err != nil {
				return fmt.Errorf("get section: %w", err)
			}
			if existing != nil {
				return fmt.Errorf("section %q already exists", name)
			}

			var prio *int
			if cmd.Flags().Changed("priority") {
				prio = &priority
			}
			s, err := pdb.CreateSection(name, prio)
			if err != nil {
				return fmt.Errorf("create section: %w", err)
			}

			if jsonOut {
				return printJSON(map[string]any{"id": s.ID, "name": s.Name, "priority": s.Priority})
			}
			fmt.Printf("Created section %s (%s)\n", s.Name, shortID(s.ID))
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "section priority (higher is worked first)")
	return cmd
}

// newSectionsListCmd creates the sections list command
func newSectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sections",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			sections, err := pdb.ListSections()
			if err != nil {
				return fmt.Errorf("list sections: %w", err)
			}

			type sectionView struct {
				ID        string   `json:"id"`
				Name      string   `json:"name"`
				Priority  *int     `json:"priority,omitempty"`
				DependsOn []string `json:"dependsOn,omitempty"`
				Completed bool     `json:"completed"`
			}
			names := make(map[string]string, len(sections))
			for _, s := range sections {
				names[s.ID] = s.Name
			}

			var views []sectionView
			for _, s := range sections {
				deps, err := pdb.ListSectionDependencies(s.ID)
				if err != nil {
					return fmt.Errorf("list section dependencies: %w", err)
				}
				done, err := pdb.SectionCompleted(s.ID)
				if err != nil {
					return fmt.Errorf("section completed: %w", err)
				}
				v := sectionView{ID: s.ID, Name: s.Name, Priority: s.Priority, Completed: done}
				for _, dep := range deps {
					v.DependsOn = append(v.DependsOn, names[dep])
				}
				views = append(views, v)
			}

			if jsonOut {
				return printJSON(views)
			}
			if len(views) == 0 {
				fmt.Println("No sections. Create one with: steroids sections add <name>")
				return nil
			}

			w := newTable()
			fmt.Fprintln(w, "NAME\tPRIORITY\tDEPENDS ON\tDONE")
			for _, v := range views {
				prio := "-"
				if v.Priority != nil {
					prio = fmt.Sprintf("%d", *v.Priority)
				}
				done := ""
				if v.Completed {
					done = "✓"
				}
				deps := "-"
				if len(v.DependsOn) > 0 {
					deps = strings.Join(v.DependsOn, ", ")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Name, prio, deps, done)
			}
			return w.Flush()
		},
	}
}

// newSectionsDependCmd creates the sections depend command
func newSectionsDependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <section> <depends-on>",
		Short: "Declare a dependency between sections",
		Long: `Declare that one section depends on another.

Tasks in <section> will not be scheduled until every task in
<depends-on> is completed or skipped.

Example:
  steroids sections depend api migrations`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			section, err := requireSection(pdb, args[0])
			if err != nil {
				return err
			}
			dependsOn, err := requireSection(pdb, args[1])
			if err != nil {
				return err
			}
			if section.ID == dependsOn.ID {
				return fmt.Errorf("a section cannot depend on itself")
			}

			if err := pdb.AddSectionDependency(section.ID, dependsOn.ID); err != nil {
				return fmt.Errorf("add section dependency: %w", err)
			}

			if jsonOut {
				return printJSON(map[string]string{"section": section.Name, "dependsOn": dependsOn.Name})
			}
			fmt.Printf("Section %s now depends on %s\n", section.Name, dependsOn.Name)
			return nil
		},
	}
}
