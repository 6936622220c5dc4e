// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// newTasksCmd creates the tasks command group
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Manage the task queue",
		Long: `Manage the task queue of the current project.

Commands:
  tasks add      Queue a new task
  tasks list     List tasks
  tasks show     Show one task with its audit trail
  tasks import   Import tasks from markdown files`,
	}
	cmd.AddCommand(newTasksAddCmd())
	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksShowCmd())
	cmd.AddCommand(newTasksImportCmd())
	return cmd
}

// taskView is the JSON projection of a task.
type taskView struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Section        string `json:"section,omitempty"`
	SourceFile     string `json:"sourceFile,omitempty"`
	RejectionCount int    `json:"rejectionCount"`
	FailureCount   int    `json:"failureCount"`
	Promoted       bool   `json:"promoted"`
	CreatedAt      string `json:"createdAt"`
}

func taskToView(t *db.Task, sections map[string]string) taskView {
	v := taskView{
		ID:             t.ID,
		Title:          t.Title,
		Status:         string(t.Status),
		RejectionCount: t.RejectionCount,
		FailureCount:   t.FailureCount,
		Promoted:       t.Promoted,
		CreatedAt:      t.CreatedAt.Format("2006-01-02 15:04:05"),
	}
	if t.SectionID != nil {
		v.Section = sections[*t.SectionID]
	}
	if t.SourceFile != nil {
		v.SourceFile = *t.SourceFile
	}
	return v
}

// sectionNames maps section IDs to names for display.
func sectionNames(p *db.ProjectDB) (map[string]string, error) {
	sections, err := p.ListSections()
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	names := make(map[string]string, len(sections))
	for _, s := range sections {
		names[s.ID] = s.Name
	}
	return names, nil
}

// findTask resolves a task by full ID or unique ID prefix.
func findTask(p *db.ProjectDB, idOrPrefix string) (*db.Task, error) {
	t, err := p.GetTask(idOrPrefix)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t != nil {
		return t, nil
	}

	tasks, err := p.ListTasks(db.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var match *db.Task
	for _, candidate := range tasks {
		if strings.HasPrefix(candidate.ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("task prefix %q is ambiguous", idOrPrefix)
			}
			match = candidate
		}
	}
	if match == nil {
		return nil, sterrors.ErrTaskNotFound(idOrPrefix)
	}
	return match, nil
}

// newTasksAddCmd creates the tasks add command
func newTasksAddCmd() *cobra.Command {
	var description, section string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Queue a new task",
		Long: `Queue a new pending task in the current project.

Examples:
  steroids tasks add "Fix login bug"
  steroids tasks add "Add rate limiting" --section backend
  steroids tasks add "Refactor auth" -d "Split the session layer out"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			t := db.NewTask(strings.Join(args, " "), description)
			if section != "" {
				s, err := pdb.GetSectionByName(section)
				if err != nil {
					return fmt.Errorf("get section: %w", err)
				}
				if s == nil {
					return fmt.Errorf("section %q not found, create it with: steroids sections add %q", section, section)
				}
				t.SectionID = &s.ID
			}
			if err := pdb.SaveTask(t); err != nil {
				return fmt.Errorf("save task: %w", err)
			}

			if jsonOut {
				return printJSON(map[string]string{"id": t.ID, "title": t.Title, "status": string(t.Status)})
			}
			fmt.Printf("Queued task %s: %s\n", shortID(t.ID), t.Title)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&section, "section", "s", "", "section name")
	return cmd
}

// newTasksListCmd creates the tasks list command
func newTasksListCmd() *cobra.Command {
	var status, section string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Long: `List tasks in the current project.

Examples:
  steroids tasks list
  steroids tasks list --status pending
  steroids tasks list --section backend`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			filter := db.TaskFilter{}
			if status != "" {
				if !db.ValidStatus(db.Status(status)) {
					return fmt.Errorf("invalid status %q", status)
				}
				filter.Status = db.Status(status)
			}
			if section != "" {
				s, err := pdb.GetSectionByName(section)
				if err != nil {
					return fmt.Errorf("get section: %w", err)
				}
				if s == nil {
					return fmt.Errorf("section %q not found", section)
				}
				filter.SectionID = s.ID
			}

			tasks, err := pdb.ListTasks(filter)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			names, err := sectionNames(pdb)
			if err != nil {
				return err
			}

			if jsonOut {
				views := make([]taskView, 0, len(tasks))
				for _, t := range tasks {
					views = append(views, taskToView(t, names))
				}
				return printJSON(views)
			}

			if len(tasks) == 0 {
				fmt.Println("No tasks found. Create one with: steroids tasks add \"Your task\"")
				return nil
			}

			w := newTable()
			fmt.Fprintln(w, "ID\tSTATUS\tSECTION\tREJ\tTITLE")
			for _, t := range tasks {
				sectionName := "-"
				if t.SectionID != nil {
					sectionName = orDash(names[*t.SectionID])
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					shortID(t.ID), statusBadge(t.Status), sectionName,
					t.RejectionCount, truncate(t.Title, 50))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&section, "section", "", "filter by section name")
	return cmd
}

// newTasksShowCmd creates the tasks show command
func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			t, err := findTask(pdb, args[0])
			if err != nil {
				return err
			}
			names, err := sectionNames(pdb)
			if err != nil {
				return err
			}
			audit, err := pdb.ListAuditEntries(t.ID, 20)
			if err != nil {
				return fmt.Errorf("list audit entries: %w", err)
			}

			if jsonOut {
				type auditView struct {
					From      string `json:"from,omitempty"`
					To        string `json:"to"`
					Actor     string `json:"actor"`
					ActorType string `json:"actorType"`
					Notes     string `json:"notes,omitempty"`
					CreatedAt string `json:"createdAt"`
				}
				history := make([]auditView, 0, len(audit))
				for _, e := range audit {
					from := ""
					if e.FromStatus != nil {
						from = *e.FromStatus
					}
					history = append(history, auditView{
						From:      from,
						To:        e.ToStatus,
						Actor:     e.Actor,
						ActorType: e.ActorType,
						Notes:     e.Notes,
						CreatedAt: e.CreatedAt.Format("2006-01-02 15:04:05"),
					})
				}
				return printJSON(map[string]any{
					"task":        taskToView(t, names),
					"description": t.Description,
					"history":     history,
				})
			}

			fmt.Println(heading(t.Title))
			fmt.Printf("  ID:         %s\n", t.ID)
			fmt.Printf("  Status:     %s\n", statusBadge(t.Status))
			if t.SectionID != nil {
				fmt.Printf("  Section:    %s\n", orDash(names[*t.SectionID]))
			}
			if t.SourceFile != nil {
				fmt.Printf("  Source:     %s\n", *t.SourceFile)
			}
			fmt.Printf("  Rejections: %d\n", t.RejectionCount)
			fmt.Printf("  Failures:   %d\n", t.FailureCount)
			fmt.Printf("  Created:    %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
			if t.Description != "" {
				fmt.Println()
				fmt.Println(t.Description)
			}
			if len(audit) > 0 {
				fmt.Println()
				fmt.Println(heading("History"))
				for _, e := range audit {
					from := "-"
					if e.FromStatus != nil {
						from = *e.FromStatus
					}
					line := fmt.Sprintf("  %s  %s -> %s  %s",
						e.CreatedAt.Format("01-02 15:04"), from, e.ToStatus, e.Actor)
					if e.Notes != "" {
						line += "  " + dim(truncate(e.Notes, 60))
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}
