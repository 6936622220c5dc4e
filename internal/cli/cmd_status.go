// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
)

// statusOrder is the display order for task status counts.
var statusOrder = []db.Status{
	db.StatusPending,
	db.StatusInProgress,
	db.StatusReview,
	db.StatusCompleted,
	db.StatusDisputed,
	db.StatusSkipped,
	db.StatusFailed,
}

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project state",
		Long: `Show the current state of a project: task counts per status,
runners working it, and unresolved incidents.

Example:
  steroids status
  steroids status --project ~/repos/myapp --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			tasks, err := pdb.ListTasks(db.TaskFilter{})
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			counts := make(map[db.Status]int)
			for _, t := range tasks {
				counts[t.Status]++
			}

			incidents, err := pdb.ListUnresolvedIncidents("")
			if err != nil {
				return fmt.Errorf("list incidents: %w", err)
			}

			var runners []*db.Runner
			if gdb, err := db.OpenGlobal(); err == nil {
				runners, _ = gdb.ListRunnersForProject(dir)
				_ = gdb.Close()
			}

			if jsonOut {
				taskCounts := make(map[string]int, len(counts))
				for status, n := range counts {
					taskCounts[string(status)] = n
				}
				runnerViews := make([]map[string]any, 0, len(runners))
				for _, r := range runners {
					runnerViews = append(runnerViews, map[string]any{
						"id":     r.ID,
						"status": r.Status,
						"task":   r.CurrentTaskID,
					})
				}
				return printJSON(map[string]any{
					"project":   dir,
					"tasks":     taskCounts,
					"total":     len(tasks),
					"runners":   runnerViews,
					"incidents": len(incidents),
				})
			}

			fmt.Println(heading(dir))
			fmt.Println()
			if len(tasks) == 0 {
				fmt.Println("No tasks. Create one with: steroids tasks add \"Your task\"")
			} else {
				w := newTable()
				for _, status := range statusOrder {
					if counts[status] == 0 {
						continue
					}
					fmt.Fprintf(w, "  %s\t%d\n", statusBadge(status), counts[status])
				}
				fmt.Fprintf(w, "  total\t%d\n", len(tasks))
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if len(runners) > 0 {
				fmt.Println()
				for _, r := range runners {
					task := ""
					if r.CurrentTaskID != "" {
						task = " on task " + shortID(r.CurrentTaskID)
					}
					fmt.Printf("  runner %s %s%s (heartbeat %s ago)\n",
						shortID(r.ID), runnerBadge(r.Status), task, age(r.HeartbeatAt))
				}
			}
			if len(incidents) > 0 {
				fmt.Println()
				fmt.Printf("  %s\n", styled(warnStyle,
					fmt.Sprintf("%d unresolved incident(s): steroids incidents list", len(incidents))))
			}
			return nil
		},
	}
}
