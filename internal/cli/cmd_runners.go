// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/provider"
	"github.com/steroids-dev/steroids/internal/runner"
)

// newRunnersCmd creates the runners command group
func newRunnersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runners",
		Aliases: []string{"runner"},
		Short:   "Manage runner processes",
		Long: `Manage the runner processes that work task queues.

Commands:
  runners start   Work the current project's queue in the foreground
  runners list    List registered runners across all projects
  runners stop    Ask a runner to exit`,
	}
	cmd.AddCommand(newRunnersStartCmd())
	cmd.AddCommand(newRunnersListCmd())
	cmd.AddCommand(newRunnersStopCmd())
	return cmd
}

// newRunnersStartCmd creates the runners start command
func newRunnersStartCmd() *cobra.Command {
	var workstream string
	var parallel bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Work the project's task queue in the foreground",
		Long: `Start a runner for the current project and work its queue until no
actionable tasks remain. The runner registers itself globally, claims a
workstream lease, and exits cleanly on SIGINT/SIGTERM.

Examples:
  steroids runners start
  steroids runners start --workstream backend
  steroids runners start --parallel --project ~/repos/myapp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			cfg, err := loadConfig(dir)
			if err != nil {
				return err
			}
			gdb, err := db.OpenGlobal()
			if err != nil {
				return fmt.Errorf("open global database: %w", err)
			}
			defer func() { _ = gdb.Close() }()

			name := projectName(gdb, dir)
			registry := provider.NewRegistry(provider.NewClaude())

			r := runner.New(gdb, pdb, cfg, registry, runner.Options{
				ProjectPath: dir,
				ProjectName: name,
				Workstream:  workstream,
				Parallel:    parallel,
			})

			logger, logClose, err := runner.OpenDailyLogger(dir, r.ID, time.Now())
			if err != nil {
				return fmt.Errorf("open runner log: %w", err)
			}
			defer func() { _ = logClose.Close() }()
			r.Logger = logger

			if hooksDir, err := hooks.DefaultHooksDir(); err == nil {
				r.Hooks = hooks.NewScriptDispatcher(hooksDir, logger)
			}

			pub := events.NewMemoryPublisher()
			r.Events = pub
			var printer sync.WaitGroup
			if !quiet && !jsonOut {
				printer.Add(1)
				go func() {
					defer printer.Done()
					printEvents(pub.Subscribe(events.AllTasks))
				}()
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if !quiet && !jsonOut {
				fmt.Printf("Runner %s working %s\n", shortID(r.ID), dir)
			}
			runErr := r.Run(ctx)

			pub.Close()
			printer.Wait()
			if d, ok := r.Hooks.(*hooks.ScriptDispatcher); ok && d != nil {
				d.Wait()
			}
			if runErr != nil {
				return runErr
			}
			if jsonOut {
				return printJSON(map[string]string{"runner": r.ID, "project": dir})
			}
			fmt.Println("Runner finished: no actionable tasks left")
			return nil
		},
	}
	cmd.Flags().StringVar(&workstream, "workstream", "", "workstream lease to claim (default: main)")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "run as part of a parallel session")
	return cmd
}

// printEvents renders the runner's live event stream to stdout.
func printEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch ev.Type {
		case events.EventTaskStatus:
			if sc, ok := ev.Data.(events.StatusChange); ok {
				fmt.Printf("%s task %s: %s -> %s (%s)\n",
					dim(time.Now().Format("15:04:05")), shortID(ev.TaskID), sc.From, sc.To, sc.Actor)
			}
		case events.EventInvocation:
			if inv, ok := ev.Data.(events.InvocationData); ok && inv.DurationMs > 0 {
				fmt.Printf("%s %s finished in %.1fs (success=%v)\n",
					dim(time.Now().Format("15:04:05")), inv.Role, float64(inv.DurationMs)/1000, inv.Success)
			}
		case events.EventCredit:
			if cd, ok := ev.Data.(events.CreditData); ok {
				fmt.Printf("%s credit: %s\n", dim(time.Now().Format("15:04:05")),
					styled(warnStyle, fmt.Sprintf("%s/%s %s", cd.Provider, cd.Model, cd.Message)))
			}
		case events.EventError:
			if ed, ok := ev.Data.(events.ErrorData); ok {
				fmt.Printf("%s %s\n", dim(time.Now().Format("15:04:05")),
					styled(errStyle, ed.Message))
			}
		}
	}
}

// projectName resolves the registered name for a project path.
func projectName(g *db.GlobalDB, path string) string {
	if p, err := g.GetProjectByPath(path); err == nil && p != nil {
		return p.Name
	}
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	return parts[len(parts)-1]
}

// newRunnersListCmd creates the runners list command
func newRunnersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered runners",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := db.OpenGlobal()
			if err != nil {
				return fmt.Errorf("open global database: %w", err)
			}
			defer func() { _ = gdb.Close() }()

			runners, err := gdb.ListRunners()
			if err != nil {
				return fmt.Errorf("list runners: %w", err)
			}

			if jsonOut {
				type runnerView struct {
					ID        string `json:"id"`
					PID       *int   `json:"pid,omitempty"`
					Status    string `json:"status"`
					Project   string `json:"project"`
					Task      string `json:"task,omitempty"`
					Heartbeat string `json:"heartbeat"`
				}
				views := make([]runnerView, 0, len(runners))
				for _, r := range runners {
					views = append(views, runnerView{
						ID: r.ID, PID: r.PID, Status: r.Status,
						Project:   r.ProjectPath,
						Task:      r.CurrentTaskID,
						Heartbeat: r.HeartbeatAt.Format("2006-01-02 15:04:05"),
					})
				}
				return printJSON(views)
			}

			if len(runners) == 0 {
				fmt.Println("No runners registered.")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tPID\tSTATUS\tPROJECT\tTASK\tHEARTBEAT")
			for _, r := range runners {
				pid := "-"
				if r.PID != nil {
					pid = fmt.Sprintf("%d", *r.PID)
				}
				task := "-"
				if r.CurrentTaskID != "" {
					task = shortID(r.CurrentTaskID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
					shortID(r.ID), pid, runnerBadge(r.Status), r.ProjectPath, task, age(r.HeartbeatAt))
			}
			return w.Flush()
		},
	}
}

// newRunnersStopCmd creates the runners stop command
func newRunnersStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <runner-id>",
		Short: "Ask a runner to exit",
		Long: `Ask a runner process to exit by sending it SIGTERM. The runner
finishes its current phase, releases its lease, and deregisters. When
the process is already gone, the stale registration is removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := db.OpenGlobal()
			if err != nil {
				return fmt.Errorf("open global database: %w", err)
			}
			defer func() { _ = gdb.Close() }()

			target, err := findRunner(gdb, args[0])
			if err != nil {
				return err
			}

			if target.PID != nil {
				if proc, err := os.FindProcess(*target.PID); err == nil {
					if err := proc.Signal(syscall.SIGTERM); err == nil {
						if jsonOut {
							return printJSON(map[string]any{"runner": target.ID, "signaled": true})
						}
						fmt.Printf("Sent SIGTERM to runner %s (pid %d)\n", shortID(target.ID), *target.PID)
						return nil
					}
				}
			}

			// Process is gone; clean up the registration.
			if err := gdb.DeleteRunner(target.ID); err != nil {
				return fmt.Errorf("delete runner: %w", err)
			}
			if jsonOut {
				return printJSON(map[string]any{"runner": target.ID, "signaled": false, "cleaned": true})
			}
			fmt.Printf("Runner %s was not running; removed stale registration\n", shortID(target.ID))
			return nil
		},
	}
}

// findRunner resolves a runner by full ID or unique prefix.
func findRunner(g *db.GlobalDB, idOrPrefix string) (*db.Runner, error) {
	runners, err := g.ListRunners()
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	var match *db.Runner
	for _, r := range runners {
		if r.ID == idOrPrefix {
			return r, nil
		}
		if strings.HasPrefix(r.ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("runner prefix %q is ambiguous", idOrPrefix)
			}
			match = r
		}
	}
	if match == nil {
		return nil, fmt.Errorf("runner %q not found", idOrPrefix)
	}
	return match, nil
}
