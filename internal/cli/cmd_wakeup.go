// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
	"github.com/steroids-dev/steroids/internal/wakeup"
)

// newWakeupCmd creates the wakeup command
func newWakeupCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "wakeup",
		Short: "Start runners for all projects with pending work",
		Long: `Run one scheduler pass: clean up stale runner registrations, then
start a detached runner for every registered project that has
actionable tasks and no active runner.

Intended to be invoked periodically from cron or a systemd timer.

Examples:
  steroids wakeup
  steroids wakeup --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := db.OpenGlobal()
			if err != nil {
				return fmt.Errorf("open global database: %w", err)
			}
			defer func() { _ = gdb.Close() }()

			ctrl := &wakeup.Controller{
				Global:      gdb,
				Spawner:     &wakeup.ProcessSpawner{},
				OpenProject: db.OpenProject,
			}
			results, err := ctrl.Wakeup(cmd.Context(), wakeup.Options{DryRun: dryRun, Quiet: quiet})
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(results)
			}
			for _, r := range results {
				printWakeupResult(r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would start without spawning")
	return cmd
}

func printWakeupResult(r wakeup.Result) {
	switch r.Outcome {
	case wakeup.OutcomeCleaned:
		fmt.Printf("%s cleaned %d stale runner(s)\n", styled(warnStyle, "~"), r.Count)
	case wakeup.OutcomeStarted:
		fmt.Printf("%s %s: started runner (pid %d)\n", styled(okStyle, "✓"), r.Path, r.PID)
	case wakeup.OutcomeWouldStart:
		fmt.Printf("%s %s: would start runner (%s)\n", styled(activeStyle, "→"), r.Path, r.Reason)
	default:
		if !quiet {
			target := r.Path
			if target == "" {
				target = "wakeup"
			}
			fmt.Printf("%s %s: %s\n", dim("-"), target, r.Reason)
		}
	}
}
