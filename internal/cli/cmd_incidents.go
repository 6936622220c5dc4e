// Package cli implements the steroids command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/db"
	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// newIncidentsCmd creates the incidents command group
func newIncidentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "incidents",
		Aliases: []string{"incident"},
		Short:   "Manage recorded incidents",
		Long: `Manage the incidents recorded by runners and the recovery sweep.

Credit-exhaustion incidents pause their runner; resolving the incident
lets the runner resume on its next poll.

Commands:
  incidents list     List unresolved incidents
  incidents resolve  Resolve an incident`,
	}
	cmd.AddCommand(newIncidentsListCmd())
	cmd.AddCommand(newIncidentsResolveCmd())
	return cmd
}

// newIncidentsListCmd creates the incidents list command
func newIncidentsListCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List unresolved incidents",
		Long: `List unresolved incidents for the current project.

Examples:
  steroids incidents list
  steroids incidents list --failure-mode credit_exhaustion`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			incidents, err := pdb.ListUnresolvedIncidents(mode)
			if err != nil {
				return fmt.Errorf("list incidents: %w", err)
			}

			if jsonOut {
				type incidentView struct {
					ID          string `json:"id"`
					FailureMode string `json:"failureMode"`
					Runner      string `json:"runner,omitempty"`
					Provider    string `json:"provider,omitempty"`
					Model       string `json:"model,omitempty"`
					Role        string `json:"role,omitempty"`
					Task        string `json:"task,omitempty"`
					DetectedAt  string `json:"detectedAt"`
				}
				views := make([]incidentView, 0, len(incidents))
				for _, inc := range incidents {
					views = append(views, incidentView{
						ID: inc.ID, FailureMode: inc.FailureMode,
						Runner: inc.RunnerID, Provider: inc.Provider,
						Model: inc.Model, Role: inc.Role, Task: inc.TaskID,
						DetectedAt: inc.DetectedAt.Format("2006-01-02 15:04:05"),
					})
				}
				return printJSON(views)
			}

			if len(incidents) == 0 {
				fmt.Println("No unresolved incidents.")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tFAILURE\tPROVIDER\tROLE\tTASK\tAGE")
			for _, inc := range incidents {
				provider := orDash(inc.Provider)
				if inc.Model != "" {
					provider += "/" + inc.Model
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					shortID(inc.ID), inc.FailureMode, provider,
					orDash(inc.Role), orDash(shortID(inc.TaskID)), age(inc.DetectedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&mode, "failure-mode", "", "filter by failure mode")
	return cmd
}

// newIncidentsResolveCmd creates the incidents resolve command
func newIncidentsResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an incident",
		Long: `Resolve an incident. A paused runner resumes once all of its
credit incidents are resolved.

Resolutions: retry, dismissed, config_changed, manual.

Examples:
  steroids incidents resolve 4f2a91c3
  steroids incidents resolve 4f2a91c3 --resolution retry`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch resolution {
			case db.ResolutionRetry, db.ResolutionDismissed, db.ResolutionConfigChanged, db.ResolutionManual:
			default:
				return fmt.Errorf("invalid resolution %q", resolution)
			}

			_, pdb, err := requireProject()
			if err != nil {
				return err
			}
			defer func() { _ = pdb.Close() }()

			id, err := findIncidentID(pdb, args[0])
			if err != nil {
				return err
			}
			resolved, err := pdb.ResolveIncident(id, resolution)
			if err != nil {
				return fmt.Errorf("resolve incident: %w", err)
			}
			if !resolved {
				return sterrors.ErrIncidentNotFound(args[0])
			}

			if jsonOut {
				return printJSON(map[string]string{"id": id, "resolution": resolution})
			}
			fmt.Printf("Resolved incident %s (%s)\n", shortID(id), resolution)
			return nil
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", db.ResolutionManual, "resolution to record")
	return cmd
}

// findIncidentID resolves an incident by full ID or unique prefix among
// the unresolved incidents.
func findIncidentID(p *db.ProjectDB, idOrPrefix string) (string, error) {
	if inc, err := p.GetIncident(idOrPrefix); err != nil {
		return "", fmt.Errorf("get incident: %w", err)
	} else if inc != nil {
		return inc.ID, nil
	}

	incidents, err := p.ListUnresolvedIncidents("")
	if err != nil {
		return "", fmt.Errorf("list incidents: %w", err)
	}
	match := ""
	for _, inc := range incidents {
		if len(idOrPrefix) > 0 && len(inc.ID) >= len(idOrPrefix) && inc.ID[:len(idOrPrefix)] == idOrPrefix {
			if match != "" {
				return "", fmt.Errorf("incident prefix %q is ambiguous", idOrPrefix)
			}
			match = inc.ID
		}
	}
	if match == "" {
		return "", sterrors.ErrIncidentNotFound(idOrPrefix)
	}
	return match, nil
}
