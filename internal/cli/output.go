// Package cli implements the steroids command-line interface.
// This file contains output helpers shared across commands.
package cli

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/steroids-dev/steroids/internal/db"
	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// envelope is the single JSON object every command emits in --json mode.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// printJSON writes the success envelope to stdout.
func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope{Success: true, Data: data})
}

// printJSONError writes the failure envelope to stdout.
func printJSONError(err error) {
	ee := &envelopeError{Code: "GENERAL", Message: err.Error()}
	var serr *sterrors.SteroidsError
	if goerrors.As(err, &serr) {
		ee.Code = string(serr.Code)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(envelope{Success: false, Error: ee})
}

var stdoutIsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// styled renders s with the style when stdout is a terminal.
func styled(style lipgloss.Style, s string) string {
	if !stdoutIsTTY {
		return s
	}
	return style.Render(s)
}

func heading(s string) string { return styled(headingStyle, s) }
func dim(s string) string     { return styled(dimStyle, s) }

// statusBadge colorizes a task status for table output.
func statusBadge(status db.Status) string {
	s := string(status)
	switch status {
	case db.StatusCompleted:
		return styled(okStyle, s)
	case db.StatusInProgress, db.StatusReview:
		return styled(activeStyle, s)
	case db.StatusDisputed, db.StatusFailed:
		return styled(errStyle, s)
	case db.StatusSkipped:
		return styled(dimStyle, s)
	default:
		return s
	}
}

// runnerBadge colorizes a runner status.
func runnerBadge(status string) string {
	switch status {
	case db.RunnerRunning:
		return styled(okStyle, status)
	case db.RunnerPaused:
		return styled(warnStyle, status)
	default:
		return styled(dimStyle, status)
	}
}

// newTable returns a tabwriter on stdout with the table defaults used
// by every list command.
func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

// shortID returns the display prefix of a UUID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// age formats the time since t compactly ("3m", "2h", "5d").
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// orDash substitutes "-" for empty table cells.
func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
