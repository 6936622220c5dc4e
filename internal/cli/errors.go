// Package cli provides error handling utilities for CLI output.
package cli

import (
	goerrors "errors"
	"fmt"
	"os"

	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// PrintError prints an error with appropriate formatting. In --json mode
// it writes the single error envelope to stdout; otherwise the
// user-friendly format goes to stderr.
func PrintError(err error) {
	if jsonOut {
		printJSONError(err)
		return
	}
	var serr *sterrors.SteroidsError
	if goerrors.As(err, &serr) {
		fmt.Fprintln(os.Stderr, serr.UserMessage())
		if verbose {
			// In verbose mode, also print the error code and cause
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", serr.Code)
			if serr.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", serr.Cause)
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// exitCode maps an error to the process exit code contract.
func exitCode(err error) int {
	if err == nil {
		return sterrors.ExitOK
	}
	var serr *sterrors.SteroidsError
	if goerrors.As(err, &serr) {
		return serr.ExitCode()
	}
	return sterrors.ExitGeneral
}
