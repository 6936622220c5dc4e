// Package errors provides structured error types for steroids.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for steroids.
const (
	// Initialization errors
	CodeNotInitialized     Code = "STEROIDS_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "STEROIDS_ALREADY_INITIALIZED"

	// Task errors
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodeTaskInvalidState Code = "TASK_INVALID_STATE"
	CodeTaskRunning      Code = "TASK_RUNNING"

	// Lease / lock errors
	CodeLeaseLost      Code = "LEASE_LOST"
	CodeResourceLocked Code = "RESOURCE_LOCKED"

	// Provider errors
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeProviderTimeout     Code = "PROVIDER_TIMEOUT"
	CodeCreditExhausted     Code = "CREDIT_EXHAUSTED"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Incident errors
	CodeIncidentNotFound Code = "INCIDENT_NOT_FOUND"
)

// Process exit codes (CLI contract).
const (
	ExitOK             = 0
	ExitGeneral        = 1
	ExitNotInitialized = 3
	ExitResourceLocked = 6
)

// exitCodes maps error codes to process exit codes.
var exitCodes = map[Code]int{
	CodeNotInitialized: ExitNotInitialized,
	CodeResourceLocked: ExitResourceLocked,
}

// SteroidsError is the structured error type for steroids.
type SteroidsError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *SteroidsError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SteroidsError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *SteroidsError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// ExitCode returns the process exit code for this error.
func (e *SteroidsError) ExitCode() int {
	if code, ok := exitCodes[e.Code]; ok {
		return code
	}
	return ExitGeneral
}

// MarshalJSON implements json.Marshaler.
func (e *SteroidsError) MarshalJSON() ([]byte, error) {
	type alias SteroidsError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a SteroidsError with the same code.
func (e *SteroidsError) Is(target error) bool {
	t, ok := target.(*SteroidsError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *SteroidsError) WithCause(err error) *SteroidsError {
	return &SteroidsError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrNotInitialized returns an error for an uninitialized project directory.
func ErrNotInitialized() *SteroidsError {
	return &SteroidsError{
		Code: CodeNotInitialized,
		What: "steroids is not initialized in this directory",
		Why:  "No .steroids/ directory found in the current path",
		Fix:  "Run 'steroids init' to initialize steroids in this project",
	}
}

// ErrAlreadyInitialized returns an error when steroids is already initialized.
func ErrAlreadyInitialized(path string) *SteroidsError {
	return &SteroidsError{
		Code: CodeAlreadyInitialized,
		What: "steroids is already initialized",
		Why:  fmt.Sprintf("Found existing .steroids/ directory at %s", path),
		Fix:  "Remove .steroids/ manually to reinitialize",
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *SteroidsError {
	return &SteroidsError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists in the current project",
		Fix:  "Run 'steroids tasks list' to see available tasks",
	}
}

// ErrTaskInvalidState returns an error for an illegal task state transition.
func ErrTaskInvalidState(id, status, operation string) *SteroidsError {
	return &SteroidsError{
		Code: CodeTaskInvalidState,
		What: fmt.Sprintf("task %s cannot be %s", id, operation),
		Why:  fmt.Sprintf("Task is currently %s", status),
	}
}

// ErrLeaseLost returns an error when a lease fence check fails.
func ErrLeaseLost(workstreamID string) *SteroidsError {
	return &SteroidsError{
		Code: CodeLeaseLost,
		What: fmt.Sprintf("lease lost for workstream %s", workstreamID),
		Why:  "Another runner claimed the workstream or the lease expired",
		Fix:  "The recovery sweep will reset any orphaned tasks",
	}
}

// ErrResourceLocked returns an error when an exclusive lock is held elsewhere.
func ErrResourceLocked(resource, holder string) *SteroidsError {
	return &SteroidsError{
		Code: CodeResourceLocked,
		What: fmt.Sprintf("%s is locked", resource),
		Why:  fmt.Sprintf("Held by %s", holder),
		Fix:  "Wait for the holder to finish or run the recovery sweep",
	}
}

// ErrProviderUnavailable returns an error when a provider CLI is missing.
func ErrProviderUnavailable(name string) *SteroidsError {
	return &SteroidsError{
		Code: CodeProviderUnavailable,
		What: fmt.Sprintf("provider %s is not available", name),
		Why:  "The provider CLI was not found on PATH",
		Fix:  "Install the provider CLI or change the configured provider",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(why string) *SteroidsError {
	return &SteroidsError{
		Code: CodeConfigInvalid,
		What: "configuration is invalid",
		Why:  why,
		Fix:  "Edit ~/.steroids/config.yaml and fix the reported field",
	}
}

// ErrIncidentNotFound returns an error when an incident doesn't exist.
func ErrIncidentNotFound(id string) *SteroidsError {
	return &SteroidsError{
		Code: CodeIncidentNotFound,
		What: fmt.Sprintf("incident %s not found", id),
	}
}
