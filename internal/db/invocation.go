package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor roles for invocations.
const (
	RoleCoder        = "coder"
	RoleReviewer     = "reviewer"
	RoleOrchestrator = "orchestrator"
	RoleCoordinator  = "coordinator"
)

// Invocation statuses.
const (
	InvocationRunning   = "running"
	InvocationCompleted = "completed"
	InvocationFailed    = "failed"
)

// Invocation is one actor run against a task.
type Invocation struct {
	ID              string
	TaskID          string
	Role            string
	Provider        string
	Model           string
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	ExitCode        *int
	DurationMs      *int64
	Success         bool
	TimedOut        bool
	RejectionNumber *int
	SessionID       string
}

const invocationColumns = `id, task_id, role, provider, model, status, started_at,
	completed_at, exit_code, duration_ms, success, timed_out, rejection_number, session_id`

// StartInvocation records the beginning of an actor run.
func (p *ProjectDB) StartInvocation(taskID, role, provider, model string, rejectionNumber *int) (*Invocation, error) {
	inv := &Invocation{
		ID:              uuid.NewString(),
		TaskID:          taskID,
		Role:            role,
		Provider:        provider,
		Model:           model,
		Status:          InvocationRunning,
		StartedAt:       time.Now(),
		RejectionNumber: rejectionNumber,
	}
	_, err := p.Exec(`
		INSERT INTO task_invocations (id, task_id, role, provider, model, status, started_at, rejection_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.TaskID, inv.Role, inv.Provider, inv.Model, inv.Status,
		fmtTime(inv.StartedAt), inv.RejectionNumber)
	if err != nil {
		return nil, fmt.Errorf("start invocation: %w", err)
	}
	return inv, nil
}

// FinishInvocation records the outcome of an actor run.
func (p *ProjectDB) FinishInvocation(id string, exitCode int, durationMs int64, success, timedOut bool, sessionID string) error {
	status := InvocationCompleted
	if !success {
		status = InvocationFailed
	}
	successInt, timedOutInt := 0, 0
	if success {
		successInt = 1
	}
	if timedOut {
		timedOutInt = 1
	}
	_, err := p.Exec(`
		UPDATE task_invocations
		SET status = ?, completed_at = ?, exit_code = ?, duration_ms = ?,
			success = ?, timed_out = ?, session_id = ?
		WHERE id = ?
	`, status, fmtTime(time.Now()), exitCode, durationMs, successInt, timedOutInt,
		nullable(sessionID), id)
	if err != nil {
		return fmt.Errorf("finish invocation: %w", err)
	}
	return nil
}

// ListInvocations returns a task's invocations, oldest first.
func (p *ProjectDB) ListInvocations(taskID string) ([]*Invocation, error) {
	rows, err := p.Query(`
		SELECT `+invocationColumns+` FROM task_invocations
		WHERE task_id = ? ORDER BY started_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invs []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// LatestSessionID returns the session ID of the most recent finished
// invocation for a task and role, or "" when none recorded one. The
// coder phase uses it to resume an interrupted session.
func (p *ProjectDB) LatestSessionID(taskID, role string) (string, error) {
	var sessionID sql.NullString
	err := p.QueryRow(`
		SELECT session_id FROM task_invocations
		WHERE task_id = ? AND role = ? AND session_id IS NOT NULL AND session_id != ''
		ORDER BY started_at DESC, id DESC LIMIT 1
	`, taskID, role).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest session id: %w", err)
	}
	return sessionID.String, nil
}

// LatestRunningInvocation returns the most recent still-running
// invocation for a task, or (nil, nil) when none is running. The
// recovery sweep uses it to detect hanging invocations.
func (p *ProjectDB) LatestRunningInvocation(taskID string) (*Invocation, error) {
	row := p.QueryRow(`
		SELECT `+invocationColumns+` FROM task_invocations
		WHERE task_id = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1
	`, taskID, InvocationRunning)

	inv, err := scanInvocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inv, nil
}

func scanInvocation(s scanner) (*Invocation, error) {
	var (
		inv                    Invocation
		completedAt, sessionID sql.NullString
		exitCode               sql.NullInt64
		durationMs             sql.NullInt64
		rejectionNumber        sql.NullInt64
		success, timedOut      int
		startedAt              string
	)
	if err := s.Scan(&inv.ID, &inv.TaskID, &inv.Role, &inv.Provider, &inv.Model,
		&inv.Status, &startedAt, &completedAt, &exitCode, &durationMs,
		&success, &timedOut, &rejectionNumber, &sessionID); err != nil {
		return nil, err
	}
	inv.StartedAt = parseTime(startedAt)
	inv.CompletedAt = parseTimePtr(nullStr(completedAt))
	if exitCode.Valid {
		v := int(exitCode.Int64)
		inv.ExitCode = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		inv.DurationMs = &v
	}
	if rejectionNumber.Valid {
		v := int(rejectionNumber.Int64)
		inv.RejectionNumber = &v
	}
	inv.Success = success != 0
	inv.TimedOut = timedOut != 0
	inv.SessionID = sessionID.String
	return &inv, nil
}
