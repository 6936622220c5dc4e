package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// TaskLock is an exclusive time-bounded reservation of a task by a runner.
type TaskLock struct {
	TaskID      string
	RunnerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// AcquireTaskLock takes the exclusive lock on a task. An unexpired lock
// held by another runner fails with CodeResourceLocked; an expired lock
// is taken over. Re-acquiring one's own lock refreshes it.
func (p *ProjectDB) AcquireTaskLock(taskID, runnerID string, ttl time.Duration) error {
	now := time.Now()
	return p.RunInTx(context.Background(), func(tx *TxOps) error {
		var holder string
		var expiresAt string
		err := tx.QueryRow(
			"SELECT runner_id, expires_at FROM task_locks WHERE task_id = ?", taskID,
		).Scan(&holder, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// free
		case err != nil:
			return fmt.Errorf("read task lock: %w", err)
		case holder != runnerID && parseTime(expiresAt).After(now):
			return sterrors.ErrResourceLocked("task "+taskID, holder)
		}

		if _, err := tx.Exec(`
			INSERT INTO task_locks (task_id, runner_id, acquired_at, expires_at, heartbeat_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				runner_id = excluded.runner_id,
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at,
				heartbeat_at = excluded.heartbeat_at
		`, taskID, runnerID, fmtTime(now), fmtTime(now.Add(ttl)), fmtTime(now)); err != nil {
			return fmt.Errorf("acquire task lock: %w", err)
		}
		return nil
	})
}

// RefreshTaskLock extends the lock held by runnerID. Fails with
// CodeLeaseLost when the lock is gone or held by someone else.
func (p *ProjectDB) RefreshTaskLock(taskID, runnerID string, ttl time.Duration) error {
	now := time.Now()
	res, err := p.Exec(`
		UPDATE task_locks SET expires_at = ?, heartbeat_at = ?
		WHERE task_id = ? AND runner_id = ?
	`, fmtTime(now.Add(ttl)), fmtTime(now), taskID, runnerID)
	if err != nil {
		return fmt.Errorf("refresh task lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh task lock: %w", err)
	}
	if n != 1 {
		return sterrors.ErrLeaseLost("task:" + taskID)
	}
	return nil
}

// ReleaseTaskLock drops the lock if held by runnerID.
func (p *ProjectDB) ReleaseTaskLock(taskID, runnerID string) error {
	_, err := p.Exec(
		"DELETE FROM task_locks WHERE task_id = ? AND runner_id = ?", taskID, runnerID)
	if err != nil {
		return fmt.Errorf("release task lock: %w", err)
	}
	return nil
}

// ForceReleaseTaskLock drops the lock regardless of holder. Recovery only.
func (p *ProjectDB) ForceReleaseTaskLock(taskID string) error {
	_, err := p.Exec("DELETE FROM task_locks WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("force release task lock: %w", err)
	}
	return nil
}

// GetTaskLock retrieves the lock on a task. Returns (nil, nil) when free.
func (p *ProjectDB) GetTaskLock(taskID string) (*TaskLock, error) {
	row := p.QueryRow(`
		SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at
		FROM task_locks WHERE task_id = ?
	`, taskID)
	l, err := scanLock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task lock: %w", err)
	}
	return l, nil
}

// ListTaskLocks returns every lock row.
func (p *ProjectDB) ListTaskLocks() ([]*TaskLock, error) {
	rows, err := p.Query(
		"SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks")
	if err != nil {
		return nil, fmt.Errorf("list task locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*TaskLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func scanLock(s scanner) (*TaskLock, error) {
	var (
		l                                 TaskLock
		acquiredAt, expiresAt, heartbeatAt string
	)
	if err := s.Scan(&l.TaskID, &l.RunnerID, &acquiredAt, &expiresAt, &heartbeatAt); err != nil {
		return nil, err
	}
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = parseTime(expiresAt)
	l.HeartbeatAt = parseTime(heartbeatAt)
	return &l, nil
}
