package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview,
		StatusCompleted, StatusDisputed, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// Actor types for audit entries.
const (
	ActorTypeHuman        = "human"
	ActorTypeOrchestrator = "orchestrator"
	ActorTypeCoordinator  = "coordinator"
	ActorTypeAutomation   = "automation"
)

// Task represents a unit of work.
type Task struct {
	ID                  string
	Title               string
	Description         string
	Status              Status
	SectionID           *string
	SourceFile          *string
	ParentTaskID        *string
	Promoted            bool
	RejectionCount      int
	FailureCount        int
	CoordinatorDecision *string
	CoordinatorGuidance *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastFailureAt       *time.Time
}

// NextAction tells the scheduler how to enter the coder phase.
type NextAction string

const (
	ActionStart  NextAction = "start"
	ActionResume NextAction = "resume"
)

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status    Status
	SectionID string
	ParentID  string
}

const taskColumns = `id, title, description, status, section_id, source_file,
	parent_task_id, promoted, rejection_count, failure_count,
	coordinator_decision, coordinator_guidance, created_at, updated_at, last_failure_at`

// NewTask constructs a pending task with a fresh ID and timestamps.
func NewTask(title, description string) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      StatusPending,
		Promoted:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SaveTask creates or updates a task.
func (p *ProjectDB) SaveTask(t *Task) error {
	promoted := 0
	if t.Promoted {
		promoted = 1
	}
	_, err := p.Exec(`
		INSERT INTO tasks (id, title, description, status, section_id, source_file,
			parent_task_id, promoted, rejection_count, failure_count,
			coordinator_decision, coordinator_guidance, created_at, updated_at, last_failure_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			section_id = excluded.section_id,
			source_file = excluded.source_file,
			parent_task_id = excluded.parent_task_id,
			promoted = excluded.promoted,
			rejection_count = excluded.rejection_count,
			failure_count = excluded.failure_count,
			coordinator_decision = excluded.coordinator_decision,
			coordinator_guidance = excluded.coordinator_guidance,
			updated_at = excluded.updated_at,
			last_failure_at = excluded.last_failure_at
	`, t.ID, t.Title, t.Description, string(t.Status), t.SectionID, t.SourceFile,
		t.ParentTaskID, promoted, t.RejectionCount, t.FailureCount,
		t.CoordinatorDecision, t.CoordinatorGuidance,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), fmtTimePtr(t.LastFailureAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) when not found.
func (p *ProjectDB) GetTask(id string) (*Task, error) {
	row := p.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (p *ProjectDB) ListTasks(filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.SectionID != "" {
		query += " AND section_id = ?"
		args = append(args, filter.SectionID)
	}
	if filter.ParentID != "" {
		query += " AND parent_task_id = ?"
		args = append(args, filter.ParentID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := p.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// StatusChange carries the audit fields for a status transition.
type StatusChange struct {
	Actor     string
	ActorType string
	Model     string
	Notes     string
	CommitSHA string
}

// UpdateTaskStatus transitions a task to a new status and writes the
// matching audit row in the same transaction.
func (p *ProjectDB) UpdateTaskStatus(id string, to Status, change StatusChange) error {
	if !ValidStatus(to) {
		return fmt.Errorf("invalid status %q", to)
	}
	return p.RunInTx(context.Background(), func(tx *TxOps) error {
		var from string
		if err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s not found", id)
			}
			return fmt.Errorf("read status: %w", err)
		}

		now := fmtTime(time.Now())
		if _, err := tx.Exec(
			"UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?",
			string(to), now, id,
		); err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		return insertAudit(tx, &AuditEntry{
			TaskID:     id,
			FromStatus: &from,
			ToStatus:   string(to),
			Actor:      change.Actor,
			ActorType:  change.ActorType,
			Model:      change.Model,
			Notes:      change.Notes,
			CommitSHA:  change.CommitSHA,
		})
	})
}

// ApproveTask completes a task and records the approving commit.
func (p *ProjectDB) ApproveTask(id, actor, model, notes, commitSHA string) error {
	return p.UpdateTaskStatus(id, StatusCompleted, StatusChange{
		Actor:     actor,
		ActorType: ActorTypeOrchestrator,
		Model:     model,
		Notes:     notes,
		CommitSHA: commitSHA,
	})
}

// RejectTask sends a task back to in_progress, increments its rejection
// count, and stores the rejection note, all in one transaction.
func (p *ProjectDB) RejectTask(id, actor, model, notes string) error {
	return p.RunInTx(context.Background(), func(tx *TxOps) error {
		var from string
		if err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s not found", id)
			}
			return fmt.Errorf("read status: %w", err)
		}

		now := fmtTime(time.Now())
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, rejection_count = rejection_count + 1, updated_at = ?
			WHERE id = ?
		`, string(StatusInProgress), now, id); err != nil {
			return fmt.Errorf("reject task: %w", err)
		}

		return insertAudit(tx, &AuditEntry{
			TaskID:     id,
			FromStatus: &from,
			ToStatus:   string(StatusInProgress),
			Actor:      actor,
			ActorType:  ActorTypeOrchestrator,
			Model:      model,
			Notes:      notes,
		})
	})
}

// PromoteTask flags a deep follow-up as human-approved for execution.
func (p *ProjectDB) PromoteTask(id string) error {
	res, err := p.Exec("UPDATE tasks SET promoted = 1, updated_at = ? WHERE id = ?",
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("promote task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("promote task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// SetCoordinatorGuidance caches the coordinator's latest decision and
// guidance on the task so intermediate iterations can reuse it.
func (p *ProjectDB) SetCoordinatorGuidance(id, decision, guidance string) error {
	_, err := p.Exec(`
		UPDATE tasks SET coordinator_decision = ?, coordinator_guidance = ?, updated_at = ?
		WHERE id = ?
	`, decision, guidance, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set coordinator guidance: %w", err)
	}
	return nil
}

// CreateFollowUpTask inserts a follow-up task linked to its parent.
// Unpromoted follow-ups stay invisible to the scheduler until a human
// promotes them.
func (p *ProjectDB) CreateFollowUpTask(parentID, title, description string, promoted bool) (*Task, error) {
	parent, err := p.GetTask(parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("parent task %s not found", parentID)
	}

	t := NewTask(title, description)
	t.ParentTaskID = &parent.ID
	t.SectionID = parent.SectionID
	t.Promoted = promoted
	if err := p.SaveTask(t); err != nil {
		return nil, err
	}

	if err := p.AddAuditEntry(&AuditEntry{
		TaskID:    t.ID,
		ToStatus:  string(StatusPending),
		Actor:     "follow-up",
		ActorType: ActorTypeAutomation,
		Notes:     fmt.Sprintf("created as follow-up of %s", parentID),
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// GetFollowUpDepth walks the parent chain and returns the task's depth.
// Root tasks are depth 0.
func (p *ProjectDB) GetFollowUpDepth(id string) (int, error) {
	depth := 0
	current := id
	for {
		var parent sql.NullString
		err := p.QueryRow("SELECT parent_task_id FROM tasks WHERE id = ?", current).Scan(&parent)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, fmt.Errorf("task %s not found", current)
			}
			return 0, fmt.Errorf("get follow-up depth: %w", err)
		}
		if !parent.Valid || parent.String == "" {
			return depth, nil
		}
		depth++
		current = parent.String
		if depth > 100 {
			return 0, fmt.Errorf("parent chain too deep for task %s", id)
		}
	}
}

// GetTaskRejections returns the audit rows recorded by RejectTask,
// oldest first.
func (p *ProjectDB) GetTaskRejections(taskID string) ([]*AuditEntry, error) {
	rows, err := p.Query(`
		SELECT `+auditColumns+` FROM audit
		WHERE task_id = ? AND from_status = ? AND to_status = ?
		ORDER BY id ASC
	`, taskID, string(StatusReview), string(StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("get task rejections: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAuditRows(rows)
}

// GetLatestSubmissionNotes returns the notes of the most recent
// transition into review, or "" when the task has never been submitted.
func (p *ProjectDB) GetLatestSubmissionNotes(taskID string) (string, error) {
	var notes sql.NullString
	err := p.QueryRow(`
		SELECT notes FROM audit
		WHERE task_id = ? AND to_status = ?
		ORDER BY id DESC LIMIT 1
	`, taskID, string(StatusReview)).Scan(&notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get latest submission notes: %w", err)
	}
	return notes.String, nil
}

// ListStuckTasks returns in_progress/review tasks untouched since the
// cutoff. The recovery sweep classifies these.
func (p *ProjectDB) ListStuckTasks(cutoff time.Time) ([]*Task, error) {
	rows, err := p.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
	`, string(StatusInProgress), string(StatusReview), fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecoverTask applies a recovery sweep outcome: new status, bumped
// failure count, failure timestamp, and the audit row, atomically.
func (p *ProjectDB) RecoverTask(id string, to Status, notes string) error {
	if !ValidStatus(to) {
		return fmt.Errorf("invalid status %q", to)
	}
	return p.RunInTx(context.Background(), func(tx *TxOps) error {
		var from string
		if err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s not found", id)
			}
			return fmt.Errorf("read status: %w", err)
		}

		now := fmtTime(time.Now())
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, failure_count = failure_count + 1,
				last_failure_at = ?, updated_at = ?
			WHERE id = ?
		`, string(to), now, now, id); err != nil {
			return fmt.Errorf("recover task: %w", err)
		}

		return insertAudit(tx, &AuditEntry{
			TaskID:     id,
			FromStatus: &from,
			ToStatus:   string(to),
			Actor:      "recovery",
			ActorType:  ActorTypeAutomation,
			Notes:      notes,
		})
	})
}

// CountActionableTasks counts tasks a runner could make progress on.
func (p *ProjectDB) CountActionableTasks() (int, error) {
	var n int
	err := p.QueryRow(`
		SELECT COUNT(*) FROM tasks WHERE status IN (?, ?, ?)
	`, string(StatusPending), string(StatusInProgress), string(StatusReview)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actionable tasks: %w", err)
	}
	return n, nil
}

// FindNextTask picks the next eligible task:
//   - status pending (start) or in_progress/review (resume)
//   - not an unpromoted follow-up
//   - no unexpired lock held by another runner
//   - every section its section depends on is fully completed/skipped
//
// Ordered by section priority DESC (NULLS LAST), section name ASC, then
// task creation time. Returns (nil, "", nil) when nothing is eligible.
func (p *ProjectDB) FindNextTask(now time.Time) (*Task, NextAction, error) {
	row := p.QueryRow(`
		SELECT `+qualify(taskColumns, "t")+`
		FROM tasks t
		LEFT JOIN sections s ON t.section_id = s.id
		WHERE t.status IN (?, ?, ?)
		  AND t.promoted = 1
		  AND NOT EXISTS (
			SELECT 1 FROM task_locks l
			WHERE l.task_id = t.id AND l.expires_at > ?
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM section_dependencies d
			JOIN tasks dt ON dt.section_id = d.depends_on_section_id
			WHERE d.section_id = t.section_id
			  AND dt.status NOT IN (?, ?)
		  )
		ORDER BY (s.priority IS NULL) ASC, s.priority DESC, s.name ASC, t.created_at ASC, t.id ASC
		LIMIT 1
	`, string(StatusPending), string(StatusInProgress), string(StatusReview),
		fmtTime(now),
		string(StatusCompleted), string(StatusSkipped))

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("find next task: %w", err)
	}

	action := ActionStart
	if t.Status == StatusInProgress || t.Status == StatusReview {
		action = ActionResume
	}
	return t, action, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var (
		t                             Task
		status                        string
		promoted                      int
		sectionID, sourceFile         sql.NullString
		parentID, coordDec, coordGuid sql.NullString
		createdAt, updatedAt          string
		lastFailureAt                 sql.NullString
	)
	if err := s.Scan(&t.ID, &t.Title, &t.Description, &status, &sectionID, &sourceFile,
		&parentID, &promoted, &t.RejectionCount, &t.FailureCount,
		&coordDec, &coordGuid, &createdAt, &updatedAt, &lastFailureAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Promoted = promoted != 0
	t.SectionID = nullStr(sectionID)
	t.SourceFile = nullStr(sourceFile)
	t.ParentTaskID = nullStr(parentID)
	t.CoordinatorDecision = nullStr(coordDec)
	t.CoordinatorGuidance = nullStr(coordGuid)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if lastFailureAt.Valid {
		ts := parseTime(lastFailureAt.String)
		t.LastFailureAt = &ts
	}
	return &t, nil
}

func nullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// qualify prefixes each column in a comma-separated list with an alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
