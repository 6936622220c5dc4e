package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// FallbackSentinel prefixes orchestrator notes produced by the heuristic
// parse layer. Consecutive runs of these audit rows drive escalation.
const FallbackSentinel = "FALLBACK:"

// AuditEntry is one row of a task's append-only event log.
type AuditEntry struct {
	ID         int64
	TaskID     string
	FromStatus *string
	ToStatus   string
	Actor      string
	ActorType  string
	Model      string
	Notes      string
	CommitSHA  string
	CreatedAt  time.Time
}

const auditColumns = `id, task_id, from_status, to_status, actor, actor_type,
	model, notes, commit_sha, created_at`

// AddAuditEntry appends an audit row outside of a transaction.
func (p *ProjectDB) AddAuditEntry(e *AuditEntry) error {
	res, err := p.Exec(`
		INSERT INTO audit (task_id, from_status, to_status, actor, actor_type, model, notes, commit_sha, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.FromStatus, e.ToStatus, e.Actor, orDefault(e.ActorType, ActorTypeAutomation),
		nullable(e.Model), nullable(e.Notes), nullable(e.CommitSHA), auditTimestamp(e))
	if err != nil {
		return fmt.Errorf("add audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// insertAudit appends an audit row inside an existing transaction.
func insertAudit(tx *TxOps, e *AuditEntry) error {
	if _, err := tx.Exec(`
		INSERT INTO audit (task_id, from_status, to_status, actor, actor_type, model, notes, commit_sha, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.FromStatus, e.ToStatus, e.Actor, orDefault(e.ActorType, ActorTypeAutomation),
		nullable(e.Model), nullable(e.Notes), nullable(e.CommitSHA), auditTimestamp(e)); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns a task's audit rows, oldest first.
// limit <= 0 returns all rows.
func (p *ProjectDB) ListAuditEntries(taskID string, limit int) ([]*AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit WHERE task_id = ? ORDER BY id ASC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := p.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAuditRows(rows)
}

// ConsecutiveOrchestratorFallbacks counts how many of the most recent
// orchestrator audit rows for a task carry the FALLBACK sentinel. The
// run stops at the first orchestrator row without it; non-orchestrator
// rows are skipped.
func (p *ProjectDB) ConsecutiveOrchestratorFallbacks(taskID string) (int, error) {
	rows, err := p.Query(`
		SELECT notes FROM audit
		WHERE task_id = ? AND actor_type = ?
		ORDER BY id DESC LIMIT 10
	`, taskID, ActorTypeOrchestrator)
	if err != nil {
		return 0, fmt.Errorf("count fallbacks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		var notes sql.NullString
		if err := rows.Scan(&notes); err != nil {
			return 0, fmt.Errorf("scan fallback notes: %w", err)
		}
		if !strings.Contains(notes.String, FallbackSentinel) {
			break
		}
		count++
	}
	return count, rows.Err()
}

// ConsecutiveOrchestratorUnclear counts how many of the most recent
// orchestrator audit rows for a task recorded an unclear verdict. The
// run stops at the first orchestrator row with any other verdict.
func (p *ProjectDB) ConsecutiveOrchestratorUnclear(taskID string) (int, error) {
	rows, err := p.Query(`
		SELECT notes FROM audit
		WHERE task_id = ? AND actor_type = ?
		ORDER BY id DESC LIMIT 10
	`, taskID, ActorTypeOrchestrator)
	if err != nil {
		return 0, fmt.Errorf("count unclear verdicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		var notes sql.NullString
		if err := rows.Scan(&notes); err != nil {
			return 0, fmt.Errorf("scan unclear notes: %w", err)
		}
		if !strings.HasPrefix(notes.String, "[unclear]") {
			break
		}
		count++
	}
	return count, rows.Err()
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		var (
			e                       AuditEntry
			fromStatus              sql.NullString
			model, notes, commitSHA sql.NullString
			createdAt               string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &fromStatus, &e.ToStatus, &e.Actor,
			&e.ActorType, &model, &notes, &commitSHA, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.FromStatus = nullStr(fromStatus)
		e.Model = model.String
		e.Notes = notes.String
		e.CommitSHA = commitSHA.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func auditTimestamp(e *AuditEntry) string {
	if !e.CreatedAt.IsZero() {
		return fmtTime(e.CreatedAt)
	}
	return fmtTime(time.Now())
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
