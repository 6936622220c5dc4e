package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Failure modes recorded as incidents.
const (
	FailureCreditExhaustion  = "credit_exhaustion"
	FailureOrphanedTask      = "orphaned_task"
	FailureHangingInvocation = "hanging_invocation"
	FailureZombieRunner      = "zombie_runner"
	FailureDeadRunner        = "dead_runner"
	FailureRateLimit         = "rate_limit"
)

// Incident resolutions.
const (
	ResolutionConfigChanged = "config_changed"
	ResolutionDismissed     = "dismissed"
	ResolutionManual        = "manual"
	ResolutionRetry         = "retry"
	ResolutionAutoRestart   = "auto_restart"
)

// Incident records a recoverable or surfaced failure.
type Incident struct {
	ID          string
	FailureMode string
	RunnerID    string
	Provider    string
	Model       string
	Role        string
	TaskID      string
	Details     map[string]any
	DetectedAt  time.Time
	ResolvedAt  *time.Time
	Resolution  string
}

const incidentColumns = `id, failure_mode, runner_id, provider, model, role,
	task_id, details, detected_at, resolved_at, resolution`

// RecordCreditIncident records a credit-exhaustion incident, deduplicated
// on the unresolved (runner, provider, model, role) tuple. When a matching
// unresolved incident already exists its ID is returned and nothing is
// inserted.
func (p *ProjectDB) RecordCreditIncident(inc *Incident) (id string, existing bool, err error) {
	inc.FailureMode = FailureCreditExhaustion
	err = p.RunInTx(context.Background(), func(tx *TxOps) error {
		var existingID string
		scanErr := tx.QueryRow(`
			SELECT id FROM incidents
			WHERE failure_mode = ? AND runner_id = ? AND provider = ? AND model = ? AND role = ?
			  AND resolved_at IS NULL
			LIMIT 1
		`, FailureCreditExhaustion, inc.RunnerID, inc.Provider, inc.Model, inc.Role).Scan(&existingID)
		if scanErr == nil {
			id = existingID
			existing = true
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("check existing incident: %w", scanErr)
		}

		id = uuid.NewString()
		return insertIncident(tx, id, inc)
	})
	return id, existing, err
}

// RecordIncident inserts an incident row without deduplication. Used by
// the recovery sweep for orphan/zombie/hang classes.
func (p *ProjectDB) RecordIncident(inc *Incident) (string, error) {
	id := uuid.NewString()
	err := p.RunInTx(context.Background(), func(tx *TxOps) error {
		return insertIncident(tx, id, inc)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func insertIncident(tx *TxOps, id string, inc *Incident) error {
	var details *string
	if inc.Details != nil {
		b, err := json.Marshal(inc.Details)
		if err != nil {
			return fmt.Errorf("marshal incident details: %w", err)
		}
		s := string(b)
		details = &s
	}

	detectedAt := inc.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	if _, err := tx.Exec(`
		INSERT INTO incidents (id, failure_mode, runner_id, provider, model, role, task_id, details, detected_at, resolved_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, inc.FailureMode, nullable(inc.RunnerID), nullable(inc.Provider),
		nullable(inc.Model), nullable(inc.Role), nullable(inc.TaskID),
		details, fmtTime(detectedAt), fmtTimePtr(inc.ResolvedAt), nullable(inc.Resolution)); err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	inc.ID = id
	return nil
}

// ResolveIncident marks an unresolved incident as resolved. Calling it
// again on an already-resolved incident is a no-op; resolved reports
// whether this call performed the resolution.
func (p *ProjectDB) ResolveIncident(id, resolution string) (resolved bool, err error) {
	res, err := p.Exec(`
		UPDATE incidents SET resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved_at IS NULL
	`, fmtTime(time.Now()), resolution, id)
	if err != nil {
		return false, fmt.Errorf("resolve incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve incident: %w", err)
	}
	return n == 1, nil
}

// ActiveCreditIncidents returns unresolved credit-exhaustion incidents.
// When a global DB is supplied, results are filtered to incidents whose
// runner belongs to the given project path; with a nil global DB the
// list is returned unfiltered.
func (p *ProjectDB) ActiveCreditIncidents(global *GlobalDB, projectPath string) ([]*Incident, error) {
	incidents, err := p.listIncidents(`
		SELECT `+incidentColumns+` FROM incidents
		WHERE failure_mode = ? AND resolved_at IS NULL
		ORDER BY detected_at ASC
	`, FailureCreditExhaustion)
	if err != nil {
		return nil, err
	}
	if global == nil || projectPath == "" {
		return incidents, nil
	}

	var filtered []*Incident
	for _, inc := range incidents {
		if inc.RunnerID == "" {
			continue
		}
		runner, err := global.GetRunner(inc.RunnerID)
		if err != nil {
			return nil, err
		}
		if runner != nil && runner.ProjectPath == projectPath {
			filtered = append(filtered, inc)
		}
	}
	return filtered, nil
}

// ListUnresolvedIncidents returns all unresolved incidents, optionally
// filtered by failure mode.
func (p *ProjectDB) ListUnresolvedIncidents(failureMode string) ([]*Incident, error) {
	if failureMode != "" {
		return p.listIncidents(`
			SELECT `+incidentColumns+` FROM incidents
			WHERE failure_mode = ? AND resolved_at IS NULL
			ORDER BY detected_at ASC
		`, failureMode)
	}
	return p.listIncidents(`
		SELECT ` + incidentColumns + ` FROM incidents
		WHERE resolved_at IS NULL
		ORDER BY detected_at ASC
	`)
}

// GetIncident retrieves an incident by ID. Returns (nil, nil) when not found.
func (p *ProjectDB) GetIncident(id string) (*Incident, error) {
	incidents, err := p.listIncidents(
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(incidents) == 0 {
		return nil, nil
	}
	return incidents[0], nil
}

// CountIncidentsSince counts incidents detected at or after the cutoff.
// The recovery sweep uses this for its rate limit.
func (p *ProjectDB) CountIncidentsSince(cutoff time.Time) (int, error) {
	var n int
	err := p.QueryRow(
		"SELECT COUNT(*) FROM incidents WHERE detected_at >= ?", fmtTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return n, nil
}

func (p *ProjectDB) listIncidents(query string, args ...any) ([]*Incident, error) {
	rows, err := p.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []*Incident
	for rows.Next() {
		var (
			inc                                Incident
			runnerID, provider, model, role    sql.NullString
			taskID, details, resolution        sql.NullString
			detectedAt                         string
			resolvedAt                         sql.NullString
		)
		if err := rows.Scan(&inc.ID, &inc.FailureMode, &runnerID, &provider, &model, &role,
			&taskID, &details, &detectedAt, &resolvedAt, &resolution); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.RunnerID = runnerID.String
		inc.Provider = provider.String
		inc.Model = model.String
		inc.Role = role.String
		inc.TaskID = taskID.String
		inc.Resolution = resolution.String
		inc.DetectedAt = parseTime(detectedAt)
		inc.ResolvedAt = parseTimePtr(nullStr(resolvedAt))
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &inc.Details)
		}
		incidents = append(incidents, &inc)
	}
	return incidents, rows.Err()
}
