package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/steroids-dev/steroids/internal/db/driver"
	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

// GlobalDB provides operations on the global database (~/.steroids/steroids.db).
type GlobalDB struct {
	*DB
}

// GlobalDBPath returns the default global database path.
func GlobalDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, StateDirName, ProjectDBName), nil
}

// OpenGlobal opens the global database at ~/.steroids/steroids.db using SQLite.
func OpenGlobal() (*GlobalDB, error) {
	path, err := GlobalDBPath()
	if err != nil {
		return nil, err
	}
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("global"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}

	return &GlobalDB{DB: db}, nil
}

// OpenGlobalWithDialect opens the global database with a specific dialect.
func OpenGlobalWithDialect(dsn string, dialect driver.Dialect) (*GlobalDB, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("global"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}

	return &GlobalDB{DB: db}, nil
}

// --- Projects ---

// Project is a registered project in the global registry.
type Project struct {
	ID        string
	Name      string
	Path      string
	Enabled   bool
	CreatedAt time.Time
}

// RegisterProject adds or updates a project in the registry.
func (g *GlobalDB) RegisterProject(name, path string) (*Project, error) {
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      path,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	_, err := g.Exec(`
		INSERT INTO projects (id, name, path, enabled, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(path) DO UPDATE SET name = excluded.name, enabled = 1
	`, p.ID, p.Name, p.Path, fmtTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("register project: %w", err)
	}
	return g.GetProjectByPath(path)
}

// GetProjectByPath retrieves a project by path. Returns (nil, nil) when
// not registered.
func (g *GlobalDB) GetProjectByPath(path string) (*Project, error) {
	row := g.QueryRow(
		"SELECT id, name, path, enabled, created_at FROM projects WHERE path = ?", path)
	return scanProject(row)
}

// ListProjects returns registered projects; enabledOnly filters out
// disabled ones.
func (g *GlobalDB) ListProjects(enabledOnly bool) ([]*Project, error) {
	query := "SELECT id, name, path, enabled, created_at FROM projects"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name ASC"

	rows, err := g.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetProjectEnabled toggles a project's participation in wakeup discovery.
func (g *GlobalDB) SetProjectEnabled(path string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := g.Exec("UPDATE projects SET enabled = ? WHERE path = ?", v, path)
	if err != nil {
		return fmt.Errorf("set project enabled: %w", err)
	}
	return nil
}

func scanProject(s scanner) (*Project, error) {
	var (
		p         Project
		enabled   int
		createdAt string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.Path, &enabled, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Enabled = enabled != 0
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// --- Runners ---

// Runner statuses.
const (
	RunnerRunning = "running"
	RunnerPaused  = "paused"
	RunnerStopped = "stopped"
)

// StaleRunnerThreshold is how old a heartbeat may be before the runner
// row is considered stale.
const StaleRunnerThreshold = 5 * time.Minute

// Runner is a supervised loop process registered in the global database.
type Runner struct {
	ID                string
	PID               *int
	Status            string
	ProjectPath       string
	CurrentTaskID     string
	ParallelSessionID string
	StartedAt         time.Time
	HeartbeatAt       time.Time
}

const runnerColumns = `id, pid, status, project_path, current_task_id,
	parallel_session_id, started_at, heartbeat_at`

// UpsertRunner registers or updates a runner row.
func (g *GlobalDB) UpsertRunner(r *Runner) error {
	now := time.Now()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if r.HeartbeatAt.IsZero() {
		r.HeartbeatAt = now
	}
	_, err := g.Exec(`
		INSERT INTO runners (id, pid, status, project_path, current_task_id, parallel_session_id, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			status = excluded.status,
			project_path = excluded.project_path,
			current_task_id = excluded.current_task_id,
			parallel_session_id = excluded.parallel_session_id,
			heartbeat_at = excluded.heartbeat_at
	`, r.ID, r.PID, r.Status, r.ProjectPath, nullable(r.CurrentTaskID),
		nullable(r.ParallelSessionID), fmtTime(r.StartedAt), fmtTime(r.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

// HeartbeatRunner bumps a runner's heartbeat and current task.
func (g *GlobalDB) HeartbeatRunner(id, currentTaskID string) error {
	_, err := g.Exec(`
		UPDATE runners SET heartbeat_at = ?, current_task_id = ? WHERE id = ?
	`, fmtTime(time.Now()), nullable(currentTaskID), id)
	if err != nil {
		return fmt.Errorf("heartbeat runner: %w", err)
	}
	return nil
}

// SetRunnerStatus updates a runner's status.
func (g *GlobalDB) SetRunnerStatus(id, status string) error {
	_, err := g.Exec("UPDATE runners SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("set runner status: %w", err)
	}
	return nil
}

// GetRunner retrieves a runner by ID. Returns (nil, nil) when missing.
func (g *GlobalDB) GetRunner(id string) (*Runner, error) {
	row := g.QueryRow(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id)
	r, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return r, nil
}

// ListRunners returns all runner rows.
func (g *GlobalDB) ListRunners() ([]*Runner, error) {
	return g.listRunners(`SELECT ` + runnerColumns + ` FROM runners ORDER BY started_at ASC`)
}

// ListStaleRunners returns runners whose heartbeat is older than the cutoff.
func (g *GlobalDB) ListStaleRunners(cutoff time.Time) ([]*Runner, error) {
	return g.listRunners(
		`SELECT `+runnerColumns+` FROM runners WHERE heartbeat_at < ?`, fmtTime(cutoff))
}

// ListRunnersForProject returns runner rows for a project path.
func (g *GlobalDB) ListRunnersForProject(projectPath string) ([]*Runner, error) {
	return g.listRunners(
		`SELECT `+runnerColumns+` FROM runners WHERE project_path = ?`, projectPath)
}

// HasActiveRunner reports whether the project has a non-stopped,
// non-parallel runner with a fresh heartbeat. Wakeup uses this to avoid
// double-spawning.
func (g *GlobalDB) HasActiveRunner(projectPath string, now time.Time) (bool, error) {
	var n int
	err := g.QueryRow(`
		SELECT COUNT(*) FROM runners
		WHERE project_path = ?
		  AND status != ?
		  AND heartbeat_at > ?
		  AND parallel_session_id IS NULL
	`, projectPath, RunnerStopped, fmtTime(now.Add(-StaleRunnerThreshold))).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has active runner: %w", err)
	}
	return n > 0, nil
}

// DeleteRunner removes a runner row.
func (g *GlobalDB) DeleteRunner(id string) error {
	_, err := g.Exec("DELETE FROM runners WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	return nil
}

func (g *GlobalDB) listRunners(query string, args ...any) ([]*Runner, error) {
	rows, err := g.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runners []*Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func scanRunner(s scanner) (*Runner, error) {
	var (
		r                       Runner
		pid                     sql.NullInt64
		currentTask, sessionID  sql.NullString
		startedAt, heartbeatAt  string
	)
	if err := s.Scan(&r.ID, &pid, &r.Status, &r.ProjectPath, &currentTask,
		&sessionID, &startedAt, &heartbeatAt); err != nil {
		return nil, err
	}
	if pid.Valid {
		v := int(pid.Int64)
		r.PID = &v
	}
	r.CurrentTaskID = currentTask.String
	r.ParallelSessionID = sessionID.String
	r.StartedAt = parseTime(startedAt)
	r.HeartbeatAt = parseTime(heartbeatAt)
	return &r, nil
}

// --- Workstreams ---

// Workstream statuses.
const (
	WorkstreamIdle    = "idle"
	WorkstreamRunning = "running"
)

// Workstream is a parallel execution channel within a project. Its
// claim_generation is a monotonically increasing fencing token.
type Workstream struct {
	ID              string
	ProjectPath     string
	Name            string
	Status          string
	RunnerID        string
	ClaimGeneration int64
	LeaseExpiresAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnsureWorkstream returns the workstream with the given name, creating
// it if absent.
func (g *GlobalDB) EnsureWorkstream(projectPath, name string) (*Workstream, error) {
	now := time.Now()
	_, err := g.Exec(`
		INSERT INTO workstreams (id, project_path, name, status, claim_generation, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(project_path, name) DO NOTHING
	`, uuid.NewString(), projectPath, name, WorkstreamIdle, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("ensure workstream: %w", err)
	}
	return g.getWorkstreamByName(projectPath, name)
}

func (g *GlobalDB) getWorkstreamByName(projectPath, name string) (*Workstream, error) {
	row := g.QueryRow(`
		SELECT id, project_path, name, status, runner_id, claim_generation, lease_expires_at, created_at, updated_at
		FROM workstreams WHERE project_path = ? AND name = ?
	`, projectPath, name)
	return scanWorkstream(row)
}

// GetWorkstream retrieves a workstream by ID. Returns (nil, nil) when missing.
func (g *GlobalDB) GetWorkstream(id string) (*Workstream, error) {
	row := g.QueryRow(`
		SELECT id, project_path, name, status, runner_id, claim_generation, lease_expires_at, created_at, updated_at
		FROM workstreams WHERE id = ?
	`, id)
	return scanWorkstream(row)
}

// ClaimWorkstream claims a workstream for a runner, bumping the claim
// generation. The returned generation is the fencing token every later
// lease refresh must present.
func (g *GlobalDB) ClaimWorkstream(id, runnerID string, ttl time.Duration) (int64, error) {
	now := time.Now()
	res, err := g.Exec(`
		UPDATE workstreams
		SET status = ?, runner_id = ?, claim_generation = claim_generation + 1,
			lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR lease_expires_at IS NULL OR lease_expires_at < ?)
	`, WorkstreamRunning, runnerID, fmtTime(now.Add(ttl)), fmtTime(now),
		id, WorkstreamIdle, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("claim workstream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claim workstream: %w", err)
	}
	if n != 1 {
		return 0, sterrors.ErrResourceLocked("workstream "+id, "another runner")
	}

	ws, err := g.GetWorkstream(id)
	if err != nil {
		return 0, err
	}
	if ws == nil {
		return 0, fmt.Errorf("workstream %s vanished after claim", id)
	}
	return ws.ClaimGeneration, nil
}

// RefreshWorkstreamLease extends the lease, fenced on claim generation.
// A fence miss means the caller lost the lease and must abort its phase.
func (g *GlobalDB) RefreshWorkstreamLease(id string, generation int64, ttl time.Duration) error {
	now := time.Now()
	res, err := g.Exec(`
		UPDATE workstreams SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claim_generation = ?
	`, fmtTime(now.Add(ttl)), fmtTime(now), id, WorkstreamRunning, generation)
	if err != nil {
		return fmt.Errorf("refresh workstream lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh workstream lease: %w", err)
	}
	if n != 1 {
		return sterrors.ErrLeaseLost(id)
	}
	return nil
}

// ReleaseWorkstream returns a workstream to idle, fenced on claim
// generation so a late release cannot clobber a newer claim.
func (g *GlobalDB) ReleaseWorkstream(id string, generation int64) error {
	_, err := g.Exec(`
		UPDATE workstreams SET status = ?, runner_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claim_generation = ?
	`, WorkstreamIdle, fmtTime(time.Now()), id, generation)
	if err != nil {
		return fmt.Errorf("release workstream: %w", err)
	}
	return nil
}

func scanWorkstream(s scanner) (*Workstream, error) {
	var (
		ws                   Workstream
		runnerID             sql.NullString
		leaseExpires         sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&ws.ID, &ws.ProjectPath, &ws.Name, &ws.Status, &runnerID,
		&ws.ClaimGeneration, &leaseExpires, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan workstream: %w", err)
	}
	ws.RunnerID = runnerID.String
	ws.LeaseExpiresAt = parseTimePtr(nullStr(leaseExpires))
	ws.CreatedAt = parseTime(createdAt)
	ws.UpdatedAt = parseTime(updatedAt)
	return &ws, nil
}

// --- Parallel sessions ---

// ParallelSession groups runners spawned for parallel execution.
type ParallelSession struct {
	ID          string
	ProjectPath string
	Status      string
	CreatedAt   time.Time
	EndedAt     *time.Time
}

// CreateParallelSession opens a new parallel session for a project.
func (g *GlobalDB) CreateParallelSession(projectPath string) (*ParallelSession, error) {
	s := &ParallelSession{
		ID:          uuid.NewString(),
		ProjectPath: projectPath,
		Status:      "active",
		CreatedAt:   time.Now(),
	}
	_, err := g.Exec(`
		INSERT INTO parallel_sessions (id, project_path, status, created_at)
		VALUES (?, ?, ?, ?)
	`, s.ID, s.ProjectPath, s.Status, fmtTime(s.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create parallel session: %w", err)
	}
	return s, nil
}

// EndParallelSession closes a parallel session.
func (g *GlobalDB) EndParallelSession(id string) error {
	_, err := g.Exec(`
		UPDATE parallel_sessions SET status = 'ended', ended_at = ? WHERE id = ?
	`, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("end parallel session: %w", err)
	}
	return nil
}

// --- Provider backoffs ---

// ProviderBackoff is a per-provider cooldown after a rate limit or
// credit exhaustion.
type ProviderBackoff struct {
	Provider  string
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SetProviderBackoff records or extends a provider cooldown.
func (g *GlobalDB) SetProviderBackoff(provider, reason string, until time.Time) error {
	_, err := g.Exec(`
		INSERT INTO provider_backoffs (provider, reason, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			reason = excluded.reason,
			expires_at = excluded.expires_at
	`, provider, reason, fmtTime(until), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set provider backoff: %w", err)
	}
	return nil
}

// ActiveProviderBackoff returns the unexpired cooldown for a provider,
// or (nil, nil) when the provider is clear.
func (g *GlobalDB) ActiveProviderBackoff(provider string, now time.Time) (*ProviderBackoff, error) {
	var (
		b                    ProviderBackoff
		expiresAt, createdAt string
	)
	err := g.QueryRow(`
		SELECT provider, reason, expires_at, created_at FROM provider_backoffs
		WHERE provider = ? AND expires_at > ?
	`, provider, fmtTime(now)).Scan(&b.Provider, &b.Reason, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active provider backoff: %w", err)
	}
	b.ExpiresAt = parseTime(expiresAt)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// ClearProviderBackoff removes a provider cooldown.
func (g *GlobalDB) ClearProviderBackoff(provider string) error {
	_, err := g.Exec("DELETE FROM provider_backoffs WHERE provider = ?", provider)
	if err != nil {
		return fmt.Errorf("clear provider backoff: %w", err)
	}
	return nil
}
