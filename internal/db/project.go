package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/steroids-dev/steroids/internal/db/driver"
)

// StateDirName is the per-project state directory.
const StateDirName = ".steroids"

// ProjectDBName is the database filename inside the state directory.
const ProjectDBName = "steroids.db"

// ProjectDBPath returns the database path for a project root.
func ProjectDBPath(projectPath string) string {
	return filepath.Join(projectPath, StateDirName, ProjectDBName)
}

// TxRunner provides a transactional execution interface so that
// multi-table mutations (status + audit) stay atomic.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *TxOps) error) error
}

// TxOps provides database operations within a transaction.
// The context is captured at transaction start and used for every
// statement, so cancellation propagates through the whole unit.
type TxOps struct {
	tx      driver.Tx
	dialect driver.Dialect
	ctx     context.Context
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, query, args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, query, args...)
}

// QueryRow executes a query that returns at most one row within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, query, args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// ProjectDB provides operations on a project database (.steroids/steroids.db).
type ProjectDB struct {
	*DB
}

// OpenProject opens the project database at {projectPath}/.steroids/steroids.db
// using SQLite and applies pending migrations.
func OpenProject(projectPath string) (*ProjectDB, error) {
	db, err := Open(ProjectDBPath(projectPath))
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}

	return &ProjectDB{DB: db}, nil
}

// OpenProjectWithDialect opens a project database with a specific dialect.
func OpenProjectWithDialect(dsn string, dialect driver.Dialect) (*ProjectDB, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}

	return &ProjectDB{DB: db}, nil
}

// RunInTx executes fn within a database transaction. If fn returns an
// error the transaction is rolled back, otherwise it is committed.
func (p *ProjectDB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := p.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{
		tx:      tx,
		dialect: p.Dialect(),
		ctx:     ctx,
	}

	if err := fn(txOps); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
