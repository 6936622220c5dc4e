// Test helpers for database-backed tests. In-memory databases are much
// faster than file-based ones and each call is fully isolated.
package db

import (
	"fmt"
	"testing"
)

// OpenProjectInMemory opens an in-memory project database with
// migrations applied.
func OpenProjectInMemory() (*ProjectDB, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}
	if err := db.Migrate("project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}
	return &ProjectDB{DB: db}, nil
}

// OpenGlobalInMemory opens an in-memory global database with
// migrations applied.
func OpenGlobalInMemory() (*GlobalDB, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}
	if err := db.Migrate("global"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}
	return &GlobalDB{DB: db}, nil
}

// NewTestProjectDB creates an in-memory project database for testing,
// closed automatically when the test completes.
func NewTestProjectDB(t testing.TB) *ProjectDB {
	t.Helper()

	pdb, err := OpenProjectInMemory()
	if err != nil {
		t.Fatalf("create test project db: %v", err)
	}
	t.Cleanup(func() { _ = pdb.Close() })
	return pdb
}

// NewTestGlobalDB creates an in-memory global database for testing,
// closed automatically when the test completes.
func NewTestGlobalDB(t testing.TB) *GlobalDB {
	t.Helper()

	gdb, err := OpenGlobalInMemory()
	if err != nil {
		t.Fatalf("create test global db: %v", err)
	}
	t.Cleanup(func() { _ = gdb.Close() })
	return gdb
}
