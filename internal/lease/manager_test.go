package lease

import (
	"errors"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

func newManagers(t *testing.T) (*db.GlobalDB, *db.ProjectDB) {
	t.Helper()
	return db.NewTestGlobalDB(t), db.NewTestProjectDB(t)
}

func TestClaimAndRefresh(t *testing.T) {
	gdb, pdb := newManagers(t)

	m, err := Claim(gdb, pdb, "/proj", "main", "runner-1", time.Minute, nil)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if m.Generation() != 1 {
		t.Errorf("Generation = %d, want 1", m.Generation())
	}
	if err := m.Refresh(""); err != nil {
		t.Errorf("Refresh() error = %v", err)
	}
}

func TestRefreshWithTaskLock(t *testing.T) {
	gdb, pdb := newManagers(t)

	task := db.NewTask("t", "")
	if err := pdb.SaveTask(task); err != nil {
		t.Fatal(err)
	}

	m, err := Claim(gdb, pdb, "/proj", "main", "runner-1", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AcquireTask(task.ID); err != nil {
		t.Fatalf("AcquireTask() error = %v", err)
	}
	if err := m.Refresh(task.ID); err != nil {
		t.Errorf("Refresh() error = %v", err)
	}
	if err := m.ReleaseTask(task.ID); err != nil {
		t.Errorf("ReleaseTask() error = %v", err)
	}
	// The lock is gone, so refreshing it now is a lease loss.
	err = m.Refresh(task.ID)
	if !errors.Is(err, sterrors.ErrLeaseLost("task:"+task.ID)) {
		t.Errorf("Refresh() after release = %v, want lease lost", err)
	}
}

func TestFenceLossAfterReclaim(t *testing.T) {
	gdb, pdb := newManagers(t)

	m1, err := Claim(gdb, pdb, "/proj", "main", "runner-1", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A second runner cannot claim while the lease is live.
	if _, err := Claim(gdb, pdb, "/proj", "main", "runner-2", time.Minute, nil); err == nil {
		t.Fatal("second Claim() succeeded while lease was live")
	}

	// After release, a new claim bumps the generation and the old
	// manager's refresh must fail the fence.
	if err := m1.Release(); err != nil {
		t.Fatal(err)
	}
	m2, err := Claim(gdb, pdb, "/proj", "main", "runner-2", time.Minute, nil)
	if err != nil {
		t.Fatalf("Claim() after release error = %v", err)
	}
	if m2.Generation() != m1.Generation()+1 {
		t.Errorf("generation = %d, want %d", m2.Generation(), m1.Generation()+1)
	}

	err = m1.Refresh("")
	var serr *sterrors.SteroidsError
	if !errors.As(err, &serr) || serr.Code != sterrors.CodeLeaseLost {
		t.Errorf("stale Refresh() = %v, want CodeLeaseLost", err)
	}
}

func TestLateReleaseDoesNotClobberNewClaim(t *testing.T) {
	gdb, pdb := newManagers(t)

	m1, err := Claim(gdb, pdb, "/proj", "main", "runner-1", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.Release(); err != nil {
		t.Fatal(err)
	}
	m2, err := Claim(gdb, pdb, "/proj", "main", "runner-2", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	// m1's release is fenced on its stale generation: a no-op.
	if err := m1.Release(); err != nil {
		t.Fatal(err)
	}
	if err := m2.Refresh(""); err != nil {
		t.Errorf("Refresh() after stale release = %v, want nil", err)
	}
}
