package db

import (
	"errors"
	"testing"
	"time"

	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

func TestAcquireTaskLockExclusive(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	if err := pdb.AcquireTaskLock(task.ID, "runner-a", 2*time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := pdb.AcquireTaskLock(task.ID, "runner-b", 2*time.Minute)
	var serr *sterrors.SteroidsError
	if !errors.As(err, &serr) || serr.Code != sterrors.CodeResourceLocked {
		t.Fatalf("second acquire err = %v, want RESOURCE_LOCKED", err)
	}

	// Holder can re-acquire its own lock.
	if err := pdb.AcquireTaskLock(task.ID, "runner-a", 2*time.Minute); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
}

func TestAcquireTaskLockTakesOverExpired(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	if err := pdb.AcquireTaskLock(task.ID, "runner-a", -time.Second); err != nil {
		t.Fatal(err)
	}
	if err := pdb.AcquireTaskLock(task.ID, "runner-b", 2*time.Minute); err != nil {
		t.Fatalf("takeover of expired lock: %v", err)
	}

	lock, err := pdb.GetTaskLock(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lock.RunnerID != "runner-b" {
		t.Errorf("holder = %s, want runner-b", lock.RunnerID)
	}
}

func TestRefreshTaskLock(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	if err := pdb.AcquireTaskLock(task.ID, "runner-a", time.Minute); err != nil {
		t.Fatal(err)
	}
	before, _ := pdb.GetTaskLock(task.ID)

	if err := pdb.RefreshTaskLock(task.ID, "runner-a", 5*time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	after, _ := pdb.GetTaskLock(task.ID)
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Errorf("expires_at not extended: %v -> %v", before.ExpiresAt, after.ExpiresAt)
	}

	// A non-holder refresh is a fence miss.
	err := pdb.RefreshTaskLock(task.ID, "runner-b", time.Minute)
	var serr *sterrors.SteroidsError
	if !errors.As(err, &serr) || serr.Code != sterrors.CodeLeaseLost {
		t.Fatalf("refresh by non-holder err = %v, want LEASE_LOST", err)
	}
}

func TestReleaseTaskLock(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	_ = pdb.AcquireTaskLock(task.ID, "runner-a", time.Minute)

	// Release by a non-holder leaves the lock in place.
	if err := pdb.ReleaseTaskLock(task.ID, "runner-b"); err != nil {
		t.Fatal(err)
	}
	if lock, _ := pdb.GetTaskLock(task.ID); lock == nil {
		t.Fatal("lock dropped by non-holder release")
	}

	if err := pdb.ReleaseTaskLock(task.ID, "runner-a"); err != nil {
		t.Fatal(err)
	}
	if lock, _ := pdb.GetTaskLock(task.ID); lock != nil {
		t.Fatal("lock still present after holder release")
	}
}

func TestForceReleaseTaskLock(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	_ = pdb.AcquireTaskLock(task.ID, "runner-a", time.Minute)
	if err := pdb.ForceReleaseTaskLock(task.ID); err != nil {
		t.Fatal(err)
	}
	if lock, _ := pdb.GetTaskLock(task.ID); lock != nil {
		t.Fatal("lock survived force release")
	}
}
