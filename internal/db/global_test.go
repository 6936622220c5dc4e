package db

import (
	"errors"
	"testing"
	"time"

	sterrors "github.com/steroids-dev/steroids/internal/errors"
)

func TestRegisterProjectUpsert(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	p1, err := gdb.RegisterProject("demo", "/tmp/demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := gdb.SetProjectEnabled("/tmp/demo", false); err != nil {
		t.Fatal(err)
	}

	// Re-registering keeps the row, renames it, and re-enables it.
	p2, err := gdb.RegisterProject("demo-renamed", "/tmp/demo")
	if err != nil {
		t.Fatal(err)
	}
	if p1.ID != p2.ID {
		t.Errorf("id changed on re-register: %s vs %s", p1.ID, p2.ID)
	}
	if p2.Name != "demo-renamed" || !p2.Enabled {
		t.Errorf("got %+v, want renamed enabled project", p2)
	}

	enabled, err := gdb.ListProjects(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 {
		t.Errorf("enabled projects = %d, want 1", len(enabled))
	}
}

func TestWorkstreamClaimFencing(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	ws, err := gdb.EnsureWorkstream("/tmp/demo", "default")
	if err != nil {
		t.Fatal(err)
	}

	gen1, err := gdb.ClaimWorkstream(ws.ID, "runner-a", 2*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if gen1 != 1 {
		t.Errorf("generation = %d, want 1", gen1)
	}

	// A second runner cannot claim while the lease is live.
	_, err = gdb.ClaimWorkstream(ws.ID, "runner-b", 2*time.Minute)
	var serr *sterrors.SteroidsError
	if !errors.As(err, &serr) || serr.Code != sterrors.CodeResourceLocked {
		t.Fatalf("concurrent claim err = %v, want RESOURCE_LOCKED", err)
	}

	if err := gdb.RefreshWorkstreamLease(ws.ID, gen1, 2*time.Minute); err != nil {
		t.Fatalf("refresh with live fence: %v", err)
	}
}

func TestWorkstreamExpiredLeaseTakeover(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	ws, err := gdb.EnsureWorkstream("/tmp/demo", "default")
	if err != nil {
		t.Fatal(err)
	}

	gen1, err := gdb.ClaimWorkstream(ws.ID, "runner-a", -time.Second)
	if err != nil {
		t.Fatal(err)
	}

	gen2, err := gdb.ClaimWorkstream(ws.ID, "runner-b", 2*time.Minute)
	if err != nil {
		t.Fatalf("takeover of expired lease: %v", err)
	}
	if gen2 != gen1+1 {
		t.Errorf("generation = %d, want %d", gen2, gen1+1)
	}

	// The old holder's refresh must miss the fence.
	err = gdb.RefreshWorkstreamLease(ws.ID, gen1, 2*time.Minute)
	var serr *sterrors.SteroidsError
	if !errors.As(err, &serr) || serr.Code != sterrors.CodeLeaseLost {
		t.Fatalf("stale refresh err = %v, want LEASE_LOST", err)
	}

	// And its late release must not clobber the new claim.
	if err := gdb.ReleaseWorkstream(ws.ID, gen1); err != nil {
		t.Fatal(err)
	}
	got, _ := gdb.GetWorkstream(ws.ID)
	if got.Status != WorkstreamRunning || got.RunnerID != "runner-b" {
		t.Errorf("workstream = %+v, want still claimed by runner-b", got)
	}
}

func TestReleaseWorkstreamReturnsToIdle(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	ws, _ := gdb.EnsureWorkstream("/tmp/demo", "default")
	gen, err := gdb.ClaimWorkstream(ws.ID, "runner-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := gdb.ReleaseWorkstream(ws.ID, gen); err != nil {
		t.Fatal(err)
	}

	got, _ := gdb.GetWorkstream(ws.ID)
	if got.Status != WorkstreamIdle || got.RunnerID != "" || got.LeaseExpiresAt != nil {
		t.Errorf("workstream = %+v, want idle with no holder", got)
	}

	// Claimable again after release.
	if _, err := gdb.ClaimWorkstream(ws.ID, "runner-b", time.Minute); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestEnsureWorkstreamIdempotent(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	a, err := gdb.EnsureWorkstream("/tmp/demo", "default")
	if err != nil {
		t.Fatal(err)
	}
	b, err := gdb.EnsureWorkstream("/tmp/demo", "default")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("ensure created a second row: %s vs %s", a.ID, b.ID)
	}
}

func TestHasActiveRunner(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	now := time.Now()

	ok, err := gdb.HasActiveRunner("/tmp/demo", now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("active runner reported for empty table")
	}

	pid := 1234
	if err := gdb.UpsertRunner(&Runner{
		ID: "r1", PID: &pid, Status: RunnerRunning, ProjectPath: "/tmp/demo",
	}); err != nil {
		t.Fatal(err)
	}
	ok, _ = gdb.HasActiveRunner("/tmp/demo", now)
	if !ok {
		t.Error("fresh runner not seen as active")
	}

	// Stale heartbeat no longer counts.
	if err := gdb.UpsertRunner(&Runner{
		ID: "r1", Status: RunnerRunning, ProjectPath: "/tmp/demo",
		HeartbeatAt: now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	ok, _ = gdb.HasActiveRunner("/tmp/demo", now)
	if ok {
		t.Error("stale runner seen as active")
	}

	// Parallel-session runners do not block wakeup.
	if err := gdb.UpsertRunner(&Runner{
		ID: "r2", Status: RunnerRunning, ProjectPath: "/tmp/demo",
		ParallelSessionID: "sess-1",
	}); err != nil {
		t.Fatal(err)
	}
	ok, _ = gdb.HasActiveRunner("/tmp/demo", now)
	if ok {
		t.Error("parallel runner seen as active")
	}
}

func TestListStaleRunners(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	now := time.Now()

	_ = gdb.UpsertRunner(&Runner{ID: "fresh", Status: RunnerRunning, ProjectPath: "/p"})
	_ = gdb.UpsertRunner(&Runner{
		ID: "stale", Status: RunnerRunning, ProjectPath: "/p",
		HeartbeatAt: now.Add(-time.Hour),
	})

	stale, err := gdb.ListStaleRunners(now.Add(-StaleRunnerThreshold))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "stale" {
		t.Fatalf("stale = %+v, want only the stale runner", stale)
	}
}

func TestProviderBackoff(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	now := time.Now()

	if b, err := gdb.ActiveProviderBackoff("claude", now); err != nil || b != nil {
		t.Fatalf("backoff = %+v, %v, want none", b, err)
	}

	if err := gdb.SetProviderBackoff("claude", "rate_limit", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	b, err := gdb.ActiveProviderBackoff("claude", now)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Reason != "rate_limit" {
		t.Fatalf("backoff = %+v, want active rate_limit", b)
	}

	// Expired backoffs don't show.
	if b, _ := gdb.ActiveProviderBackoff("claude", now.Add(2*time.Hour)); b != nil {
		t.Errorf("expired backoff returned: %+v", b)
	}

	if err := gdb.ClearProviderBackoff("claude"); err != nil {
		t.Fatal(err)
	}
	if b, _ := gdb.ActiveProviderBackoff("claude", now); b != nil {
		t.Errorf("backoff survived clear: %+v", b)
	}
}
