package db

import (
	"testing"
	"time"
)

func TestRecordCreditIncidentDedup(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	inc := &Incident{
		RunnerID: "runner-1",
		Provider: "claude",
		Model:    "sonnet",
		Role:     RoleCoder,
		Details:  map[string]any{"stderr_tail": "credit balance too low"},
	}

	id1, existing, err := pdb.RecordCreditIncident(inc)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if existing {
		t.Error("first record reported existing")
	}

	id2, existing, err := pdb.RecordCreditIncident(&Incident{
		RunnerID: "runner-1", Provider: "claude", Model: "sonnet", Role: RoleCoder,
	})
	if err != nil {
		t.Fatalf("record again: %v", err)
	}
	if !existing {
		t.Error("second record did not dedup")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %s vs %s", id1, id2)
	}

	open, err := pdb.ListUnresolvedIncidents(FailureCreditExhaustion)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("unresolved = %d, want 1", len(open))
	}
}

func TestRecordCreditIncidentDifferentTupleNotDeduped(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	id1, _, err := pdb.RecordCreditIncident(&Incident{
		RunnerID: "runner-1", Provider: "claude", Model: "sonnet", Role: RoleCoder,
	})
	if err != nil {
		t.Fatal(err)
	}
	id2, existing, err := pdb.RecordCreditIncident(&Incident{
		RunnerID: "runner-1", Provider: "claude", Model: "sonnet", Role: RoleReviewer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if existing || id1 == id2 {
		t.Errorf("different role deduped: existing=%v id1=%s id2=%s", existing, id1, id2)
	}
}

func TestResolveIncidentIdempotent(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	id, _, err := pdb.RecordCreditIncident(&Incident{
		RunnerID: "r", Provider: "claude", Model: "sonnet", Role: RoleCoder,
	})
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := pdb.ResolveIncident(id, ResolutionConfigChanged)
	if err != nil {
		t.Fatal(err)
	}
	if !resolved {
		t.Error("first resolve did nothing")
	}

	resolved, err = pdb.ResolveIncident(id, ResolutionDismissed)
	if err != nil {
		t.Fatal(err)
	}
	if resolved {
		t.Error("second resolve reported work done")
	}

	got, err := pdb.GetIncident(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Resolution != ResolutionConfigChanged {
		t.Errorf("resolution = %s, want config_changed (second resolve must not clobber)", got.Resolution)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at is nil")
	}
}

func TestRecordCreditIncidentAfterResolveInsertsNew(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	key := &Incident{RunnerID: "r", Provider: "claude", Model: "sonnet", Role: RoleCoder}
	id1, _, err := pdb.RecordCreditIncident(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pdb.ResolveIncident(id1, ResolutionRetry); err != nil {
		t.Fatal(err)
	}

	id2, existing, err := pdb.RecordCreditIncident(&Incident{
		RunnerID: "r", Provider: "claude", Model: "sonnet", Role: RoleCoder,
	})
	if err != nil {
		t.Fatal(err)
	}
	if existing {
		t.Error("resolved incident blocked a new one")
	}
	if id1 == id2 {
		t.Error("new incident reused old id")
	}
}

func TestIncidentDetailsRoundTrip(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	id, err := pdb.RecordIncident(&Incident{
		FailureMode: FailureOrphanedTask,
		TaskID:      "task-123",
		Details:     map[string]any{"lock_holder": "runner-9", "expired_for_s": float64(42)},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := pdb.GetIncident(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Details["lock_holder"] != "runner-9" {
		t.Errorf("details = %v", got.Details)
	}
	if got.TaskID != "task-123" {
		t.Errorf("task_id = %s", got.TaskID)
	}
}

func TestCountIncidentsSince(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	old := &Incident{FailureMode: FailureZombieRunner, DetectedAt: time.Now().Add(-2 * time.Hour)}
	if _, err := pdb.RecordIncident(old); err != nil {
		t.Fatal(err)
	}
	recent := &Incident{FailureMode: FailureDeadRunner}
	if _, err := pdb.RecordIncident(recent); err != nil {
		t.Fatal(err)
	}

	n, err := pdb.CountIncidentsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestActiveCreditIncidentsFiltersByProject(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	gdb := NewTestGlobalDB(t)

	if err := gdb.UpsertRunner(&Runner{ID: "r-here", Status: RunnerRunning, ProjectPath: "/proj/here"}); err != nil {
		t.Fatal(err)
	}
	if err := gdb.UpsertRunner(&Runner{ID: "r-there", Status: RunnerRunning, ProjectPath: "/proj/there"}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := pdb.RecordCreditIncident(&Incident{RunnerID: "r-here", Provider: "claude", Model: "m", Role: RoleCoder}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := pdb.RecordCreditIncident(&Incident{RunnerID: "r-there", Provider: "claude", Model: "m", Role: RoleCoder}); err != nil {
		t.Fatal(err)
	}

	incidents, err := pdb.ActiveCreditIncidents(gdb, "/proj/here")
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 || incidents[0].RunnerID != "r-here" {
		t.Fatalf("incidents = %+v, want only r-here", incidents)
	}
}
