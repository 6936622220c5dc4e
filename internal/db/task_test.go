package db

import (
	"testing"
	"time"
)

func mustCreateTask(t *testing.T, pdb *ProjectDB, title string) *Task {
	t.Helper()
	task := NewTask(title, "")
	if err := pdb.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	return task
}

func mustCreateSection(t *testing.T, pdb *ProjectDB, name string, priority int) *Section {
	t.Helper()
	s, err := pdb.CreateSection(name, &priority)
	if err != nil {
		t.Fatalf("create section: %v", err)
	}
	return s
}

func TestUpdateTaskStatusWritesAudit(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "Fix login bug")

	err := pdb.UpdateTaskStatus(task.ID, StatusInProgress, StatusChange{
		Actor:     "runner-1",
		ActorType: ActorTypeAutomation,
		Notes:     "scheduler start",
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := pdb.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}

	entries, err := pdb.ListAuditEntries(task.ID, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.FromStatus == nil || *e.FromStatus != string(StatusPending) {
		t.Errorf("from_status = %v, want pending", e.FromStatus)
	}
	if e.ToStatus != string(StatusInProgress) {
		t.Errorf("to_status = %s, want in_progress", e.ToStatus)
	}
	if e.CreatedAt.After(got.UpdatedAt.Add(time.Second)) {
		t.Errorf("audit created_at %v after task updated_at %v", e.CreatedAt, got.UpdatedAt)
	}
}

func TestUpdateTaskStatusRejectsInvalid(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	if err := pdb.UpdateTaskStatus(task.ID, Status("bogus"), StatusChange{Actor: "x"}); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestRejectTaskIncrementsCount(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	if err := pdb.UpdateTaskStatus(task.ID, StatusReview, StatusChange{Actor: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := pdb.RejectTask(task.ID, "orchestrator", "sonnet", "missing tests"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := pdb.UpdateTaskStatus(task.ID, StatusReview, StatusChange{Actor: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := pdb.RejectTask(task.ID, "orchestrator", "sonnet", "still missing tests"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, _ := pdb.GetTask(task.ID)
	if got.RejectionCount != 2 {
		t.Errorf("rejection_count = %d, want 2", got.RejectionCount)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}

	rejections, err := pdb.GetTaskRejections(task.ID)
	if err != nil {
		t.Fatalf("get rejections: %v", err)
	}
	if len(rejections) != 2 {
		t.Fatalf("rejections = %d, want 2", len(rejections))
	}
	if rejections[0].Notes != "missing tests" {
		t.Errorf("first rejection notes = %q", rejections[0].Notes)
	}
}

func TestGetLatestSubmissionNotes(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	notes, err := pdb.GetLatestSubmissionNotes(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if notes != "" {
		t.Errorf("notes = %q, want empty before any submission", notes)
	}

	_ = pdb.UpdateTaskStatus(task.ID, StatusInProgress, StatusChange{Actor: "x"})
	_ = pdb.UpdateTaskStatus(task.ID, StatusReview, StatusChange{Actor: "x", Notes: "first submission"})
	_ = pdb.RejectTask(task.ID, "o", "m", "nope")
	_ = pdb.UpdateTaskStatus(task.ID, StatusReview, StatusChange{Actor: "x", Notes: "second submission"})

	notes, err = pdb.GetLatestSubmissionNotes(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if notes != "second submission" {
		t.Errorf("notes = %q, want second submission", notes)
	}
}

func TestFindNextTaskSectionDependencyGating(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	secA := mustCreateSection(t, pdb, "A", 10)
	secB := mustCreateSection(t, pdb, "B", 5)
	if err := pdb.AddSectionDependency(secB.ID, secA.ID); err != nil {
		t.Fatal(err)
	}

	a1 := NewTask("A1", "")
	a1.SectionID = &secA.ID
	if err := pdb.SaveTask(a1); err != nil {
		t.Fatal(err)
	}
	b1 := NewTask("B1", "")
	b1.SectionID = &secB.ID
	if err := pdb.SaveTask(b1); err != nil {
		t.Fatal(err)
	}

	next, action, err := pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != a1.ID {
		t.Fatalf("next = %+v, want A1", next)
	}
	if action != ActionStart {
		t.Errorf("action = %s, want start", action)
	}

	if err := pdb.UpdateTaskStatus(a1.ID, StatusCompleted, StatusChange{Actor: "x"}); err != nil {
		t.Fatal(err)
	}

	next, _, err = pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != b1.ID {
		t.Fatalf("next = %+v, want B1 after A completes", next)
	}
}

func TestFindNextTaskSkippedDependencySatisfies(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	secA := mustCreateSection(t, pdb, "A", 10)
	secB := mustCreateSection(t, pdb, "B", 5)
	_ = pdb.AddSectionDependency(secB.ID, secA.ID)

	a1 := NewTask("A1", "")
	a1.SectionID = &secA.ID
	_ = pdb.SaveTask(a1)
	b1 := NewTask("B1", "")
	b1.SectionID = &secB.ID
	_ = pdb.SaveTask(b1)

	_ = pdb.UpdateTaskStatus(a1.ID, StatusSkipped, StatusChange{Actor: "x"})

	next, _, err := pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != b1.ID {
		t.Fatalf("next = %+v, want B1 (skipped counts as satisfied)", next)
	}
}

func TestFindNextTaskPriorityOrdering(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	low := mustCreateSection(t, pdb, "low", 1)
	high := mustCreateSection(t, pdb, "high", 100)

	tLow := NewTask("low prio", "")
	tLow.SectionID = &low.ID
	_ = pdb.SaveTask(tLow)

	tHigh := NewTask("high prio", "")
	tHigh.SectionID = &high.ID
	_ = pdb.SaveTask(tHigh)

	// Sectionless tasks sort after any prioritised section.
	_ = pdb.SaveTask(NewTask("no section", ""))

	next, _, err := pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != tHigh.ID {
		t.Fatalf("next = %+v, want high-priority task first", next)
	}
}

func TestFindNextTaskResumesInFlight(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")
	_ = pdb.UpdateTaskStatus(task.ID, StatusInProgress, StatusChange{Actor: "x"})

	next, action, err := pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != task.ID {
		t.Fatalf("next = %+v, want in-flight task", next)
	}
	if action != ActionResume {
		t.Errorf("action = %s, want resume", action)
	}
}

func TestFindNextTaskExcludesLocked(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	locked := mustCreateTask(t, pdb, "locked")
	free := mustCreateTask(t, pdb, "free")

	if err := pdb.AcquireTaskLock(locked.ID, "runner-other", 2*time.Minute); err != nil {
		t.Fatal(err)
	}

	next, _, err := pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != free.ID {
		t.Fatalf("next = %+v, want the unlocked task", next)
	}
}

func TestFindNextTaskSkipsUnpromotedFollowUps(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	parent := mustCreateTask(t, pdb, "parent")
	_ = pdb.UpdateTaskStatus(parent.ID, StatusCompleted, StatusChange{Actor: "x"})

	follow, err := pdb.CreateFollowUpTask(parent.ID, "deep follow-up", "", false)
	if err != nil {
		t.Fatal(err)
	}

	next, _, err := pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatalf("next = %+v, want nothing while follow-up unpromoted", next)
	}

	if err := pdb.PromoteTask(follow.ID); err != nil {
		t.Fatal(err)
	}
	next, _, err = pdb.FindNextTask(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != follow.ID {
		t.Fatalf("next = %+v, want promoted follow-up", next)
	}
}

func TestGetFollowUpDepth(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	root := mustCreateTask(t, pdb, "root")

	d1, err := pdb.CreateFollowUpTask(root.ID, "child", "", true)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := pdb.CreateFollowUpTask(d1.ID, "grandchild", "", false)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		id   string
		want int
	}{
		{root.ID, 0},
		{d1.ID, 1},
		{d2.ID, 2},
	} {
		got, err := pdb.GetFollowUpDepth(tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("depth(%s) = %d, want %d", tc.id, got, tc.want)
		}
	}
}

func TestConsecutiveOrchestratorFallbacks(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)
	task := mustCreateTask(t, pdb, "T")

	add := func(actorType, notes string) {
		t.Helper()
		if err := pdb.AddAuditEntry(&AuditEntry{
			TaskID:    task.ID,
			ToStatus:  string(StatusInProgress),
			Actor:     "orchestrator",
			ActorType: actorType,
			Notes:     notes,
		}); err != nil {
			t.Fatal(err)
		}
	}

	add(ActorTypeOrchestrator, "[submit] looks good")
	n, _ := pdb.ConsecutiveOrchestratorFallbacks(task.ID)
	if n != 0 {
		t.Errorf("fallbacks = %d, want 0", n)
	}

	add(ActorTypeOrchestrator, "[retry] FALLBACK: Orchestrator failed (parse_retry 1/3)")
	add(ActorTypeOrchestrator, "[retry] FALLBACK: Orchestrator failed (parse_retry 2/3)")
	n, _ = pdb.ConsecutiveOrchestratorFallbacks(task.ID)
	if n != 2 {
		t.Errorf("fallbacks = %d, want 2", n)
	}

	// A clean orchestrator decision resets the run.
	add(ActorTypeOrchestrator, "[submit] parsed fine")
	n, _ = pdb.ConsecutiveOrchestratorFallbacks(task.ID)
	if n != 0 {
		t.Errorf("fallbacks = %d, want 0 after clean decision", n)
	}
}

func TestCountActionableTasks(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	a := mustCreateTask(t, pdb, "a")
	b := mustCreateTask(t, pdb, "b")
	_ = mustCreateTask(t, pdb, "c")

	_ = pdb.UpdateTaskStatus(a.ID, StatusCompleted, StatusChange{Actor: "x"})
	_ = pdb.UpdateTaskStatus(b.ID, StatusReview, StatusChange{Actor: "x"})

	n, err := pdb.CountActionableTasks()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("actionable = %d, want 2 (review + pending)", n)
	}
}
