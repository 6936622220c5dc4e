package lease

import (
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
)

func sweepConfig() SweepConfig {
	return SweepConfig{
		AutoRecover:         true,
		MaxRecoveryAttempts: 3,
		MaxIncidentsPerHour: 20,
		StuckThreshold:      10 * time.Minute,
		InvocationStall:     30 * time.Minute,
		LeaseTTL:            2 * time.Minute,
	}
}

func stuckTask(id string, failures int) *db.Task {
	return &db.Task{ID: id, Status: db.StatusInProgress, FailureCount: failures}
}

func TestPlanSweepAutoRecoverOff(t *testing.T) {
	cfg := sweepConfig()
	cfg.AutoRecover = false
	in := SweepInputs{
		Now:        time.Now(),
		StuckTasks: []*db.Task{stuckTask("t1", 0)},
		Locks:      map[string]*db.TaskLock{},
	}
	if plan := PlanSweep(in, cfg); plan != nil {
		t.Errorf("PlanSweep() = %v, want nil with autoRecover off", plan)
	}
}

func TestPlanSweepIncidentRateLimit(t *testing.T) {
	in := SweepInputs{
		Now:             time.Now(),
		StuckTasks:      []*db.Task{stuckTask("t1", 0)},
		Locks:           map[string]*db.TaskLock{},
		RecentIncidents: 20,
	}
	if plan := PlanSweep(in, sweepConfig()); plan != nil {
		t.Errorf("PlanSweep() = %v, want nil when the rate limit trips", plan)
	}
}

func TestPlanSweepOrphanedTask(t *testing.T) {
	now := time.Now()
	in := SweepInputs{
		Now:        now,
		StuckTasks: []*db.Task{stuckTask("t1", 0)},
		Locks: map[string]*db.TaskLock{
			"t1": {TaskID: "t1", RunnerID: "gone", AcquiredAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Hour)},
		},
		Runners: map[string]*db.Runner{},
	}
	plan := PlanSweep(in, sweepConfig())
	if len(plan) != 1 {
		t.Fatalf("plan has %d actions, want 1", len(plan))
	}
	a := plan[0]
	if a.FailureMode != db.FailureOrphanedTask {
		t.Errorf("FailureMode = %s, want orphaned_task", a.FailureMode)
	}
	if !a.ReleaseLock || a.NewStatus != db.StatusPending {
		t.Errorf("action = %+v", a)
	}
}

func TestPlanSweepDeadRunner(t *testing.T) {
	now := time.Now()
	pid := 4242
	in := SweepInputs{
		Now:        now,
		StuckTasks: []*db.Task{stuckTask("t1", 0)},
		Locks: map[string]*db.TaskLock{
			"t1": {TaskID: "t1", RunnerID: "r1", AcquiredAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute)},
		},
		Runners: map[string]*db.Runner{
			"r1": {ID: "r1", PID: &pid, Status: db.RunnerRunning, HeartbeatAt: now},
		},
		IsPIDAlive: func(int) bool { return false },
	}
	plan := PlanSweep(in, sweepConfig())
	if len(plan) != 1 || plan[0].FailureMode != db.FailureDeadRunner {
		t.Fatalf("plan = %+v, want one dead_runner action", plan)
	}
	if !plan[0].DeleteRunner {
		t.Error("dead runner row must be deleted")
	}
}

func TestPlanSweepZombieRunner(t *testing.T) {
	now := time.Now()
	pid := 4242
	in := SweepInputs{
		Now:        now,
		StuckTasks: []*db.Task{stuckTask("t1", 0)},
		Locks: map[string]*db.TaskLock{
			"t1": {TaskID: "t1", RunnerID: "r1", AcquiredAt: now.Add(-time.Hour), ExpiresAt: now.Add(-50 * time.Minute)},
		},
		Runners: map[string]*db.Runner{
			"r1": {ID: "r1", PID: &pid, Status: db.RunnerRunning, HeartbeatAt: now.Add(-time.Hour)},
		},
		IsPIDAlive: func(int) bool { return false },
	}
	plan := PlanSweep(in, sweepConfig())
	if len(plan) != 1 || plan[0].FailureMode != db.FailureZombieRunner {
		t.Fatalf("plan = %+v, want one zombie_runner action", plan)
	}
}

func TestPlanSweepHangingInvocation(t *testing.T) {
	now := time.Now()
	pid := 4242
	in := SweepInputs{
		Now:        now,
		StuckTasks: []*db.Task{stuckTask("t1", 0)},
		Locks: map[string]*db.TaskLock{
			"t1": {TaskID: "t1", RunnerID: "r1", AcquiredAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute)},
		},
		Runners: map[string]*db.Runner{
			"r1": {ID: "r1", PID: &pid, Status: db.RunnerRunning, HeartbeatAt: now},
		},
		RunningInvocations: map[string]*db.Invocation{
			"t1": {ID: "inv1", TaskID: "t1", StartedAt: now.Add(-time.Hour)},
		},
		IsPIDAlive: func(int) bool { return true },
	}
	plan := PlanSweep(in, sweepConfig())
	if len(plan) != 1 || plan[0].FailureMode != db.FailureHangingInvocation {
		t.Fatalf("plan = %+v, want one hanging_invocation action", plan)
	}
	if plan[0].KillPID != pid {
		t.Errorf("KillPID = %d, want %d", plan[0].KillPID, pid)
	}
}

func TestPlanSweepHealthyRunnerLeftAlone(t *testing.T) {
	now := time.Now()
	pid := 4242
	in := SweepInputs{
		Now:        now,
		StuckTasks: []*db.Task{stuckTask("t1", 0)},
		Locks: map[string]*db.TaskLock{
			"t1": {TaskID: "t1", RunnerID: "r1", AcquiredAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute)},
		},
		Runners: map[string]*db.Runner{
			"r1": {ID: "r1", PID: &pid, Status: db.RunnerRunning, HeartbeatAt: now},
		},
		IsPIDAlive: func(int) bool { return true },
	}
	if plan := PlanSweep(in, sweepConfig()); len(plan) != 0 {
		t.Errorf("plan = %+v, want empty for a healthy runner", plan)
	}
}

func TestPlanSweepSkipsAfterMaxAttempts(t *testing.T) {
	now := time.Now()
	in := SweepInputs{
		Now:        now,
		StuckTasks: []*db.Task{stuckTask("t1", 2)},
		Locks:      map[string]*db.TaskLock{},
	}
	plan := PlanSweep(in, sweepConfig())
	if len(plan) != 1 {
		t.Fatalf("plan has %d actions, want 1", len(plan))
	}
	if plan[0].NewStatus != db.StatusSkipped {
		t.Errorf("NewStatus = %s, want skipped after max attempts", plan[0].NewStatus)
	}
}

func TestSweeperRunAppliesPlan(t *testing.T) {
	gdb := db.NewTestGlobalDB(t)
	pdb := db.NewTestProjectDB(t)

	task := db.NewTask("stuck", "")
	task.Status = db.StatusInProgress
	task.UpdatedAt = time.Now().Add(-time.Hour)
	if err := pdb.SaveTask(task); err != nil {
		t.Fatal(err)
	}
	// Lock held by a runner that no longer exists in the global db.
	if err := pdb.AcquireTaskLock(task.ID, "vanished-runner", time.Minute); err != nil {
		t.Fatal(err)
	}

	s := &Sweeper{
		Project:    pdb,
		Global:     gdb,
		Config:     sweepConfig(),
		IsPIDAlive: func(int) bool { return false },
		KillPID:    func(int) {},
	}
	plan, err := s.Run(time.Now())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("plan has %d actions, want 1", len(plan))
	}

	got, err := pdb.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != db.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", got.FailureCount)
	}
	if got.LastFailureAt == nil {
		t.Error("last_failure_at not set")
	}

	lock, err := pdb.GetTaskLock(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lock != nil {
		t.Error("task lock survived the sweep")
	}

	incidents, err := pdb.ListUnresolvedIncidents("")
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 0 {
		t.Errorf("sweep incidents must be recorded pre-resolved, got %+v", incidents)
	}
	entries, err := pdb.ListAuditEntries(task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || entries[len(entries)-1].ToStatus != string(db.StatusPending) {
		t.Errorf("audit entries = %+v, want recovery transition", entries)
	}
}

func TestSweeperRateLimitShortCircuitMutatesNothing(t *testing.T) {
	pdb := db.NewTestProjectDB(t)

	task := db.NewTask("stuck", "")
	task.Status = db.StatusInProgress
	task.UpdatedAt = time.Now().Add(-time.Hour)
	if err := pdb.SaveTask(task); err != nil {
		t.Fatal(err)
	}
	// Flood the incident table past the hourly limit.
	for i := 0; i < 20; i++ {
		if _, err := pdb.RecordIncident(&db.Incident{
			FailureMode: db.FailureOrphanedTask,
			TaskID:      task.ID,
		}); err != nil {
			t.Fatal(err)
		}
	}

	s := &Sweeper{
		Project:    pdb,
		Config:     sweepConfig(),
		IsPIDAlive: func(int) bool { return false },
	}
	plan, err := s.Run(time.Now())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if plan != nil {
		t.Errorf("plan = %+v, want nil under rate limit", plan)
	}
	got, _ := pdb.GetTask(task.ID)
	if got.Status != db.StatusInProgress {
		t.Errorf("status = %s, task must be untouched", got.Status)
	}
}
