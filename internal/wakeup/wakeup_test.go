package wakeup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
)

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []string
	nextPID int
	fail    bool
}

func (f *fakeSpawner) Spawn(_ context.Context, projectPath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, context.DeadlineExceeded
	}
	f.spawned = append(f.spawned, projectPath)
	f.nextPID++
	return 1000 + f.nextPID, nil
}

func newController(t *testing.T, fixtures map[string]*db.ProjectDB) (*Controller, *db.GlobalDB, *fakeSpawner) {
	t.Helper()
	gdb := db.NewTestGlobalDB(t)
	spawner := &fakeSpawner{}
	c := &Controller{
		Global:  gdb,
		Spawner: spawner,
		OpenProject: func(path string) (*db.ProjectDB, error) {
			pdb, ok := fixtures[path]
			if !ok {
				t.Fatalf("unexpected project open: %s", path)
			}
			return pdb, nil
		},
		PathExists: func(string) bool { return true },
		IsPIDAlive: func(int) bool { return true },
	}
	return c, gdb, spawner
}

func outcomes(results []Result) map[string]Result {
	m := make(map[string]Result)
	for _, r := range results {
		key := r.Path
		if key == "" {
			key = r.Outcome
		}
		m[key] = r
	}
	return m
}

func TestWakeupNoProjects(t *testing.T) {
	c, _, _ := newController(t, nil)
	results, err := c.Wakeup(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Reason != "No registered projects" {
		t.Errorf("results = %+v", results)
	}
}

func TestWakeupMixedProjects(t *testing.T) {
	work := db.NewTestProjectDB(t)
	idle := db.NewTestProjectDB(t)
	busy := db.NewTestProjectDB(t)

	// /work has a pending task, /idle has nothing actionable, /busy has
	// an active runner, /gone does not exist on disk.
	if err := work.SaveTask(db.NewTask("do it", "")); err != nil {
		t.Fatal(err)
	}
	busyTask := db.NewTask("claimed", "")
	if err := busy.SaveTask(busyTask); err != nil {
		t.Fatal(err)
	}

	fixtures := map[string]*db.ProjectDB{
		"/work": work,
		"/idle": idle,
		"/busy": busy,
	}
	c, gdb, spawner := newController(t, fixtures)
	c.PathExists = func(path string) bool { return path != "/gone" }

	for _, p := range []string{"/work", "/idle", "/busy", "/gone"} {
		if _, err := gdb.RegisterProject(p[1:], p); err != nil {
			t.Fatal(err)
		}
	}
	pid := 4242
	if err := gdb.UpsertRunner(&db.Runner{
		ID: "r-busy", PID: &pid, Status: db.RunnerRunning, ProjectPath: "/busy",
	}); err != nil {
		t.Fatal(err)
	}

	results, err := c.Wakeup(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	byPath := outcomes(results)

	if r := byPath["/work"]; r.Outcome != OutcomeStarted || r.PID == 0 {
		t.Errorf("/work = %+v, want started with pid", r)
	}
	if r := byPath["/idle"]; r.Outcome != OutcomeNone || r.Reason != "No pending tasks" {
		t.Errorf("/idle = %+v", r)
	}
	if r := byPath["/busy"]; r.Outcome != OutcomeNone || r.Reason != "already active" {
		t.Errorf("/busy = %+v", r)
	}
	if r := byPath["/gone"]; r.Outcome != OutcomeNone || r.Reason != "not found" {
		t.Errorf("/gone = %+v", r)
	}
	if len(spawner.spawned) != 1 || spawner.spawned[0] != "/work" {
		t.Errorf("spawned = %v", spawner.spawned)
	}
}

func TestWakeupDryRun(t *testing.T) {
	work := db.NewTestProjectDB(t)
	if err := work.SaveTask(db.NewTask("do it", "")); err != nil {
		t.Fatal(err)
	}
	c, gdb, spawner := newController(t, map[string]*db.ProjectDB{"/work": work})
	if _, err := gdb.RegisterProject("work", "/work"); err != nil {
		t.Fatal(err)
	}

	results, err := c.Wakeup(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	byPath := outcomes(results)
	if r := byPath["/work"]; r.Outcome != OutcomeWouldStart {
		t.Errorf("/work = %+v, want would_start", r)
	}
	if len(spawner.spawned) != 0 {
		t.Errorf("dry run spawned %v", spawner.spawned)
	}
}

func TestWakeupCleansStaleRunners(t *testing.T) {
	c, gdb, _ := newController(t, map[string]*db.ProjectDB{})
	deadPID := 999999

	if err := gdb.UpsertRunner(&db.Runner{
		ID: "r-stale", PID: &deadPID, Status: db.RunnerRunning, ProjectPath: "/x",
		HeartbeatAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	c.IsPIDAlive = func(pid int) bool { return pid != deadPID }

	results, err := c.Wakeup(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Outcome != OutcomeCleaned || results[0].Count != 1 {
		t.Errorf("results[0] = %+v, want cleaned count 1", results[0])
	}
	runners, err := gdb.ListRunners()
	if err != nil {
		t.Fatal(err)
	}
	if len(runners) != 0 {
		t.Errorf("runners = %+v, want stale row deleted", runners)
	}
}

func TestWakeupParallelRunnerDoesNotBlock(t *testing.T) {
	work := db.NewTestProjectDB(t)
	if err := work.SaveTask(db.NewTask("do it", "")); err != nil {
		t.Fatal(err)
	}
	c, gdb, spawner := newController(t, map[string]*db.ProjectDB{"/work": work})
	if _, err := gdb.RegisterProject("work", "/work"); err != nil {
		t.Fatal(err)
	}

	// A parallel-session runner must not count as "already active".
	session, err := gdb.CreateParallelSession("/work")
	if err != nil {
		t.Fatal(err)
	}
	pid := 4242
	if err := gdb.UpsertRunner(&db.Runner{
		ID: "r-par", PID: &pid, Status: db.RunnerRunning, ProjectPath: "/work",
		ParallelSessionID: session.ID,
	}); err != nil {
		t.Fatal(err)
	}

	results, err := c.Wakeup(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r := outcomes(results)["/work"]; r.Outcome != OutcomeStarted {
		t.Errorf("/work = %+v, want started despite parallel runner", r)
	}
	if len(spawner.spawned) != 1 {
		t.Errorf("spawned = %v", spawner.spawned)
	}
}
