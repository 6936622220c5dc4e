package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "Initial commit")

	return tmpDir
}

func TestIsRepo(t *testing.T) {
	ctx := context.Background()

	g := New(setupTestRepo(t))
	if !g.IsRepo(ctx) {
		t.Error("IsRepo() = false inside a repo")
	}

	g = New(t.TempDir())
	if g.IsRepo(ctx) {
		t.Error("IsRepo() = true outside a repo")
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	ctx := context.Background()
	tmpDir := setupTestRepo(t)
	g := New(tmpDir)

	dirty, err := g.HasUncommittedChanges(ctx)
	if err != nil {
		t.Fatalf("HasUncommittedChanges() failed: %v", err)
	}
	if dirty {
		t.Error("fresh repo reported dirty")
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "dirty.txt"), []byte("dirty"), 0o644); err != nil {
		t.Fatal(err)
	}

	dirty, err = g.HasUncommittedChanges(ctx)
	if err != nil {
		t.Fatalf("HasUncommittedChanges() failed: %v", err)
	}
	if !dirty {
		t.Error("untracked file not reported")
	}
}

func TestStageCommitAndHead(t *testing.T) {
	ctx := context.Background()
	tmpDir := setupTestRepo(t)
	g := New(tmpDir)

	before, err := g.HeadSHA(ctx)
	if err != nil {
		t.Fatalf("HeadSHA() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "work.txt"), []byte("done"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := g.StageAll(ctx); err != nil {
		t.Fatalf("StageAll() failed: %v", err)
	}
	if err := g.Commit(ctx, "Implement work item"); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	after, err := g.HeadSHA(ctx)
	if err != nil {
		t.Fatalf("HeadSHA() failed: %v", err)
	}
	if before == after {
		t.Error("HEAD did not move after commit")
	}

	commits, err := g.RecentCommits(ctx, 5)
	if err != nil {
		t.Fatalf("RecentCommits() failed: %v", err)
	}
	if len(commits) != 2 || !strings.Contains(commits[0], "Implement work item") {
		t.Errorf("RecentCommits() = %v", commits)
	}

	dirty, _ := g.HasUncommittedChanges(ctx)
	if dirty {
		t.Error("repo dirty after commit")
	}
}

func TestChangedFiles(t *testing.T) {
	ctx := context.Background()
	tmpDir := setupTestRepo(t)
	g := New(tmpDir)

	files, err := g.ChangedFiles(ctx)
	if err != nil {
		t.Fatalf("ChangedFiles() failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ChangedFiles() = %v on clean repo", files)
	}

	_ = os.WriteFile(filepath.Join(tmpDir, "a.txt"), []byte("a"), 0o644)
	_ = os.WriteFile(filepath.Join(tmpDir, "b.txt"), []byte("b"), 0o644)

	files, err = g.ChangedFiles(ctx)
	if err != nil {
		t.Fatalf("ChangedFiles() failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("ChangedFiles() = %v, want 2 entries", files)
	}
}

func TestDiffSummary(t *testing.T) {
	ctx := context.Background()
	tmpDir := setupTestRepo(t)
	g := New(tmpDir)

	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# Changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := g.DiffSummary(ctx)
	if err != nil {
		t.Fatalf("DiffSummary() failed: %v", err)
	}
	if !strings.Contains(summary, "README.md") {
		t.Errorf("DiffSummary() = %q, want README.md mentioned", summary)
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	tmpDir := setupTestRepo(t)
	g := New(tmpDir)

	_ = os.WriteFile(filepath.Join(tmpDir, "new.txt"), []byte("x"), 0o644)

	snap, err := g.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if !snap.Dirty {
		t.Error("Snapshot().Dirty = false")
	}
	if len(snap.ChangedFiles) != 1 || snap.ChangedFiles[0] != "new.txt" {
		t.Errorf("ChangedFiles = %v", snap.ChangedFiles)
	}
	if len(snap.RecentCommits) != 1 {
		t.Errorf("RecentCommits = %v", snap.RecentCommits)
	}
}

func TestCurrentBranch(t *testing.T) {
	ctx := context.Background()
	g := New(setupTestRepo(t))

	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != "main" && branch != "master" {
		t.Errorf("CurrentBranch() = %s, want main or master", branch)
	}
}
