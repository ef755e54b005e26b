package worktree

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/gitx"
	"github.com/iepathos/prodigy/internal/storage"
	"github.com/iepathos/prodigy/internal/testutil"
)

func newTestPool(t *testing.T) (*Pool, string) {
	t.Helper()
	repoDir := testutil.SetupTestRepo(t)
	repo, err := gitx.Open(repoDir)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	layout, err := storage.NewLayout(t.TempDir(), repoDir)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPool(repo, layout, "prodigy", log), repoDir
}

func TestCreateSession(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	s, err := pool.CreateSession(ctx, "agent-job1-a")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Branch != "prodigy-agent-job1-a" {
		t.Errorf("branch = %q", s.Branch)
	}
	if s.OriginalBranch != "main" {
		t.Errorf("original branch = %q", s.OriginalBranch)
	}
	if s.Status != StatusInProgress {
		t.Errorf("status = %s", s.Status)
	}
	if _, err := os.Stat(filepath.Join(s.Path, "README.md")); err != nil {
		t.Error("worktree should contain a checkout")
	}

	loaded, err := pool.Get("agent-job1-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Branch != s.Branch || loaded.Path != s.Path {
		t.Errorf("persisted session diverges: %+v", loaded)
	}
}

func TestCreateSessionBranchConflict(t *testing.T) {
	pool, repoDir := newTestPool(t)
	ctx := context.Background()

	if err := testutil.RunGit(repoDir, "branch", "prodigy-taken"); err != nil {
		t.Fatalf("pre-create branch: %v", err)
	}
	_, err := pool.CreateSession(ctx, "taken")
	if !engerr.Is(err, engerr.ErrBranchExists) {
		t.Errorf("expected ErrBranchExists, got %v", err)
	}
	if engerr.IsRetriable(err) {
		t.Error("branch conflicts are fatal, not retriable")
	}
}

func TestAttachSessionKeepsPriorCommits(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	s, err := pool.CreateSession(ctx, "agent-job1-x")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	testutil.Commit(t, s.Path, "prior work", map[string]string{"work.txt": "v1\n"})

	// Simulate a crash that lost the worktree but kept the branch.
	if err := pool.repo.RemoveWorktree(ctx, s.Path); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}

	attached, err := pool.AttachSession(ctx, "agent-job1-x")
	if err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	if _, err := os.Stat(filepath.Join(attached.Path, "work.txt")); err != nil {
		t.Error("attached worktree should observe the prior commit")
	}
	if attached.Branch != s.Branch {
		t.Errorf("branch = %q, want %q", attached.Branch, s.Branch)
	}
}

func TestAttachSessionReusesSurvivingWorktree(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	s, err := pool.CreateSession(ctx, "agent-job1-y")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	testutil.Commit(t, s.Path, "prior work", map[string]string{"work.txt": "v1\n"})

	// A hard crash leaves both the worktree directory and its git
	// registration behind. Reattaching must reuse them, not fail on a
	// second worktree add.
	attached, err := pool.AttachSession(ctx, "agent-job1-y")
	if err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	if attached.Path != s.Path {
		t.Errorf("path = %q, want %q", attached.Path, s.Path)
	}
	if attached.Status != StatusInProgress {
		t.Errorf("status = %s", attached.Status)
	}
	if _, err := os.Stat(filepath.Join(attached.Path, "work.txt")); err != nil {
		t.Error("surviving worktree should keep the prior commit")
	}

	// The reattached lease must accept new commits on the same branch.
	testutil.Commit(t, attached.Path, "resumed work", map[string]string{"work.txt": "v2\n"})
	commits, err := pool.repo.CommitsBetween(ctx, "main", attached.Branch)
	if err != nil {
		t.Fatalf("CommitsBetween: %v", err)
	}
	if len(commits) != 2 {
		t.Errorf("commits on branch = %d, want 2", len(commits))
	}
}

func TestCleanupSessionIdempotent(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	s, err := pool.CreateSession(ctx, "short-lived")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := pool.CleanupSession(ctx, "short-lived"); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}
	if _, err := pool.Get("short-lived"); !engerr.Is(err, engerr.ErrWorktreeNotFound) {
		t.Error("metadata should be gone")
	}

	// Second cleanup is a no-op.
	if err := pool.CleanupSession(ctx, "short-lived"); err != nil {
		t.Errorf("cleanup should be idempotent: %v", err)
	}
}

func TestMergeSession(t *testing.T) {
	pool, repoDir := newTestPool(t)
	ctx := context.Background()

	s, err := pool.CreateSession(ctx, "merge-me")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	testutil.Commit(t, s.Path, "agent work", map[string]string{"agent.txt": "done\n"})

	if err := pool.MergeSession(ctx, "merge-me", ""); err != nil {
		t.Fatalf("MergeSession: %v", err)
	}

	if _, err := os.Stat(filepath.Join(repoDir, "agent.txt")); err != nil {
		t.Error("merged file should exist on the parent branch")
	}
	loaded, _ := pool.Get("merge-me")
	if loaded.Status != StatusMerged || loaded.Merge == nil || !loaded.Merge.Merged {
		t.Errorf("session not marked merged: %+v", loaded)
	}
}

func TestMergeSessionConflict(t *testing.T) {
	pool, repoDir := newTestPool(t)
	ctx := context.Background()

	s, err := pool.CreateSession(ctx, "conflicted")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Both sides edit the same line of the same file.
	testutil.Commit(t, s.Path, "agent side", map[string]string{"shared.txt": "agent\n"})
	testutil.Commit(t, repoDir, "parent side", map[string]string{"shared.txt": "parent\n"})

	err = pool.MergeSession(ctx, "conflicted", "")
	if engerr.ClassifyKind(err) != engerr.KindMergeConflict {
		t.Fatalf("kind = %s, want MergeConflict (err=%v)", engerr.ClassifyKind(err), err)
	}

	// The abort must leave the parent tree clean.
	repo, _ := gitx.Open(repoDir)
	dirty, gerr := repo.HasUncommittedChanges(ctx)
	if gerr != nil || dirty {
		t.Errorf("parent tree dirty after aborted merge: dirty=%v err=%v", dirty, gerr)
	}

	loaded, _ := pool.Get("conflicted")
	if loaded.Status != StatusFailed {
		t.Errorf("status = %s, want failed", loaded.Status)
	}
	if loaded.Merge == nil || len(loaded.Merge.Conflicts) == 0 {
		t.Errorf("conflicted files not recorded: %+v", loaded.Merge)
	}
}

func TestListSessionsReconciles(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	if _, err := pool.CreateSession(ctx, "alive"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	gone, err := pool.CreateSession(ctx, "gone")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Remove the second worktree behind the pool's back.
	if err := pool.repo.RemoveWorktree(ctx, gone.Path); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}

	sessions, err := pool.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	byName := map[string]*Session{}
	for _, s := range sessions {
		byName[s.Name] = s
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if byName["alive"].Detached {
		t.Error("tracked worktree should not be detached")
	}
	if !byName["gone"].Detached {
		t.Error("removed worktree should be detached")
	}
}

func TestCleanupInterrupted(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	if _, err := pool.CreateSession(ctx, "running"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := pool.CreateSession(ctx, "stopped"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := pool.SetStatus("stopped", StatusInterrupted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	cleaned, err := pool.CleanupInterrupted(ctx)
	if err != nil {
		t.Fatalf("CleanupInterrupted: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "stopped" {
		t.Errorf("cleaned = %v, want [stopped]", cleaned)
	}
	if _, err := pool.Get("running"); err != nil {
		t.Error("in-progress session must survive")
	}
	if _, err := pool.Get("stopped"); !engerr.Is(err, engerr.ErrWorktreeNotFound) {
		t.Error("interrupted session should be cleaned")
	}
}
