package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/gitx"
	"github.com/iepathos/prodigy/internal/storage"
)

// Pool creates, tracks, merges, and cleans worktree sessions for one
// repository. All worktree-mutating git commands are serialized through
// the pool so no two of them run concurrently on the same repo.
type Pool struct {
	repo   *gitx.Repo
	layout *storage.Layout
	prefix string
	log    *slog.Logger

	mu sync.Mutex
}

// NewPool returns a pool over repo using the given storage layout. prefix
// is the branch prefix that marks pool-owned branches, default "prodigy".
func NewPool(repo *gitx.Repo, layout *storage.Layout, prefix string, log *slog.Logger) *Pool {
	if prefix == "" {
		prefix = "prodigy"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{repo: repo, layout: layout, prefix: prefix, log: log}
}

// BranchFor returns the branch name a session id maps to.
func (p *Pool) BranchFor(sessionID string) string {
	return p.prefix + "-" + sessionID
}

// metaDir is where session records live.
func (p *Pool) metaDir() string {
	return p.layout.WorktreeMetadataDir()
}

// CreateSession adds a worktree with a fresh branch for sessionID and
// persists its metadata. The current branch (or the default branch when
// HEAD is detached) is recorded as the branch to merge back into. Failure
// leaves no partial state on disk.
func (p *Pool) CreateSession(ctx context.Context, sessionID string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	original, err := p.repo.CurrentBranch(ctx)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindWorktreeCreate, "reading current branch", err)
	}
	if original == "" {
		original = p.repo.DefaultBranch(ctx)
	}

	branch := p.BranchFor(sessionID)
	path := p.layout.WorktreePath(sessionID)
	if err := p.repo.AddWorktree(ctx, path, branch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		Name:           sessionID,
		Branch:         branch,
		Path:           path,
		OriginalBranch: original,
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := saveSession(p.metaDir(), session); err != nil {
		_ = p.repo.RemoveWorktree(ctx, path)
		_ = p.repo.DeleteBranch(ctx, branch)
		return nil, engerr.Wrap(engerr.KindWorktreeCreate, "persisting session metadata", err)
	}

	p.log.Debug("created worktree session",
		"session", sessionID, "branch", branch, "path", path)
	return session, nil
}

// AttachSession leases a worktree on an existing session branch instead of
// creating a new one. Used on resume so an agent's prior commits stay on
// its branch.
func (p *Pool) AttachSession(ctx context.Context, sessionID string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	original, err := p.repo.CurrentBranch(ctx)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindWorktreeCreate, "reading current branch", err)
	}
	if original == "" {
		original = p.repo.DefaultBranch(ctx)
	}

	branch := p.BranchFor(sessionID)
	path := p.layout.WorktreePath(sessionID)
	if err := p.repo.AttachWorktree(ctx, path, branch); err != nil {
		return nil, err
	}

	// Keep the original branch from the prior run when the record survives.
	if prior, err := p.Get(sessionID); err == nil && prior.OriginalBranch != "" {
		original = prior.OriginalBranch
	}

	now := time.Now().UTC()
	session := &Session{
		Name:           sessionID,
		Branch:         branch,
		Path:           path,
		OriginalBranch: original,
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := saveSession(p.metaDir(), session); err != nil {
		_ = p.repo.RemoveWorktree(ctx, path)
		return nil, engerr.Wrap(engerr.KindWorktreeCreate, "persisting session metadata", err)
	}
	p.log.Debug("attached worktree session", "session", sessionID, "branch", branch)
	return session, nil
}

// Get loads one session record.
func (p *Pool) Get(name string) (*Session, error) {
	s, err := loadSession(p.metaDir(), name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engerr.ErrWorktreeNotFound
		}
		return nil, err
	}
	return s, nil
}

// SetStatus updates the session's lifecycle status.
func (p *Pool) SetStatus(name string, status Status) error {
	s, err := p.Get(name)
	if err != nil {
		return err
	}
	s.Status = status
	return saveSession(p.metaDir(), s)
}

// CleanupSession force-removes the session's worktree, deletes its branch,
// and drops its metadata. Idempotent: cleaning an unknown session is a
// no-op.
func (p *Pool) CleanupSession(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.Get(name)
	if err != nil {
		if engerr.Is(err, engerr.ErrWorktreeNotFound) {
			return nil
		}
		return err
	}

	if err := p.repo.RemoveWorktree(ctx, s.Path); err != nil {
		return err
	}
	// Merged branches are already integrated; unmerged ones are only
	// deleted together with their worktree, so -D is safe here.
	if err := p.repo.DeleteBranch(ctx, s.Branch); err != nil {
		p.log.Debug("branch already gone", "branch", s.Branch, "error", err)
	}
	if err := deleteSession(p.metaDir(), name); err != nil {
		return fmt.Errorf("failed to drop session metadata: %w", err)
	}

	p.log.Debug("cleaned worktree session", "session", name)
	return nil
}

// MergeSession merges the session's branch into its original branch with
// --no-ff. On conflict the merge is aborted, the conflicted files are
// recorded on the session, and a MergeConflict error is returned; the
// parent branch is never left partially merged.
func (p *Pool) MergeSession(ctx context.Context, name, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.Get(name)
	if err != nil {
		return err
	}

	current, err := p.repo.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current != s.OriginalBranch {
		if err := p.repo.Checkout(ctx, s.OriginalBranch); err != nil {
			return engerr.Wrap(engerr.KindEnvironment,
				fmt.Sprintf("checking out %s for merge", s.OriginalBranch), err)
		}
	}

	if message == "" {
		message = fmt.Sprintf("Merge %s", s.Branch)
	}
	if err := p.repo.Merge(ctx, s.Branch, message); err != nil {
		if engerr.ClassifyKind(err) == engerr.KindMergeConflict {
			s.Status = StatusFailed
			s.Merge = &MergeState{Conflicts: conflictsFromError(err)}
			if serr := saveSession(p.metaDir(), s); serr != nil {
				p.log.Warn("failed to record merge conflict", "session", name, "error", serr)
			}
		}
		return err
	}

	now := time.Now().UTC()
	s.Status = StatusMerged
	s.Merge = &MergeState{Merged: true, MergedAt: &now}
	if err := saveSession(p.metaDir(), s); err != nil {
		return fmt.Errorf("failed to record merge: %w", err)
	}

	p.log.Info("merged worktree session",
		"session", name, "branch", s.Branch, "into", s.OriginalBranch)
	return nil
}

// ListSessions returns every persisted session, reconciled against
// git worktree list: sessions git no longer tracks are marked Detached.
func (p *Pool) ListSessions(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(p.metaDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read metadata directory: %w", err)
	}

	tracked := map[string]bool{}
	if paths, err := p.repo.ListWorktrees(ctx); err == nil {
		for _, wt := range paths {
			tracked[wt] = true
		}
	}

	var sessions []*Session
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		s, err := loadSession(p.metaDir(), name)
		if err != nil {
			p.log.Warn("skipping unreadable session record", "name", name, "error", err)
			continue
		}
		s.Detached = !tracked[s.Path]
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// CleanupInterrupted removes every session left with status interrupted.
// The resume path calls this after the interrupted items have been moved
// back to pending. Returns the names cleaned.
func (p *Pool) CleanupInterrupted(ctx context.Context) ([]string, error) {
	sessions, err := p.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var cleaned []string
	for _, s := range sessions {
		if s.Status != StatusInterrupted {
			continue
		}
		if err := p.CleanupSession(ctx, s.Name); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, s.Name)
	}
	return cleaned, nil
}

// conflictsFromError pulls the conflicted file list out of a merge error
// message. Best effort; an empty list is fine.
func conflictsFromError(err error) []string {
	msg := err.Error()
	i := strings.LastIndex(msg, "conflicted: ")
	if i < 0 {
		return nil
	}
	var files []string
	for _, f := range strings.Split(msg[i+len("conflicted: "):], ", ") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}
