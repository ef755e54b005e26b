// Package gitx wraps the git subprocess invocations the engine needs:
// worktree add/list/remove, branch inspection, commit harvesting, and the
// merge/abort pair used by the reduce-phase integration. All commands run
// with GIT_TERMINAL_PROMPT=0 so nothing ever blocks on interactive input.
package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	engerr "github.com/iepathos/prodigy/internal/errors"
)

// Repo runs git commands against one repository working directory.
type Repo struct {
	dir string
}

// FindRoot finds the root of the git repository by walking up from
// startDir. The .git entry may be a directory (normal repo) or a file
// (worktree).
func FindRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// Open returns a Repo rooted at the repository containing dir.
func Open(dir string) (*Repo, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindEnvironment, fmt.Sprintf("not a git repository: %s", dir), err)
	}
	return &Repo{dir: root}, nil
}

// At returns a Repo that runs commands in dir without validating it. Used
// for worktree directories whose .git is managed by the parent repo.
func At(dir string) *Repo { return &Repo{dir: dir} }

// Dir returns the directory commands run in.
func (r *Repo) Dir() string { return r.dir }

// run executes git with non-interactive prompts disabled, returning
// combined output.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// CurrentBranch returns the symbolic name of HEAD, or an empty string when
// HEAD is detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

// DefaultBranch returns "main" if it exists, else "master".
func (r *Repo) DefaultBranch(ctx context.Context) string {
	if r.BranchExists(ctx, "main") {
		return "main"
	}
	return "master"
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// Head returns the SHA of HEAD.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddWorktree creates a worktree at path with a new branch created from the
// current HEAD. Fails without partial state: if the git command fails, any
// directory it may have left behind is removed and refs pruned.
func (r *Repo) AddWorktree(ctx context.Context, path, branch string) error {
	if r.BranchExists(ctx, branch) {
		return engerr.Wrap(engerr.KindWorktreeCreate,
			fmt.Sprintf("branch %s already exists", branch), engerr.ErrBranchExists).
			WithRetriable(false)
	}

	if _, err := r.run(ctx, "worktree", "add", "-b", branch, path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = r.run(ctx, "worktree", "prune")
		return engerr.Wrap(engerr.KindWorktreeCreate, "failed to create worktree", err).
			WithWorktree(path)
	}
	return nil
}

// AttachWorktree leases a worktree at path checked out on an existing
// branch. Used on resume, when an agent branch from a prior run must keep
// its commits. A worktree left behind by a crashed run may still be
// registered at path: it is reused as-is when it already sits on branch,
// and removed first otherwise.
func (r *Repo) AttachWorktree(ctx context.Context, path, branch string) error {
	current, err := r.WorktreeBranch(ctx, path)
	if err != nil {
		return engerr.Wrap(engerr.KindWorktreeCreate, "listing worktrees", err).WithWorktree(path)
	}
	_, statErr := os.Stat(path)
	if current == branch && statErr == nil {
		return nil
	}
	if current != "" || statErr == nil {
		if err := r.RemoveWorktree(ctx, path); err != nil {
			return engerr.Wrap(engerr.KindWorktreeCreate, "clearing stale worktree", err).WithWorktree(path)
		}
	}

	if _, err := r.run(ctx, "worktree", "add", path, branch); err != nil {
		_ = os.RemoveAll(path)
		_, _ = r.run(ctx, "worktree", "prune")
		return engerr.Wrap(engerr.KindWorktreeCreate,
			fmt.Sprintf("failed to attach worktree to %s", branch), err).WithWorktree(path)
	}
	return nil
}

// RemoveWorktree force-removes a worktree then prunes stale refs.
// Idempotent: a missing worktree is not an error.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := r.run(ctx, "worktree", "remove", "--force", path); err != nil {
		// Fall back to manual cleanup; prune makes git forget the entry.
		if rmErr := os.RemoveAll(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
	}
	_, _ = r.run(ctx, "worktree", "prune")
	return nil
}

// ListWorktrees returns the paths of all worktrees attached to the repo.
func (r *Repo) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// WorktreeBranch reports the branch checked out in the worktree registered
// at path, or "" when no worktree is registered there (a detached worktree
// also reports "").
func (r *Repo) WorktreeBranch(ctx context.Context, path string) (string, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return "", err
	}

	want := filepath.Clean(path)
	var current string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = filepath.Clean(strings.TrimPrefix(line, "worktree "))
		case strings.HasPrefix(line, "branch ") && current == want:
			return strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/"), nil
		}
	}
	return "", nil
}

// DeleteBranch deletes a local branch.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "branch", "-D", branch)
	return err
}

// Checkout switches the working tree to the given branch.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "checkout", branch)
	return err
}

// CommitsBetween returns commit SHAs on head but not on base, oldest first.
func (r *Repo) CommitsBetween(ctx context.Context, base, head string) ([]string, error) {
	out, err := r.run(ctx, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (r *Repo) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(out)) > 0, nil
}

// Merge merges branch into the current branch with --no-ff. On conflict the
// merge is aborted so the tree is never left partially merged, and the
// returned error is a MergeConflict carrying the conflicted files.
func (r *Repo) Merge(ctx context.Context, branch, message string) error {
	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	out, err := r.run(ctx, args...)
	if err == nil {
		return nil
	}

	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		files, _ := r.ConflictingFiles(ctx)
		if abortErr := r.AbortMerge(ctx); abortErr != nil {
			return engerr.Wrap(engerr.KindMergeConflict,
				fmt.Sprintf("merge of %s conflicted and abort failed", branch), abortErr)
		}
		return engerr.NewError(engerr.KindMergeConflict,
			fmt.Sprintf("merge of %s conflicted: %s", branch, strings.Join(files, ", ")))
	}
	return fmt.Errorf("merge of %s failed: %w", branch, err)
}

// AbortMerge aborts an in-progress merge.
func (r *Repo) AbortMerge(ctx context.Context) error {
	_, err := r.run(ctx, "merge", "--abort")
	return err
}

// ConflictingFiles lists files with unresolved merge conflicts.
func (r *Repo) ConflictingFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}
