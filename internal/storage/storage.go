// Package storage defines the on-disk layout of Prodigy's global state
// directory. All durable artifacts (worktrees, checkpoints, event logs,
// DLQ files, debug logs) live under a single storage root, keyed by a
// deterministic repo name so that multiple repositories can share one root.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultRootDirName is the directory under $HOME used when no explicit
// storage root is configured.
const DefaultRootDirName = ".prodigy"

// Layout resolves paths under a storage root for a single repository.
type Layout struct {
	Root     string
	RepoName string
}

// NewLayout creates a Layout for the repository at repoPath. If root is
// empty, the default root (~/.prodigy) is used. Supports ~ expansion the
// same way config paths do.
func NewLayout(root, repoPath string) (*Layout, error) {
	resolved, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}
	return &Layout{Root: resolved, RepoName: RepoName(abs)}, nil
}

func resolveRoot(root string) (string, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, DefaultRootDirName), nil
	}
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, root[2:]), nil
	}
	return root, nil
}

var repoNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// RepoName derives a stable directory-safe name from an absolute repo path.
// It is the normalized basename; characters outside [a-zA-Z0-9._-] collapse
// to a single dash.
func RepoName(absPath string) string {
	base := filepath.Base(filepath.Clean(absPath))
	name := repoNameSanitizer.ReplaceAllString(base, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "repo"
	}
	return name
}

// WorktreesDir is the per-repo base directory for agent worktrees.
func (l *Layout) WorktreesDir() string {
	return filepath.Join(l.Root, "worktrees", l.RepoName)
}

// WorktreePath is the directory for one worktree session.
func (l *Layout) WorktreePath(sessionID string) string {
	return filepath.Join(l.WorktreesDir(), sessionID)
}

// WorktreeMetadataDir holds per-session JSON state records.
func (l *Layout) WorktreeMetadataDir() string {
	return filepath.Join(l.WorktreesDir(), ".metadata")
}

// StateDir holds checkpoints for one job.
func (l *Layout) StateDir(jobID string) string {
	return filepath.Join(l.Root, "state", l.RepoName, jobID)
}

// EventsDir holds the event log for one job.
func (l *Layout) EventsDir(jobID string) string {
	return filepath.Join(l.Root, "events", l.RepoName, jobID)
}

// DLQDir holds the dead letter queue for one job.
func (l *Layout) DLQDir(jobID string) string {
	return filepath.Join(l.Root, "dlq", l.RepoName, jobID)
}

// LogPath is the debug log file for one job.
func (l *Layout) LogPath(jobID string) string {
	return filepath.Join(l.Root, "logs", l.RepoName, jobID+".log")
}

// JobIDs lists job ids that have state under this layout, newest-agnostic
// (directory order).
func (l *Layout) JobIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.Root, "state", l.RepoName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
