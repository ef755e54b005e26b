// Package worktree manages the pool of per-agent Git worktrees: isolated
// working copies leased to agents for the duration of one attempt, merged
// back into the parent branch after the reduce phase, and cleaned up on
// success or explicit request.
package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status tracks where a session is in its lifecycle.
type Status string

const (
	StatusInProgress  Status = "in-progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusMerged      Status = "merged"
	StatusInterrupted Status = "interrupted"
)

// MergeState records the outcome of merging a session's branch.
type MergeState struct {
	Merged    bool       `json:"merged"`
	Conflicts []string   `json:"conflicts,omitempty"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
}

// Session is one worktree lease. The JSON form is persisted under the
// pool's .metadata directory so sessions survive the process.
type Session struct {
	Name           string      `json:"name"`
	Branch         string      `json:"branch"`
	Path           string      `json:"path"`
	OriginalBranch string      `json:"original_branch"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Merge          *MergeState `json:"merge,omitempty"`

	// Detached is set by ListSessions when the metadata record survives
	// but git no longer tracks the worktree. Not persisted.
	Detached bool `json:"-"`
}

// saveSession writes the session record atomically.
func saveSession(metaDir string, s *Session) error {
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	s.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := filepath.Join(metaDir, s.Name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit session metadata: %w", err)
	}
	return nil
}

// loadSession reads one session record.
func loadSession(metaDir, name string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(metaDir, name+".json"))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", name, err)
	}
	return &s, nil
}

// deleteSession removes the metadata record; missing records are fine.
func deleteSession(metaDir, name string) error {
	err := os.Remove(filepath.Join(metaDir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
