// Package checkpoint persists durable job state as versioned JSON files.
// Each save writes checkpoint-v{N}.json and repoints the "latest" marker,
// so a crash mid-write can never corrupt the previous good version.
package checkpoint

import (
	"encoding/json"
	"time"
)

// WorkItem is one frozen input item, kept in original order.
type WorkItem struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// AgentResult records a successful agent run for one item.
type AgentResult struct {
	AgentID    string    `json:"agent_id"`
	Attempt    int       `json:"attempt"`
	Branch     string    `json:"branch"`
	Commits    []string  `json:"commits,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// FailureRecord records a terminally failed item.
type FailureRecord struct {
	Attempts     int       `json:"attempts"`
	ErrorKind    string    `json:"error_kind"`
	Error        string    `json:"error"`
	Worktree     string    `json:"worktree,omitempty"`
	DeadLettered bool      `json:"dead_lettered"`
	FailedAt     time.Time `json:"failed_at"`
}

// PhaseState tracks progress of a non-map phase (reduce, merge).
type PhaseState struct {
	Started   bool   `json:"started"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// Checkpoint is a full snapshot of job progress. Items in none of
// completed, failed, or pending were in flight when the snapshot was taken;
// NormalizeForResume moves them back to pending.
type Checkpoint struct {
	JobID           string                   `json:"job_id"`
	Version         int                      `json:"checkpoint_version"`
	IsComplete      bool                     `json:"is_complete"`
	WorkItems       []WorkItem               `json:"work_items"`
	CompletedAgents map[string]AgentResult   `json:"completed_agents"`
	FailedAgents    map[string]FailureRecord `json:"failed_agents"`
	PendingItems    []string                 `json:"pending_items"`
	ReduceState     *PhaseState              `json:"reduce_phase_state"`
	MergeState      *PhaseState              `json:"merge_phase_state,omitempty"`
	Config          json.RawMessage          `json:"config"`
	CreatedAt       time.Time                `json:"created_at"`
}

// New builds an initial checkpoint: every work item pending, nothing run.
func New(jobID string, items []WorkItem, config json.RawMessage) *Checkpoint {
	pending := make([]string, len(items))
	for i, it := range items {
		pending[i] = it.ID
	}
	return &Checkpoint{
		JobID:           jobID,
		WorkItems:       items,
		CompletedAgents: make(map[string]AgentResult),
		FailedAgents:    make(map[string]FailureRecord),
		PendingItems:    pending,
		Config:          config,
	}
}

// Counts tallies items by state.
type Counts struct {
	Pending      int
	InFlight     int
	Completed    int
	Failed       int
	DeadLettered int
}

// Counts returns per-state item totals. In-flight is inferred: a work item
// that is neither completed, failed, nor pending.
func (c *Checkpoint) Counts() Counts {
	pending := make(map[string]bool, len(c.PendingItems))
	for _, id := range c.PendingItems {
		pending[id] = true
	}

	var n Counts
	for _, item := range c.WorkItems {
		if _, ok := c.CompletedAgents[item.ID]; ok {
			n.Completed++
			continue
		}
		if rec, ok := c.FailedAgents[item.ID]; ok {
			n.Failed++
			if rec.DeadLettered {
				n.DeadLettered++
			}
			continue
		}
		if pending[item.ID] {
			n.Pending++
			continue
		}
		n.InFlight++
	}
	return n
}

// Remaining reports how many items still need a successful run.
func (c *Checkpoint) Remaining() int {
	n := c.Counts()
	return n.Pending + n.InFlight + n.Failed
}

// NormalizeForResume moves in-flight and failed items back to pending,
// preserving original work-item order. Requeued items drop their failure
// record; dead-lettered items stay failed unless includeDLQ is set.
func (c *Checkpoint) NormalizeForResume(includeDLQ bool) {
	pending := make(map[string]bool, len(c.PendingItems))
	for _, id := range c.PendingItems {
		pending[id] = true
	}

	var next []string
	for _, item := range c.WorkItems {
		if _, ok := c.CompletedAgents[item.ID]; ok {
			continue
		}
		if rec, ok := c.FailedAgents[item.ID]; ok {
			if rec.DeadLettered && !includeDLQ {
				continue
			}
			delete(c.FailedAgents, item.ID)
			next = append(next, item.ID)
			continue
		}
		next = append(next, item.ID)
	}
	c.PendingItems = next
	c.IsComplete = false
}

// Item returns the work item with the given id, or nil.
func (c *Checkpoint) Item(id string) *WorkItem {
	for i := range c.WorkItems {
		if c.WorkItems[i].ID == id {
			return &c.WorkItems[i]
		}
	}
	return nil
}
