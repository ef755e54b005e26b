// Package events defines the durable job event log and the in-process
// event bus. Every state transition in a job is recorded as an append-only
// JSONL record so that observers and the resume path can reconstruct what
// happened without coupling to the engine.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event variant. The kind doubles as the single key of
// the externally tagged "event" object on the wire.
type Kind string

const (
	KindJobStarted   Kind = "JobStarted"
	KindJobCompleted Kind = "JobCompleted"
	KindJobFailed    Kind = "JobFailed"
	KindJobPaused    Kind = "JobPaused"
	KindJobResumed   Kind = "JobResumed"

	KindAgentStarted   Kind = "AgentStarted"
	KindAgentProgress  Kind = "AgentProgress"
	KindAgentCompleted Kind = "AgentCompleted"
	KindAgentFailed    Kind = "AgentFailed"

	KindPipelineStarted        Kind = "PipelineStarted"
	KindPipelineStageCompleted Kind = "PipelineStageCompleted"
	KindPipelineCompleted      Kind = "PipelineCompleted"

	KindMetricsSnapshot Kind = "MetricsSnapshot"
)

// Record is the envelope written to events-NNN.jsonl, one per line.
type Record struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id"`
	Event         Payload           `json:"event"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Kind returns the variant of the wrapped event.
func (r Record) Kind() Kind { return r.Event.Kind }

// Payload is an externally tagged event body: on the wire it serializes as
// {"<Kind>": {...body...}}.
type Payload struct {
	Kind Kind
	Body any
}

// MarshalJSON implements the externally tagged encoding.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Kind == "" {
		return nil, fmt.Errorf("event payload has no kind")
	}
	return json.Marshal(map[string]any{string(p.Kind): p.Body})
}

// UnmarshalJSON decodes the externally tagged encoding back into a typed body.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("event payload must have exactly one variant key, got %d", len(tagged))
	}
	for key, raw := range tagged {
		p.Kind = Kind(key)
		body := newBody(p.Kind)
		if body == nil {
			// Unknown variant: keep the raw body so readers stay
			// forward compatible with newer writers.
			var generic map[string]any
			if err := json.Unmarshal(raw, &generic); err != nil {
				return err
			}
			p.Body = generic
			return nil
		}
		if err := json.Unmarshal(raw, body); err != nil {
			return err
		}
		p.Body = body
	}
	return nil
}

// newBody returns a pointer to the typed body struct for a known kind.
func newBody(k Kind) any {
	switch k {
	case KindJobStarted:
		return &JobStarted{}
	case KindJobCompleted:
		return &JobCompleted{}
	case KindJobFailed:
		return &JobFailed{}
	case KindJobPaused:
		return &JobPaused{}
	case KindJobResumed:
		return &JobResumed{}
	case KindAgentStarted:
		return &AgentStarted{}
	case KindAgentProgress:
		return &AgentProgress{}
	case KindAgentCompleted:
		return &AgentCompleted{}
	case KindAgentFailed:
		return &AgentFailed{}
	case KindPipelineStarted:
		return &PipelineStarted{}
	case KindPipelineStageCompleted:
		return &PipelineStageCompleted{}
	case KindPipelineCompleted:
		return &PipelineCompleted{}
	case KindMetricsSnapshot:
		return &MetricsSnapshot{}
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Job Lifecycle Events
// -----------------------------------------------------------------------------

// JobStarted is recorded when a MapReduce job begins.
type JobStarted struct {
	JobID      string `json:"job_id"`
	Workflow   string `json:"workflow"`
	TotalItems int    `json:"total_items"`
	Parallel   int    `json:"parallel"`
}

// JobCompleted is recorded when a job finishes all phases.
type JobCompleted struct {
	JobID      string `json:"job_id"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
}

// JobFailed is recorded when a job aborts before completion.
type JobFailed struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
	Phase string `json:"phase"`
}

// JobPaused is recorded when a job is interrupted with resumable state.
type JobPaused struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// JobResumed is recorded when a paused or failed job restarts from a checkpoint.
type JobResumed struct {
	JobID             string `json:"job_id"`
	CheckpointVersion int    `json:"checkpoint_version"`
	Remaining         int    `json:"remaining"`
}

// -----------------------------------------------------------------------------
// Agent Lifecycle Events
// -----------------------------------------------------------------------------

// AgentStarted is recorded when an agent attempt begins on a work item.
type AgentStarted struct {
	JobID    string `json:"job_id"`
	AgentID  string `json:"agent_id"`
	ItemID   string `json:"item_id"`
	Attempt  int    `json:"attempt"`
	Worktree string `json:"worktree"`
	Branch   string `json:"branch"`
}

// AgentProgress is recorded as an agent moves through template steps.
type AgentProgress struct {
	JobID   string `json:"job_id"`
	AgentID string `json:"agent_id"`
	ItemID  string `json:"item_id"`
	Step    string `json:"step"`
	Message string `json:"message,omitempty"`
}

// AgentCompleted is recorded when an agent attempt succeeds.
type AgentCompleted struct {
	JobID      string   `json:"job_id"`
	AgentID    string   `json:"agent_id"`
	ItemID     string   `json:"item_id"`
	Attempt    int      `json:"attempt"`
	Commits    []string `json:"commits,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// AgentFailed is recorded when an agent attempt fails.
type AgentFailed struct {
	JobID     string `json:"job_id"`
	AgentID   string `json:"agent_id"`
	ItemID    string `json:"item_id"`
	Attempt   int    `json:"attempt"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
	WillRetry bool   `json:"will_retry"`
}

// -----------------------------------------------------------------------------
// Pipeline Events
// -----------------------------------------------------------------------------

// PipelineStarted is recorded when phase execution begins.
type PipelineStarted struct {
	JobID  string   `json:"job_id"`
	Stages []string `json:"stages"`
}

// PipelineStageCompleted is recorded after each phase (setup, map, reduce, merge).
type PipelineStageCompleted struct {
	JobID      string `json:"job_id"`
	Stage      string `json:"stage"`
	DurationMs int64  `json:"duration_ms"`
}

// PipelineCompleted is recorded when all phases have run.
type PipelineCompleted struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
}

// -----------------------------------------------------------------------------
// Metrics Events
// -----------------------------------------------------------------------------

// MetricsSnapshot is a periodic summary of item states during the map phase.
type MetricsSnapshot struct {
	JobID        string `json:"job_id"`
	Pending      int    `json:"pending"`
	Running      int    `json:"running"`
	Successful   int    `json:"successful"`
	Failed       int    `json:"failed"`
	DeadLettered int    `json:"dead_lettered"`
}

// New wraps a typed body in a Record. The correlation id is the job id so
// all records for one job can be filtered from a shared log.
func New(correlationID string, kind Kind, body any) Record {
	return Record{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Event:         Payload{Kind: kind, Body: body},
	}
}

// WithMetadata returns a copy of the record with an extra metadata entry.
func (r Record) WithMetadata(key, value string) Record {
	meta := make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta[key] = value
	r.Metadata = meta
	return r
}
