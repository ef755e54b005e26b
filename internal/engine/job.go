// Package engine drives a MapReduce job end to end: setup workflow, item
// loading, the parallel map phase, reduce, and the merge of agent branches
// back into the parent. It also owns resume and retention over the durable
// job state.
package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/items"
	"github.com/iepathos/prodigy/internal/workflow"
)

// Job is the inbound declarative job description.
type Job struct {
	Name   string            `yaml:"name" json:"name"`
	Setup  []workflow.Step   `yaml:"setup,omitempty" json:"setup,omitempty"`
	Map    MapConfig         `yaml:"map" json:"map"`
	Reduce []workflow.Step   `yaml:"reduce,omitempty" json:"reduce,omitempty"`
	Merge  *MergeConfig      `yaml:"merge,omitempty" json:"merge,omitempty"`
	Env    map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// MapConfig shapes the work-item source and the parallel map phase.
type MapConfig struct {
	Input            string          `yaml:"input" json:"input"`
	JSONPath         string          `yaml:"json_path,omitempty" json:"json_path,omitempty"`
	Filter           string          `yaml:"filter,omitempty" json:"filter,omitempty"`
	SortBy           string          `yaml:"sort_by,omitempty" json:"sort_by,omitempty"`
	SortDesc         bool            `yaml:"sort_desc,omitempty" json:"sort_desc,omitempty"`
	Offset           int             `yaml:"offset,omitempty" json:"offset,omitempty"`
	MaxItems         *int            `yaml:"max_items,omitempty" json:"max_items,omitempty"`
	MaxParallel      int             `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	AgentTimeoutSecs int             `yaml:"agent_timeout_secs,omitempty" json:"agent_timeout_secs,omitempty"`
	RetryOnFailure   *int            `yaml:"retry_on_failure,omitempty" json:"retry_on_failure,omitempty"`
	AgentTemplate    []workflow.Step `yaml:"agent_template" json:"agent_template"`
}

// Source converts the map config into a work-item source spec.
func (m *MapConfig) Source() items.Source {
	limit := 0
	if m.MaxItems != nil {
		limit = *m.MaxItems
	}
	return items.Source{
		Input:    m.Input,
		JSONPath: m.JSONPath,
		Filter:   m.Filter,
		SortBy:   m.SortBy,
		SortDesc: m.SortDesc,
		Offset:   m.Offset,
		Limit:    limit,
	}
}

// ZeroItems reports whether max_items: 0 was explicitly set, which means
// the job runs with an empty item set rather than failing on no matches.
func (m *MapConfig) ZeroItems() bool {
	return m.MaxItems != nil && *m.MaxItems == 0
}

// Parallel returns max_parallel with its default applied.
func (m *MapConfig) Parallel() int {
	if m.MaxParallel <= 0 {
		return 10
	}
	return m.MaxParallel
}

// AgentTimeout returns the per-attempt deadline with its default applied.
func (m *MapConfig) AgentTimeout() time.Duration {
	if m.AgentTimeoutSecs <= 0 {
		return 600 * time.Second
	}
	return time.Duration(m.AgentTimeoutSecs) * time.Second
}

// Retries returns retry_on_failure with its default applied.
func (m *MapConfig) Retries() int {
	if m.RetryOnFailure == nil {
		return 2
	}
	if *m.RetryOnFailure < 0 {
		return 0
	}
	return *m.RetryOnFailure
}

// MergeConfig is the optional custom merge workflow.
type MergeConfig struct {
	Commands    []workflow.Step `yaml:"commands" json:"commands"`
	TimeoutSecs int             `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Timeout returns the merge workflow deadline with its default applied.
func (m *MergeConfig) Timeout() time.Duration {
	if m.TimeoutSecs <= 0 {
		return 600 * time.Second
	}
	return time.Duration(m.TimeoutSecs) * time.Second
}

// LoadJob reads and validates a job definition from a YAML file.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigInvalid,
			fmt.Sprintf("failed to read job file %s", path), err)
	}
	return ParseJob(data)
}

// ParseJob decodes and validates a YAML job definition.
func ParseJob(data []byte) (*Job, error) {
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, engerr.Wrap(engerr.KindConfigInvalid, "invalid job yaml", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Validate checks the job definition before anything runs.
func (j *Job) Validate() error {
	if j.Name == "" {
		return engerr.NewError(engerr.KindConfigInvalid, "job requires a name")
	}
	if j.Map.Input == "" && !j.Map.ZeroItems() {
		return engerr.NewError(engerr.KindConfigInvalid, "map phase requires an input")
	}
	if len(j.Map.AgentTemplate) == 0 && !j.Map.ZeroItems() {
		return engerr.NewError(engerr.KindConfigInvalid, "map phase requires an agent_template")
	}
	if j.Map.Offset < 0 {
		return engerr.NewError(engerr.KindConfigInvalid, "map offset cannot be negative")
	}
	if j.Map.MaxItems != nil && *j.Map.MaxItems < 0 {
		return engerr.NewError(engerr.KindConfigInvalid, "map max_items cannot be negative")
	}

	if err := workflow.ValidateSteps(j.Setup); err != nil {
		return engerr.Wrap(engerr.KindConfigInvalid, "setup workflow", err)
	}
	if err := workflow.ValidateSteps(j.Map.AgentTemplate); err != nil {
		return engerr.Wrap(engerr.KindConfigInvalid, "agent_template", err)
	}
	if err := workflow.ValidateSteps(j.Reduce); err != nil {
		return engerr.Wrap(engerr.KindConfigInvalid, "reduce workflow", err)
	}
	if j.Merge != nil {
		if len(j.Merge.Commands) == 0 {
			return engerr.NewError(engerr.KindConfigInvalid, "merge block requires commands")
		}
		if err := workflow.ValidateSteps(j.Merge.Commands); err != nil {
			return engerr.Wrap(engerr.KindConfigInvalid, "merge workflow", err)
		}
	}
	return nil
}
