// Package workflow executes workflow steps against a working directory.
// It is a pure "given a step spec, produce a step result" engine shared by
// the setup, per-item map, reduce, and merge workflows.
package workflow

import (
	"fmt"
)

// StepKind names a step variant.
type StepKind string

const (
	StepShell    StepKind = "shell"
	StepClaude   StepKind = "claude"
	StepTest     StepKind = "test"
	StepGoalSeek StepKind = "goal_seek"
	StepForeach  StepKind = "foreach"
)

// Step is a single workflow step. Exactly one of the variant fields must be
// set; the rest of the fields apply to any variant.
type Step struct {
	// Variant fields. Shell and Test hold a shell command line; Claude
	// holds a slash command for the agent CLI.
	Shell    string        `yaml:"shell,omitempty" json:"shell,omitempty"`
	Claude   string        `yaml:"claude,omitempty" json:"claude,omitempty"`
	Test     string        `yaml:"test,omitempty" json:"test,omitempty"`
	GoalSeek *GoalSeekSpec `yaml:"goal_seek,omitempty" json:"goal_seek,omitempty"`
	Foreach  *ForeachSpec  `yaml:"foreach,omitempty" json:"foreach,omitempty"`

	// When is an expression over the current variable context. When it
	// evaluates to false the step is skipped and counted as success.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// TimeoutSecs bounds the step's wall clock; expiry classifies as
	// Timeout. Zero means no per-step bound.
	TimeoutSecs int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// CommitRequired fails the step with NoCommitsProduced when it exits
	// successfully without creating any new Git commits.
	CommitRequired bool `yaml:"commit_required,omitempty" json:"commit_required,omitempty"`

	// Capture names a variable to store the step's stdout under.
	Capture       string        `yaml:"capture,omitempty" json:"capture,omitempty"`
	CaptureFormat CaptureFormat `yaml:"capture_format,omitempty" json:"capture_format,omitempty"`

	// OnFailure is run when the step fails; the step is then retried. A
	// shell step with OnFailure set behaves exactly like a test step.
	OnFailure *OnFailureSpec `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// OnExitCode routes specific exit codes to a branch step that runs in
	// place of the default success or failure handling.
	OnExitCode map[int]*Step `yaml:"on_exit_code,omitempty" json:"on_exit_code,omitempty"`

	// Env adds step-scoped environment variables, interpolated.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// OnFailureSpec is the remediation step run after a failure, plus its retry
// budget. FailWorkflow defaults to true; set it to false to record the
// failure without failing the surrounding workflow.
type OnFailureSpec struct {
	Step         `yaml:",inline" json:",inline"`
	MaxAttempts  int   `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	FailWorkflow *bool `yaml:"fail_workflow,omitempty" json:"fail_workflow,omitempty"`
}

// Attempts returns the remediation budget, defaulting to 2.
func (o *OnFailureSpec) Attempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 2
}

// ShouldFailWorkflow reports whether exhausting the budget fails the
// surrounding workflow.
func (o *OnFailureSpec) ShouldFailWorkflow() bool {
	return o.FailWorkflow == nil || *o.FailWorkflow
}

// GoalSeekSpec repeats a shell command, extracting a numeric score from its
// output, until the score meets the threshold or the iteration budget is
// exhausted.
type GoalSeekSpec struct {
	Goal      string  `yaml:"goal,omitempty" json:"goal,omitempty"`
	Command   string  `yaml:"command" json:"command"`
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// ScorePattern is a regex whose first capture group is the score. The
	// last match in the command's stdout wins. Defaults to
	// `score:\s*(\d+(?:\.\d+)?)`.
	ScorePattern string `yaml:"score_pattern,omitempty" json:"score_pattern,omitempty"`

	// MaxIterations bounds the loop; defaults to 5.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	// FailOnIncomplete fails the step when the budget runs out below
	// threshold. When false the step succeeds with the best score seen.
	FailOnIncomplete bool `yaml:"fail_on_incomplete,omitempty" json:"fail_on_incomplete,omitempty"`
}

const defaultScorePattern = `score:\s*(\d+(?:\.\d+)?)`

// Iterations returns the iteration budget, defaulting to 5.
func (g *GoalSeekSpec) Iterations() int {
	if g.MaxIterations > 0 {
		return g.MaxIterations
	}
	return 5
}

// Pattern returns the score regex source.
func (g *GoalSeekSpec) Pattern() string {
	if g.ScorePattern != "" {
		return g.ScorePattern
	}
	return defaultScorePattern
}

// ForeachSpec iterates the Do steps over a static item list or over the
// stdout lines of Input. It is independent of the top-level MapReduce
// engine and intended for small ad-hoc fan-outs inside a single agent.
type ForeachSpec struct {
	Items []string `yaml:"items,omitempty" json:"items,omitempty"`

	// Input is a shell command whose stdout lines become the items. Items
	// and Input are mutually exclusive.
	Input string `yaml:"input,omitempty" json:"input,omitempty"`

	Do []Step `yaml:"do" json:"do"`

	// Parallel bounds concurrent iterations; defaults to 1 (sequential).
	Parallel int `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// ContinueOnError runs every iteration even after failures; the step
	// fails at the end if any iteration failed.
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// Width returns the parallelism bound, defaulting to 1.
func (f *ForeachSpec) Width() int {
	if f.Parallel > 0 {
		return f.Parallel
	}
	return 1
}

// Kind returns the step's variant, or an error when zero or more than one
// variant field is set.
func (s *Step) Kind() (StepKind, error) {
	var kinds []StepKind
	if s.Shell != "" {
		kinds = append(kinds, StepShell)
	}
	if s.Claude != "" {
		kinds = append(kinds, StepClaude)
	}
	if s.Test != "" {
		kinds = append(kinds, StepTest)
	}
	if s.GoalSeek != nil {
		kinds = append(kinds, StepGoalSeek)
	}
	if s.Foreach != nil {
		kinds = append(kinds, StepForeach)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("step defines no variant (expected one of shell, claude, test, goal_seek, foreach)")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("step defines multiple variants: %v", kinds)
	}
}

// Command returns the raw command line for the step's variant, before
// interpolation. Foreach steps have no single command.
func (s *Step) Command() string {
	switch {
	case s.Shell != "":
		return s.Shell
	case s.Claude != "":
		return s.Claude
	case s.Test != "":
		return s.Test
	case s.GoalSeek != nil:
		return s.GoalSeek.Command
	default:
		return ""
	}
}

// Validate checks the step and its nested steps for config errors.
func (s *Step) Validate() error {
	kind, err := s.Kind()
	if err != nil {
		return err
	}
	if s.TimeoutSecs < 0 {
		return fmt.Errorf("step timeout must not be negative")
	}
	if s.Capture == "" && s.CaptureFormat != "" {
		return fmt.Errorf("capture_format set without capture")
	}
	if s.CaptureFormat != "" {
		if err := s.CaptureFormat.Validate(); err != nil {
			return err
		}
	}

	switch kind {
	case StepGoalSeek:
		g := s.GoalSeek
		if g.Command == "" {
			return fmt.Errorf("goal_seek requires a command")
		}
		if _, err := compileScorePattern(g.Pattern()); err != nil {
			return fmt.Errorf("goal_seek score_pattern: %w", err)
		}
		if g.MaxIterations < 0 {
			return fmt.Errorf("goal_seek max_iterations must not be negative")
		}
	case StepForeach:
		f := s.Foreach
		if len(f.Items) > 0 && f.Input != "" {
			return fmt.Errorf("foreach items and input are mutually exclusive")
		}
		if len(f.Items) == 0 && f.Input == "" {
			return fmt.Errorf("foreach requires items or input")
		}
		if len(f.Do) == 0 {
			return fmt.Errorf("foreach requires at least one step under do")
		}
		if f.Parallel < 0 {
			return fmt.Errorf("foreach parallel must not be negative")
		}
		for i := range f.Do {
			if err := f.Do[i].Validate(); err != nil {
				return fmt.Errorf("foreach do[%d]: %w", i, err)
			}
		}
	}

	if s.OnFailure != nil {
		if err := s.OnFailure.Step.Validate(); err != nil {
			return fmt.Errorf("on_failure: %w", err)
		}
	}
	for code, branch := range s.OnExitCode {
		if branch == nil {
			return fmt.Errorf("on_exit_code %d has no step", code)
		}
		if err := branch.Validate(); err != nil {
			return fmt.Errorf("on_exit_code %d: %w", code, err)
		}
	}
	return nil
}

// ValidateSteps validates an ordered step list.
func ValidateSteps(steps []Step) error {
	for i := range steps {
		if err := steps[i].Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}
