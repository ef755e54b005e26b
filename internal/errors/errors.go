// Package errors provides centralized error definitions for the Prodigy
// engine. Every failure the engine can surface carries a Kind from the
// taxonomy below, a message, optional context (item, worktree, captured
// stderr), and a retriability decision used by the scheduler and the
// reduce/merge retry loops.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers can import only this
// package for error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind classifies an engine error. The zero value is KindUnknown.
type Kind string

const (
	KindUnknown           Kind = "Unknown"
	KindConfigInvalid     Kind = "ConfigInvalid"
	KindInputInvalid      Kind = "InputInvalid"
	KindWorktreeCreate    Kind = "WorktreeCreateFailed"
	KindAgentSubprocess   Kind = "AgentSubprocessError"
	KindTimeout           Kind = "Timeout"
	KindNoCommits         Kind = "NoCommitsProduced"
	KindMergeConflict     Kind = "MergeConflict"
	KindCheckpointCorrupt Kind = "CheckpointCorrupted"
	KindEnvironment       Kind = "EnvironmentError"
	KindCancelled         Kind = "Cancelled"
)

// String returns the kind name as it appears in events and DLQ records.
func (k Kind) String() string { return string(k) }

// Retriable reports whether errors of this kind are eligible for retry in
// the absence of more specific information. AgentSubprocessError is
// retriable unless the workflow declared the exit code fatal, which callers
// express through WithRetriable.
func (k Kind) Retriable() bool {
	switch k {
	case KindWorktreeCreate, KindTimeout, KindAgentSubprocess:
		return true
	default:
		return false
	}
}

// Sentinel errors for Is-style checks.
var (
	ErrNoCheckpoint     = New("job has no checkpoint")
	ErrJobComplete      = New("job is already complete")
	ErrDuplicateItemID  = New("duplicate item id")
	ErrSelectorNoMatch  = New("selector matched no items")
	ErrBranchExists     = New("branch already exists")
	ErrWorktreeNotFound = New("worktree not found")
	ErrDLQItemNotFound  = New("dlq item not found")
	ErrLockHeld         = New("state file locked by another process")
)

// EngineError is the concrete error type produced by engine components.
type EngineError struct {
	Kind    Kind
	Message string
	Cause   error

	// Optional context, populated via the With* builders.
	JobID    string
	ItemID   string
	Worktree string
	Stderr   string

	// retriable overrides the kind default when set.
	retriable *bool
}

// NewError creates an EngineError of the given kind.
func NewError(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Wrap creates an EngineError of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// WithJob attaches a job id to the error context.
func (e *EngineError) WithJob(id string) *EngineError {
	e.JobID = id
	return e
}

// WithItem attaches a work item id to the error context.
func (e *EngineError) WithItem(id string) *EngineError {
	e.ItemID = id
	return e
}

// WithWorktree attaches a worktree path to the error context.
func (e *EngineError) WithWorktree(path string) *EngineError {
	e.Worktree = path
	return e
}

// WithStderr attaches captured subprocess stderr for diagnostics and
// transient-failure classification.
func (e *EngineError) WithStderr(out string) *EngineError {
	e.Stderr = out
	return e
}

// WithRetriable overrides the kind-default retriability.
func (e *EngineError) WithRetriable(r bool) *EngineError {
	e.retriable = &r
	return e
}

// Error returns the formatted message with any attached context.
func (e *EngineError) Error() string {
	var parts []string
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.ItemID != "" {
		parts = append(parts, fmt.Sprintf("item=%s", e.ItemID))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}

	prefix := string(e.Kind)
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", e.Kind, strings.Join(parts, ", "))
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error { return e.Cause }

// Is matches other EngineErrors of the same kind, and delegates to the
// cause for sentinel checks.
func (e *EngineError) Is(target error) bool {
	if te, ok := target.(*EngineError); ok {
		return te.Kind == e.Kind
	}
	if e.Cause != nil {
		return errors.Is(e.Cause, target)
	}
	return false
}

// Retriable reports whether this specific error may be retried.
func (e *EngineError) Retriable() bool {
	if e.retriable != nil {
		return *e.retriable
	}
	return e.Kind.Retriable()
}

// ClassifyKind returns the Kind of an error, or KindUnknown for errors that
// did not originate in the engine.
func ClassifyKind(err error) Kind {
	var ee *EngineError
	if As(err, &ee) {
		return ee.Kind
	}
	return KindUnknown
}

// IsRetriable reports whether the scheduler may retry the operation that
// produced err. Timeouts are always retriable; NoCommitsProduced never is.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var ee *EngineError
	if As(err, &ee) {
		return ee.Retriable()
	}
	return false
}

// transientPatterns are stderr substrings that indicate a transient
// subprocess failure worth retrying. Matching is case-insensitive.
var transientPatterns = []string{
	"rate limit",
	"timed out",
	"timeout",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"overloaded",
	"429",
	"503",
}

// IsTransientStderr reports whether subprocess stderr output looks like a
// transient failure.
func IsTransientStderr(stderr string) bool {
	if stderr == "" {
		return false
	}
	lower := strings.ToLower(stderr)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
