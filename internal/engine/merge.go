package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iepathos/prodigy/internal/checkpoint"
	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/workflow"
	"github.com/iepathos/prodigy/internal/worktree"
)

// runMerge integrates agent branches after reduce. The default path merges
// each completed agent in completion order; a configured merge workflow
// replaces it entirely. The returned status is StatusPartialMerge when any
// default merge conflicted, empty otherwise.
func (e *Engine) runMerge(ctx context.Context, r *jobRun) (Status, error) {
	if r.cp.MergeState != nil && r.cp.MergeState.Completed {
		return "", nil
	}
	if len(r.cp.CompletedAgents) == 0 && r.job.Merge == nil {
		return "", nil
	}

	r.cp.MergeState = &checkpoint.PhaseState{Started: true}
	if err := r.store.Save(r.cp); err != nil {
		return "", err
	}

	var (
		status Status
		err    error
	)
	if r.job.Merge != nil {
		err = e.runCustomMerge(ctx, r)
	} else {
		status, err = e.runDefaultMerge(ctx, r)
	}
	if err != nil {
		r.cp.MergeState.Error = err.Error()
		if saveErr := r.store.Save(r.cp); saveErr != nil {
			e.log.Error("failed to save checkpoint", "job_id", r.jobID, "error", saveErr)
		}
		return "", err
	}

	r.cp.MergeState.Completed = true
	return status, r.store.Save(r.cp)
}

// runDefaultMerge merges each completed agent branch with --no-ff in
// completion order. A conflict aborts that one merge, preserves the
// worktree, and moves on; the parent branch is never left mid-merge.
func (e *Engine) runDefaultMerge(ctx context.Context, r *jobRun) (Status, error) {
	for _, itemID := range completionOrder(r.cp) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		sessionID := fmt.Sprintf("agent-%s-%s", r.jobID, itemID)
		session, err := r.pool.Get(sessionID)
		if err != nil {
			// Metadata can be gone after manual cleanup; the commits are
			// recorded in the checkpoint either way.
			e.log.Warn("skipping merge for missing session", "session", sessionID, "error", err)
			continue
		}
		if session.Status == worktree.StatusMerged {
			continue
		}

		err = r.pool.MergeSession(ctx, sessionID, "")
		if err != nil {
			if engerr.ClassifyKind(err) == engerr.KindMergeConflict {
				e.log.Warn("merge conflict, preserving worktree", "session", sessionID, "error", err)
				r.conflicted = append(r.conflicted, sessionID)
				continue
			}
			return "", err
		}
		r.merged++
		if err := r.pool.CleanupSession(ctx, sessionID); err != nil {
			e.log.Warn("failed to clean up merged session", "session", sessionID, "error", err)
		}
	}
	if len(r.conflicted) > 0 {
		return StatusPartialMerge, nil
	}
	return "", nil
}

// runCustomMerge runs the user merge workflow once in the parent repo with
// the aggregate map results in scope, bounded by the configured timeout.
func (e *Engine) runCustomMerge(ctx context.Context, r *jobRun) error {
	vars := workflow.NewContext()
	e.mapResultVars(r, vars)

	mergeCtx, cancel := context.WithTimeout(ctx, r.job.Merge.Timeout())
	defer cancel()

	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
	err := retry.Do(mergeCtx, backoff, func(mergeCtx context.Context) error {
		err := e.runSteps(mergeCtx, r, r.job.Merge.Commands, vars)
		if err != nil && mergeCtx.Err() == nil && engerr.IsRetriable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil && mergeCtx.Err() == context.DeadlineExceeded {
		err = engerr.Wrap(engerr.KindTimeout,
			fmt.Sprintf("merge workflow exceeded timeout of %s", r.job.Merge.Timeout()), err).
			WithJob(r.jobID)
	}
	return err
}
