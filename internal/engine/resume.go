package engine

import (
	"context"
	"encoding/json"
	"os"

	"github.com/iepathos/prodigy/internal/checkpoint"
	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/events"
)

// ResumeOptions control how a checkpointed job is picked back up.
type ResumeOptions struct {
	// Force resumes even when the checkpoint says the job is complete.
	Force bool
	// IncludeDLQ requeues reprocess-eligible dead-lettered items as fresh
	// work; their DLQ entries are kept with a requeued marker.
	IncludeDLQ bool
	// DLQItems narrows IncludeDLQ to these item ids. Unknown ids fail the
	// resume before any work starts.
	DLQItems []string
	// ResetFailed returns failed items to pending when their attempt count
	// still fits inside retry_on_failure + 1 + MaxAdditionalRetries.
	ResetFailed          bool
	MaxAdditionalRetries int
	// SkipEnvCheck disables the working-directory and default-branch
	// validation that normally guards a resume.
	SkipEnvCheck bool
}

// Resume reconstructs the remaining work for a job from its latest intact
// checkpoint and runs it to a terminal state. Completed items are never
// re-run; in-flight items from the interrupted run return to pending with
// their agent branches preserved.
func (e *Engine) Resume(ctx context.Context, jobID string, opts ResumeOptions) (*Result, error) {
	store := checkpoint.NewStore(e.layout.StateDir(jobID), e.cfg.Retention.CheckpointKeep)
	cp, err := store.Load()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(cp.Config, &job); err != nil {
		return nil, engerr.Wrap(engerr.KindConfigInvalid, "checkpoint carries an unreadable job config", err)
	}

	if cp.IsComplete && !opts.Force && !opts.IncludeDLQ && !opts.ResetFailed {
		return nil, engerr.Wrap(engerr.KindInputInvalid, "job "+jobID, engerr.ErrJobComplete)
	}

	if !opts.SkipEnvCheck {
		if err := e.validateEnvironment(ctx); err != nil {
			return nil, err
		}
	}

	r, err := e.newJobRun(&job, jobID)
	if err != nil {
		return nil, err
	}
	defer r.elog.Close()
	r.cp = cp
	r.resumed = true

	priorVersion := cp.Version

	if opts.IncludeDLQ {
		requeued, err := r.dead.Reprocess(opts.DLQItems)
		if err != nil {
			return nil, err
		}
		for _, item := range requeued {
			delete(cp.FailedAgents, item.ItemID)
		}
	}

	if opts.ResetFailed {
		budget := job.Map.Retries() + 1 + opts.MaxAdditionalRetries
		for id, rec := range cp.FailedAgents {
			if rec.Attempts < budget {
				delete(cp.FailedAgents, id)
			}
		}
	}
	cp.NormalizeForResume(false)

	// Interrupted worktrees belong to attempts whose items are pending
	// again; fresh attempts get fresh worktrees.
	if cleaned, err := r.pool.CleanupInterrupted(ctx); err != nil {
		e.log.Warn("failed to clean interrupted worktrees", "job_id", jobID, "error", err)
	} else if len(cleaned) > 0 {
		e.log.Info("cleaned interrupted worktrees", "job_id", jobID, "count", len(cleaned))
	}

	if err := r.store.Save(cp); err != nil {
		return nil, err
	}
	e.emitRecord(r, events.New(jobID, events.KindJobResumed, events.JobResumed{
		JobID:             jobID,
		CheckpointVersion: priorVersion,
		Remaining:         cp.Remaining(),
	}))
	e.log.Info("resuming job",
		"job_id", jobID, "prior_version", priorVersion, "remaining", cp.Remaining())

	return e.execute(ctx, r)
}

// validateEnvironment confirms the repository is still usable before a
// resume touches it.
func (e *Engine) validateEnvironment(ctx context.Context) error {
	if _, err := os.Stat(e.repo.Dir()); err != nil {
		return engerr.Wrap(engerr.KindEnvironment, "repository directory is gone", err)
	}
	branch := e.repo.DefaultBranch(ctx)
	if !e.repo.BranchExists(ctx, branch) {
		return engerr.NewError(engerr.KindEnvironment, "default branch "+branch+" does not exist")
	}
	return nil
}
