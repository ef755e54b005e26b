package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/iepathos/prodigy/internal/checkpoint"
	"github.com/iepathos/prodigy/internal/config"
	"github.com/iepathos/prodigy/internal/dlq"
	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/events"
	"github.com/iepathos/prodigy/internal/gitx"
	"github.com/iepathos/prodigy/internal/items"
	"github.com/iepathos/prodigy/internal/scheduler"
	"github.com/iepathos/prodigy/internal/storage"
	"github.com/iepathos/prodigy/internal/workflow"
	"github.com/iepathos/prodigy/internal/worktree"
)

// Status is the terminal state of a job run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusPartialMerge   Status = "partial_merge"
	StatusMergeFailed    Status = "merge_failed"
	StatusReduceFailed   Status = "reduce_failed"
	StatusSetupFailed    Status = "setup_failed"
	StatusCancelled      Status = "cancelled"
)

// Result summarizes a finished (or interrupted) job run.
type Result struct {
	JobID     string
	JobName   string
	Status    Status
	Total     int
	Completed int
	Failed    int
	Merged    int
	Conflicts []string
	Duration  time.Duration
	DLQDir    string
	EventsDir string
}

// ExitCode maps the terminal status onto the process exit code contract.
func (r *Result) ExitCode() int {
	switch r.Status {
	case StatusCancelled:
		return 130
	case StatusSetupFailed:
		return 4
	case StatusReduceFailed:
		return 2
	case StatusPartialMerge, StatusMergeFailed:
		return 3
	case StatusPartialSuccess:
		return 1
	default:
		return 0
	}
}

// ExitCode maps a run outcome onto the process exit code, covering errors
// raised before the job produced a Result.
func ExitCode(res *Result, err error) int {
	if err != nil {
		switch engerr.ClassifyKind(err) {
		case engerr.KindConfigInvalid, engerr.KindInputInvalid:
			return 4
		case engerr.KindCancelled:
			return 130
		default:
			return 1
		}
	}
	if res == nil {
		return 0
	}
	return res.ExitCode()
}

// Engine runs MapReduce jobs against one repository.
type Engine struct {
	cfg    *config.Config
	repo   *gitx.Repo
	layout *storage.Layout
	bus    *events.Bus
	log    *slog.Logger

	// Stdin feeds `input: "-"` item sources.
	Stdin io.Reader
	// Exec, when set, replaces subprocess execution everywhere. Tests use
	// it to fake the agent CLI.
	Exec workflow.Executor
}

// New builds an engine rooted at the given repository directory.
func New(cfg *config.Config, repoDir string, log *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	repo, err := gitx.Open(repoDir)
	if err != nil {
		return nil, err
	}
	layout, err := storage.NewLayout(cfg.Storage.ResolveRootDir(), repo.Dir())
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		repo:   repo,
		layout: layout,
		bus:    events.NewBus(),
		log:    log,
		Stdin:  os.Stdin,
	}, nil
}

// Bus exposes the in-process event bus so callers can observe progress.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Layout exposes the storage layout for this repository.
func (e *Engine) Layout() *storage.Layout { return e.layout }

// Config exposes the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Worktrees returns a pool over this repository's agent worktrees.
func (e *Engine) Worktrees() *worktree.Pool {
	return worktree.NewPool(e.repo, e.layout, e.cfg.Branch.Prefix, e.log)
}

// jobRun bundles the per-job wiring shared by Run and Resume.
type jobRun struct {
	job     *Job
	jobID   string
	cp      *checkpoint.Checkpoint
	store   *checkpoint.Store
	dead    *dlq.Queue
	elog    *events.Log
	emit    *events.Emitter
	pool    *worktree.Pool
	resumed bool
	started time.Time

	merged     int
	conflicted []string
}

func (e *Engine) newJobRun(job *Job, jobID string) (*jobRun, error) {
	dead, err := dlq.Open(e.layout.DLQDir(jobID), e.cfg.DLQ.MaxItems, e.cfg.DLQ.Retention())
	if err != nil {
		return nil, err
	}
	elog, err := events.OpenLog(e.layout.EventsDir(jobID), e.cfg.Events.MaxFileSizeMB)
	if err != nil {
		return nil, err
	}
	return &jobRun{
		job:     job,
		jobID:   jobID,
		store:   checkpoint.NewStore(e.layout.StateDir(jobID), e.cfg.Retention.CheckpointKeep),
		dead:    dead,
		elog:    elog,
		emit:    events.NewEmitter(e.bus, elog),
		pool:    worktree.NewPool(e.repo, e.layout, e.cfg.Branch.Prefix, e.log),
		started: time.Now(),
	}, nil
}

// Run executes a job from scratch: setup, item load, map, reduce, merge.
// Configuration and input errors are returned before any phase runs; phase
// failures are reported through the Result status instead.
func (e *Engine) Run(ctx context.Context, job *Job) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	r, err := e.newJobRun(job, jobID)
	if err != nil {
		return nil, err
	}
	defer r.elog.Close()

	log := e.log.With("job_id", jobID)
	log.Info("starting job", "name", job.Name)

	work, err := e.loadItems(job)
	if err != nil {
		return nil, err
	}
	cfgJSON, err := json.Marshal(job)
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfigInvalid, "failed to snapshot job config", err)
	}
	r.cp = checkpoint.New(jobID, work, cfgJSON)
	if err := r.store.Save(r.cp); err != nil {
		return nil, err
	}

	e.emitRecord(r, events.New(jobID, events.KindJobStarted, events.JobStarted{
		JobID:      jobID,
		Workflow:   job.Name,
		TotalItems: len(work),
		Parallel:   job.Map.Parallel(),
	}))

	return e.execute(ctx, r)
}

// loadItems produces the frozen work-item set for a job.
func (e *Engine) loadItems(job *Job) ([]checkpoint.WorkItem, error) {
	if job.Map.ZeroItems() {
		return nil, nil
	}
	loaded, err := items.Load(job.Map.Source(), e.Stdin)
	if err != nil {
		return nil, err
	}
	work := make([]checkpoint.WorkItem, len(loaded))
	for i, it := range loaded {
		work[i] = checkpoint.WorkItem{ID: it.ID, Data: json.RawMessage(it.JSON())}
	}
	return work, nil
}

// execute runs the phases against an initialized checkpoint. It is shared
// by Run and Resume.
func (e *Engine) execute(ctx context.Context, r *jobRun) (*Result, error) {
	stages := []string{"map"}
	if len(r.job.Setup) > 0 && !r.resumed {
		stages = append([]string{"setup"}, stages...)
	}
	if len(r.job.Reduce) > 0 {
		stages = append(stages, "reduce")
	}
	stages = append(stages, "merge")
	e.emitRecord(r, events.New(r.jobID, events.KindPipelineStarted, events.PipelineStarted{
		JobID:  r.jobID,
		Stages: stages,
	}))

	if len(r.job.Setup) > 0 && !r.resumed {
		if err := e.runStage(ctx, r, "setup", func() error {
			return e.runSteps(ctx, r, r.job.Setup, workflow.NewContext())
		}); err != nil {
			if ctx.Err() != nil {
				return e.finish(r, StatusCancelled), nil
			}
			e.emitRecord(r, events.New(r.jobID, events.KindJobFailed, events.JobFailed{
				JobID: r.jobID,
				Error: err.Error(),
				Phase: "setup",
			}))
			return e.finish(r, StatusSetupFailed), nil
		}
	}

	if err := e.runStage(ctx, r, "map", func() error {
		return e.runMap(ctx, r)
	}); err != nil {
		e.emitRecord(r, events.New(r.jobID, events.KindJobPaused, events.JobPaused{
			JobID:  r.jobID,
			Reason: "cancelled",
		}))
		return e.finish(r, StatusCancelled), nil
	}

	if len(r.job.Reduce) > 0 && (r.cp.ReduceState == nil || !r.cp.ReduceState.Completed) {
		if err := e.runStage(ctx, r, "reduce", func() error {
			return e.runReduce(ctx, r)
		}); err != nil {
			if ctx.Err() != nil {
				return e.finish(r, StatusCancelled), nil
			}
			e.emitRecord(r, events.New(r.jobID, events.KindJobFailed, events.JobFailed{
				JobID: r.jobID,
				Error: err.Error(),
				Phase: "reduce",
			}))
			return e.finish(r, StatusReduceFailed), nil
		}
	}

	var mergeStatus Status
	if err := e.runStage(ctx, r, "merge", func() error {
		var err error
		mergeStatus, err = e.runMerge(ctx, r)
		return err
	}); err != nil {
		if ctx.Err() != nil {
			return e.finish(r, StatusCancelled), nil
		}
		e.emitRecord(r, events.New(r.jobID, events.KindJobFailed, events.JobFailed{
			JobID: r.jobID,
			Error: err.Error(),
			Phase: "merge",
		}))
		return e.finish(r, StatusMergeFailed), nil
	}
	if mergeStatus != "" {
		return e.finish(r, mergeStatus), nil
	}

	if len(r.cp.FailedAgents) > 0 {
		return e.finish(r, StatusPartialSuccess), nil
	}
	return e.finish(r, StatusSuccess), nil
}

// runStage wraps a phase with its timing event.
func (e *Engine) runStage(ctx context.Context, r *jobRun, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err == nil {
		e.emitRecord(r, events.New(r.jobID, events.KindPipelineStageCompleted, events.PipelineStageCompleted{
			JobID:      r.jobID,
			Stage:      name,
			DurationMs: time.Since(start).Milliseconds(),
		}))
	}
	return err
}

// runMap hands the pending items to the scheduler.
func (e *Engine) runMap(ctx context.Context, r *jobRun) error {
	sched := scheduler.New(scheduler.Config{
		JobID:          r.jobID,
		MaxParallel:    r.job.Map.Parallel(),
		AgentTimeout:   r.job.Map.AgentTimeout(),
		RetryOnFailure: r.job.Map.Retries(),
		AgentBinary:    e.cfg.Agent.Binary,
		AgentArgs:      e.cfg.Agent.ExtraArgs,
		Env:            r.job.Env,
		Grace:          e.cfg.Scheduler.GracePeriod(),
	}, r.pool, r.store, r.dead, r.emit, e.log.With("job_id", r.jobID))
	sched.Exec = e.Exec
	return sched.Run(ctx, r.cp, r.job.Map.AgentTemplate)
}

// runReduce executes the reduce workflow once in the parent repository with
// the aggregate map results in scope. Retriable failures back off and retry
// before the phase is declared failed.
func (e *Engine) runReduce(ctx context.Context, r *jobRun) error {
	r.cp.ReduceState = &checkpoint.PhaseState{Started: true}
	if err := r.store.Save(r.cp); err != nil {
		return err
	}

	vars := workflow.NewContext()
	e.mapResultVars(r, vars)

	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := e.runSteps(ctx, r, r.job.Reduce, vars)
		if err != nil && ctx.Err() == nil && engerr.IsRetriable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		r.cp.ReduceState.Error = err.Error()
		if saveErr := r.store.Save(r.cp); saveErr != nil {
			e.log.Error("failed to save checkpoint", "job_id", r.jobID, "error", saveErr)
		}
		return err
	}

	r.cp.ReduceState.Completed = true
	return r.store.Save(r.cp)
}

// runSteps executes a workflow in the parent repository.
func (e *Engine) runSteps(ctx context.Context, r *jobRun, steps []workflow.Step, vars *workflow.Context) error {
	runner := workflow.NewRunner(e.cfg.Agent.Binary, e.cfg.Scheduler.GracePeriod(), e.log.With("job_id", r.jobID))
	runner.AgentArgs = e.cfg.Agent.ExtraArgs
	runner.Env = r.job.Env
	if e.Exec != nil {
		runner.Exec = e.Exec
	}
	_, err := runner.RunWorkflow(ctx, e.repo.Dir(), steps, vars)
	return err
}

// mapResultVars exposes the aggregate map outcome to reduce and merge
// workflows.
func (e *Engine) mapResultVars(r *jobRun, vars *workflow.Context) {
	n := r.cp.Counts()
	vars.Variables["map.successful"] = fmt.Sprintf("%d", n.Completed)
	vars.Variables["map.failed"] = fmt.Sprintf("%d", n.Failed)
	vars.Variables["map.total"] = fmt.Sprintf("%d", len(r.cp.WorkItems))
	if data, err := json.Marshal(r.cp.CompletedAgents); err == nil {
		vars.Variables["map.results"] = string(data)
	}
}

// completionOrder returns completed item ids ordered by when their agent
// finished, which fixes the default merge order.
func completionOrder(cp *checkpoint.Checkpoint) []string {
	ids := make([]string, 0, len(cp.CompletedAgents))
	for id := range cp.CompletedAgents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := cp.CompletedAgents[ids[i]], cp.CompletedAgents[ids[j]]
		if !a.FinishedAt.Equal(b.FinishedAt) {
			return a.FinishedAt.Before(b.FinishedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// finish records the terminal job state and builds the result summary.
func (e *Engine) finish(r *jobRun, status Status) *Result {
	duration := time.Since(r.started)
	n := r.cp.Counts()

	r.cp.IsComplete = status != StatusCancelled
	if err := r.store.Save(r.cp); err != nil {
		e.log.Error("failed to save final checkpoint", "job_id", r.jobID, "error", err)
	}

	switch status {
	case StatusCancelled, StatusSetupFailed, StatusReduceFailed, StatusMergeFailed:
		// Terminal event already emitted by the failing phase.
	default:
		e.emitRecord(r, events.New(r.jobID, events.KindJobCompleted, events.JobCompleted{
			JobID:      r.jobID,
			Successful: n.Completed,
			Failed:     n.Failed,
			DurationMs: duration.Milliseconds(),
		}))
	}
	e.emitRecord(r, events.New(r.jobID, events.KindPipelineCompleted, events.PipelineCompleted{
		JobID:   r.jobID,
		Success: status == StatusSuccess,
	}))

	if _, err := events.WriteIndex(e.layout.EventsDir(r.jobID)); err != nil {
		e.log.Warn("failed to regenerate event index", "job_id", r.jobID, "error", err)
	}

	res := &Result{
		JobID:     r.jobID,
		JobName:   r.job.Name,
		Status:    status,
		Total:     len(r.cp.WorkItems),
		Completed: n.Completed,
		Failed:    n.Failed,
		Duration:  duration,
		DLQDir:    r.dead.Dir(),
		EventsDir: e.layout.EventsDir(r.jobID),
		Merged:    r.merged,
		Conflicts: r.conflicted,
	}
	e.log.Info("job finished",
		"job_id", r.jobID, "status", status,
		"completed", n.Completed, "failed", n.Failed, "duration", duration)
	return res
}

func (e *Engine) emitRecord(r *jobRun, rec events.Record) {
	if err := r.emit.Emit(rec); err != nil {
		e.log.Error("failed to record event", "kind", rec.Kind(), "error", err)
	}
}
