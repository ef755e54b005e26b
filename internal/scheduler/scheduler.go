// Package scheduler runs the map phase: it leases pending work items to a
// bounded pool of workers, gives each attempt an isolated worktree, and
// records every terminal outcome in the checkpoint, event log, and DLQ.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/iepathos/prodigy/internal/checkpoint"
	"github.com/iepathos/prodigy/internal/dlq"
	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/events"
	"github.com/iepathos/prodigy/internal/gitx"
	"github.com/iepathos/prodigy/internal/workflow"
	"github.com/iepathos/prodigy/internal/worktree"
)

// Config carries the map-phase knobs from the job definition.
type Config struct {
	JobID          string
	MaxParallel    int
	AgentTimeout   time.Duration
	RetryOnFailure int
	AgentBinary    string
	AgentArgs      []string
	Env            map[string]string
	Grace          time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 10
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 600 * time.Second
	}
	if c.RetryOnFailure < 0 {
		c.RetryOnFailure = 0
	}
	if c.AgentBinary == "" {
		c.AgentBinary = "claude"
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
}

// Scheduler executes agent attempts against pending work items. One
// Scheduler drives one map phase; it is not reusable across jobs.
type Scheduler struct {
	cfg   Config
	pool  *worktree.Pool
	store *checkpoint.Store
	dead  *dlq.Queue
	emit  *events.Emitter
	log   *slog.Logger

	// Exec, when set, replaces subprocess execution for every attempt.
	Exec workflow.Executor

	q *attemptQueue

	mu       sync.Mutex
	cp       *checkpoint.Checkpoint
	history  map[string][]dlq.Attempt
	inFlight int
}

// New builds a scheduler. Zero-valued config fields take the documented
// job defaults.
func New(cfg Config, pool *worktree.Pool, store *checkpoint.Store, dead *dlq.Queue, emit *events.Emitter, log *slog.Logger) *Scheduler {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		dead:    dead,
		emit:    emit,
		log:     log,
		history: make(map[string][]dlq.Attempt),
	}
}

// Run works through the checkpoint's pending items with the agent template
// until every item is completed or dead-lettered, or ctx is cancelled.
// The checkpoint is mutated in place and saved after every state change,
// so a crash resumes from the last recorded outcome. On cancellation the
// in-flight sessions are marked interrupted, their items returned to
// pending, and ctx.Err() is returned.
func (s *Scheduler) Run(ctx context.Context, cp *checkpoint.Checkpoint, steps []workflow.Step) error {
	s.cp = cp
	if len(cp.PendingItems) == 0 {
		return nil
	}

	s.q = newAttemptQueue()
	for _, id := range cp.PendingItems {
		s.q.Push(id, 1)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.q.Close()
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.MaxParallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				l, ok := s.q.Claim()
				if !ok {
					return
				}
				s.runAttempt(ctx, l, steps)
			}
		}()
	}
	wg.Wait()
	close(stop)

	s.emitMetrics()
	return ctx.Err()
}

// runAttempt executes one attempt end to end: lease the item, prepare a
// worktree session, run the agent template, and record the outcome.
func (s *Scheduler) runAttempt(ctx context.Context, l lease, steps []workflow.Step) {
	item := s.cp.Item(l.ItemID)
	if item == nil {
		s.log.Error("leased item missing from checkpoint", "item_id", l.ItemID)
		return
	}
	s.markLeased(l.ItemID)

	agentID := fmt.Sprintf("%s-%s-%d", s.cfg.JobID, l.ItemID, l.Attempt)
	sessionID := fmt.Sprintf("agent-%s-%s", s.cfg.JobID, l.ItemID)
	start := time.Now()

	session, err := s.pool.CreateSession(ctx, sessionID)
	if engerr.Is(err, engerr.ErrBranchExists) {
		// A previous attempt's branch survived a crash or retry; reattach
		// so the agent sees the commits it already made.
		session, err = s.pool.AttachSession(ctx, sessionID)
	}
	if err != nil {
		if ctx.Err() != nil {
			s.markInterrupted(l, "")
			return
		}
		s.finishFailure(ctx, l, agentID, item, "", err, start)
		return
	}

	s.emitRecord(events.New(agentID, events.KindAgentStarted, events.AgentStarted{
		JobID:    s.cfg.JobID,
		AgentID:  agentID,
		ItemID:   l.ItemID,
		Attempt:  l.Attempt,
		Worktree: session.Path,
		Branch:   session.Branch,
	}))

	runner := workflow.NewRunner(s.cfg.AgentBinary, s.cfg.Grace, s.log.With("agent_id", agentID))
	runner.AgentArgs = s.cfg.AgentArgs
	runner.Env = s.agentEnv(agentID, l, item)
	if s.Exec != nil {
		runner.Exec = s.Exec
	}
	runner.OnProgress = func(i int, step *workflow.Step, res *workflow.StepResult) {
		s.emitRecord(events.New(agentID, events.KindAgentProgress, events.AgentProgress{
			JobID:   s.cfg.JobID,
			AgentID: agentID,
			ItemID:  l.ItemID,
			Step:    fmt.Sprintf("%d/%d %s", i+1, len(steps), res.Kind),
			Message: res.Command,
		}))
	}

	vars := workflow.NewContext()
	s.itemVars(vars, agentID, l, item)

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
	_, err = runner.RunWorkflow(attemptCtx, session.Path, steps, vars)
	cancel()

	if err == nil {
		s.finishSuccess(ctx, l, agentID, session, start)
		return
	}
	if ctx.Err() != nil {
		s.markInterrupted(l, sessionID)
		return
	}
	if engerr.ClassifyKind(err) == engerr.KindCancelled {
		// The attempt deadline fired, not the job context.
		err = engerr.Wrap(engerr.KindTimeout,
			fmt.Sprintf("agent attempt exceeded timeout of %s", s.cfg.AgentTimeout), err).
			WithJob(s.cfg.JobID).WithItem(l.ItemID)
	}
	s.finishFailure(ctx, l, agentID, item, sessionID, err, start)
}

// finishSuccess harvests the attempt's commits and records the item as
// completed. The worktree is kept for the merge phase.
func (s *Scheduler) finishSuccess(ctx context.Context, l lease, agentID string, session *worktree.Session, start time.Time) {
	commits, err := gitx.At(session.Path).CommitsBetween(ctx, session.OriginalBranch, "HEAD")
	if err != nil {
		s.log.Warn("failed to list agent commits", "agent_id", agentID, "error", err)
	}
	if err := s.pool.SetStatus(session.Name, worktree.StatusCompleted); err != nil {
		s.log.Warn("failed to mark session completed", "session", session.Name, "error", err)
	}

	duration := time.Since(start)
	s.mu.Lock()
	s.cp.CompletedAgents[l.ItemID] = checkpoint.AgentResult{
		AgentID:    agentID,
		Attempt:    l.Attempt,
		Branch:     session.Branch,
		Commits:    commits,
		DurationMs: duration.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	delete(s.history, l.ItemID)
	s.saveLocked()
	s.mu.Unlock()

	s.emitRecord(events.New(agentID, events.KindAgentCompleted, events.AgentCompleted{
		JobID:      s.cfg.JobID,
		AgentID:    agentID,
		ItemID:     l.ItemID,
		Attempt:    l.Attempt,
		Commits:    commits,
		DurationMs: duration.Milliseconds(),
	}))
	s.log.Info("agent completed", "agent_id", agentID, "commits", len(commits), "duration", duration)
	s.markDone()
}

// finishFailure records a failed attempt, requeueing it with a fresh
// worktree while retries remain and dead-lettering it otherwise.
func (s *Scheduler) finishFailure(ctx context.Context, l lease, agentID string, item *checkpoint.WorkItem, sessionID string, cause error, start time.Time) {
	kind := engerr.ClassifyKind(cause)
	worktreePath := ""
	if sessionID != "" {
		if session, err := s.pool.Get(sessionID); err == nil {
			worktreePath = session.Path
		}
	}
	attempt := dlq.Attempt{
		Timestamp: time.Now().UTC(),
		ErrorKind: kind.String(),
		Error:     cause.Error(),
		Worktree:  worktreePath,
	}
	retry := l.Attempt <= s.cfg.RetryOnFailure && engerr.IsRetriable(cause)

	s.emitRecord(events.New(agentID, events.KindAgentFailed, events.AgentFailed{
		JobID:     s.cfg.JobID,
		AgentID:   agentID,
		ItemID:    l.ItemID,
		Attempt:   l.Attempt,
		ErrorKind: kind.String(),
		Error:     cause.Error(),
		WillRetry: retry,
	}))
	s.log.Warn("agent failed",
		"agent_id", agentID, "kind", kind, "attempt", l.Attempt, "retry", retry, "error", cause)

	if retry {
		// The next attempt starts from a fresh worktree.
		if sessionID != "" {
			if err := s.pool.CleanupSession(ctx, sessionID); err != nil {
				s.log.Warn("failed to clean up session before retry", "session", sessionID, "error", err)
			}
		}
		s.mu.Lock()
		s.history[l.ItemID] = append(s.history[l.ItemID], attempt)
		s.cp.PendingItems = append(s.cp.PendingItems, l.ItemID)
		s.saveLocked()
		s.mu.Unlock()
		s.q.Push(l.ItemID, l.Attempt+1)
		s.markDone()
		return
	}

	if sessionID != "" {
		if err := s.pool.SetStatus(sessionID, worktree.StatusFailed); err != nil {
			s.log.Warn("failed to mark session failed", "session", sessionID, "error", err)
		}
	}

	s.mu.Lock()
	history := append(s.history[l.ItemID], attempt)
	delete(s.history, l.ItemID)
	s.cp.FailedAgents[l.ItemID] = checkpoint.FailureRecord{
		Attempts:     l.Attempt,
		ErrorKind:    kind.String(),
		Error:        cause.Error(),
		Worktree:     worktreePath,
		DeadLettered: true,
		FailedAt:     time.Now().UTC(),
	}
	s.saveLocked()
	s.mu.Unlock()

	eligible := engerr.IsRetriable(cause)
	for _, at := range history {
		if _, err := s.dead.Add(l.ItemID, item.Data, at, eligible); err != nil {
			s.log.Error("failed to dead-letter item", "item_id", l.ItemID, "error", err)
			break
		}
	}
	s.markDone()
}

// markLeased removes an item from the pending list. Until a terminal
// state is recorded the item is in flight: present in the checkpoint's
// work items but in none of the three state sets.
func (s *Scheduler) markLeased(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.cp.PendingItems {
		if id == itemID {
			s.cp.PendingItems = append(s.cp.PendingItems[:i], s.cp.PendingItems[i+1:]...)
			break
		}
	}
	s.inFlight++
	s.saveLocked()
}

// markInterrupted returns a cancelled attempt's item to pending with its
// attempt number unchanged and leaves the worktree in place for resume.
func (s *Scheduler) markInterrupted(l lease, sessionID string) {
	if sessionID != "" {
		if err := s.pool.SetStatus(sessionID, worktree.StatusInterrupted); err != nil {
			s.log.Warn("failed to mark session interrupted", "session", sessionID, "error", err)
		}
	}
	s.mu.Lock()
	s.cp.PendingItems = append(s.cp.PendingItems, l.ItemID)
	s.inFlight--
	s.saveLocked()
	s.mu.Unlock()
}

// markDone retires an attempt and closes the queue once no work remains.
func (s *Scheduler) markDone() {
	s.mu.Lock()
	s.inFlight--
	done := s.inFlight == 0 && len(s.cp.PendingItems) == 0
	s.mu.Unlock()
	if done {
		s.q.Close()
	}
}

func (s *Scheduler) saveLocked() {
	if err := s.store.Save(s.cp); err != nil {
		s.log.Error("failed to save checkpoint", "job_id", s.cfg.JobID, "error", err)
	}
}

func (s *Scheduler) emitRecord(rec events.Record) {
	if s.emit == nil {
		return
	}
	if err := s.emit.Emit(rec); err != nil {
		s.log.Error("failed to record event", "kind", rec.Kind(), "error", err)
	}
}

func (s *Scheduler) emitMetrics() {
	n := s.cp.Counts()
	s.emitRecord(events.New(s.cfg.JobID, events.KindMetricsSnapshot, events.MetricsSnapshot{
		JobID:        s.cfg.JobID,
		Pending:      n.Pending,
		Running:      n.InFlight,
		Successful:   n.Completed,
		Failed:       n.Failed,
		DeadLettered: n.DeadLettered,
	}))
}

// agentEnv is the environment contract every agent subprocess receives.
func (s *Scheduler) agentEnv(agentID string, l lease, item *checkpoint.WorkItem) map[string]string {
	env := make(map[string]string, len(s.cfg.Env)+6)
	for k, v := range s.cfg.Env {
		env[k] = v
	}
	env["PRODIGY_AUTOMATION"] = "true"
	env["JOB_ID"] = s.cfg.JobID
	env["AGENT_ID"] = agentID
	env["ITEM_ID"] = l.ItemID
	env["ATTEMPT"] = strconv.Itoa(l.Attempt)
	env["ITEM_JSON"] = string(item.Data)
	return env
}

// itemVars seeds the interpolation context: the identifiers under their
// environment names, the raw item JSON as ${item}, and each scalar field
// of an object item as ${item.<key>}.
func (s *Scheduler) itemVars(vars *workflow.Context, agentID string, l lease, item *checkpoint.WorkItem) {
	vars.Variables["JOB_ID"] = s.cfg.JobID
	vars.Variables["AGENT_ID"] = agentID
	vars.Variables["ITEM_ID"] = l.ItemID
	vars.Variables["ATTEMPT"] = strconv.Itoa(l.Attempt)
	vars.Variables["item"] = string(item.Data)

	var fields map[string]any
	if err := json.Unmarshal(item.Data, &fields); err != nil {
		return
	}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			vars.Variables["item."+k] = val
		case float64:
			vars.Variables["item."+k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			vars.Variables["item."+k] = strconv.FormatBool(val)
		case nil:
			vars.Variables["item."+k] = ""
		default:
			raw, err := json.Marshal(v)
			if err == nil {
				vars.Variables["item."+k] = string(raw)
			}
		}
	}
}
