package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iepathos/prodigy/internal/checkpoint"
	"github.com/iepathos/prodigy/internal/dlq"
	"github.com/iepathos/prodigy/internal/events"
	"github.com/iepathos/prodigy/internal/gitx"
	"github.com/iepathos/prodigy/internal/storage"
	"github.com/iepathos/prodigy/internal/testutil"
	"github.com/iepathos/prodigy/internal/workflow"
	"github.com/iepathos/prodigy/internal/worktree"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	if c.MaxParallel != 10 {
		t.Errorf("MaxParallel = %d", c.MaxParallel)
	}
	if c.AgentTimeout != 600*time.Second {
		t.Errorf("AgentTimeout = %s", c.AgentTimeout)
	}
	if c.Grace != 10*time.Second {
		t.Errorf("Grace = %s", c.Grace)
	}
	if c.AgentBinary != "claude" {
		t.Errorf("AgentBinary = %q", c.AgentBinary)
	}
}

type recorder struct {
	mu   sync.Mutex
	recs []events.Record
}

func (r *recorder) add(rec events.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) ofKind(k events.Kind) []events.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Record
	for _, rec := range r.recs {
		if rec.Kind() == k {
			out = append(out, rec)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *recorder) {
	t.Helper()

	repoDir := testutil.SetupTestRepo(t)
	repo, err := gitx.Open(repoDir)
	if err != nil {
		t.Fatalf("gitx.Open() error = %v", err)
	}
	layout, err := storage.NewLayout(t.TempDir(), repoDir)
	if err != nil {
		t.Fatalf("storage.NewLayout() error = %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := worktree.NewPool(repo, layout, "prodigy", log)
	store := checkpoint.NewStore(layout.StateDir(cfg.JobID), 3)
	dead, err := dlq.Open(layout.DLQDir(cfg.JobID), 0, 0)
	if err != nil {
		t.Fatalf("dlq.Open() error = %v", err)
	}

	elog, err := events.OpenLog(layout.EventsDir(cfg.JobID), 1)
	if err != nil {
		t.Fatalf("events.OpenLog() error = %v", err)
	}
	t.Cleanup(func() { _ = elog.Close() })

	bus := events.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.add)

	return New(cfg, pool, store, dead, events.NewEmitter(bus, elog), log), rec
}

func testItems(ids ...string) []checkpoint.WorkItem {
	items := make([]checkpoint.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = checkpoint.WorkItem{
			ID:   id,
			Data: json.RawMessage(fmt.Sprintf(`{"id":%q,"path":"src/%s.go"}`, id, id)),
		}
	}
	return items
}

func TestRunCompletesAllItems(t *testing.T) {
	s, rec := newTestScheduler(t, Config{
		JobID:       "job1",
		MaxParallel: 2,
		Grace:       time.Second,
	})
	cp := checkpoint.New("job1", testItems("a", "b", "c"), nil)

	steps := []workflow.Step{{
		Shell:          "echo ${ITEM_ID} > out.txt && git add -A && git commit -qm ${ITEM_ID}",
		CommitRequired: true,
	}}
	if err := s.Run(context.Background(), cp, steps); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(cp.CompletedAgents) != 3 {
		t.Fatalf("completed = %d, want 3", len(cp.CompletedAgents))
	}
	if len(cp.PendingItems) != 0 || len(cp.FailedAgents) != 0 {
		t.Errorf("pending = %v, failed = %v, want both empty", cp.PendingItems, cp.FailedAgents)
	}
	for id, res := range cp.CompletedAgents {
		if len(res.Commits) != 1 {
			t.Errorf("item %s commits = %v, want exactly one", id, res.Commits)
		}
		if res.Attempt != 1 {
			t.Errorf("item %s attempt = %d, want 1", id, res.Attempt)
		}
	}

	if got := len(rec.ofKind(events.KindAgentStarted)); got != 3 {
		t.Errorf("AgentStarted events = %d, want 3", got)
	}
	if got := len(rec.ofKind(events.KindAgentCompleted)); got != 3 {
		t.Errorf("AgentCompleted events = %d, want 3", got)
	}

	session, err := s.pool.Get("agent-job1-a")
	if err != nil {
		t.Fatalf("Get(agent-job1-a) error = %v", err)
	}
	if session.Status != worktree.StatusCompleted {
		t.Errorf("session status = %s, want %s", session.Status, worktree.StatusCompleted)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	s, _ := newTestScheduler(t, Config{
		JobID:          "job2",
		MaxParallel:    1,
		RetryOnFailure: 2,
		Grace:          time.Second,
	})
	cp := checkpoint.New("job2", testItems("a"), nil)

	// First attempt plants the marker and fails; the retry finds it.
	marker := filepath.Join(t.TempDir(), "seen")
	steps := []workflow.Step{{
		Shell: fmt.Sprintf("test -f %s || { touch %s; exit 1; }", marker, marker),
	}}
	if err := s.Run(context.Background(), cp, steps); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	res, ok := cp.CompletedAgents["a"]
	if !ok {
		t.Fatalf("item a not completed: failed = %v", cp.FailedAgents)
	}
	if res.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", res.Attempt)
	}
}

func TestRunDeadLettersAfterRetries(t *testing.T) {
	s, rec := newTestScheduler(t, Config{
		JobID:          "job3",
		MaxParallel:    1,
		RetryOnFailure: 1,
		Grace:          time.Second,
	})
	cp := checkpoint.New("job3", testItems("a"), nil)

	steps := []workflow.Step{{Shell: "exit 1"}}
	if err := s.Run(context.Background(), cp, steps); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	fr, ok := cp.FailedAgents["a"]
	if !ok {
		t.Fatal("item a not in failed_agents")
	}
	if !fr.DeadLettered {
		t.Error("failure record not marked dead-lettered")
	}
	if fr.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", fr.Attempts)
	}

	failed := rec.ofKind(events.KindAgentFailed)
	if len(failed) != 2 {
		t.Fatalf("AgentFailed events = %d, want 2", len(failed))
	}
	first := failed[0].Event.Body.(events.AgentFailed)
	last := failed[1].Event.Body.(events.AgentFailed)
	if !first.WillRetry || last.WillRetry {
		t.Errorf("will_retry sequence = %v,%v, want true,false", first.WillRetry, last.WillRetry)
	}

	item, err := s.dead.Get("a")
	if err != nil {
		t.Fatalf("dlq.Get(a) error = %v", err)
	}
	if len(item.Attempts) != 2 {
		t.Errorf("dlq attempts = %d, want 2", len(item.Attempts))
	}
	if !item.ReprocessEligible {
		t.Error("exit-code failure should be reprocess eligible")
	}

	session, err := s.pool.Get("agent-job3-a")
	if err != nil {
		t.Fatalf("Get(agent-job3-a) error = %v", err)
	}
	if session.Status != worktree.StatusFailed {
		t.Errorf("session status = %s, want %s", session.Status, worktree.StatusFailed)
	}
}

func TestRunTimeoutIsTerminalKind(t *testing.T) {
	s, _ := newTestScheduler(t, Config{
		JobID:        "job4",
		MaxParallel:  1,
		AgentTimeout: 300 * time.Millisecond,
		Grace:        time.Second,
	})
	cp := checkpoint.New("job4", testItems("a"), nil)

	steps := []workflow.Step{{Shell: "sleep 30"}}
	if err := s.Run(context.Background(), cp, steps); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	fr, ok := cp.FailedAgents["a"]
	if !ok {
		t.Fatal("item a not in failed_agents")
	}
	if fr.ErrorKind != "Timeout" {
		t.Errorf("error kind = %s, want Timeout", fr.ErrorKind)
	}

	item, err := s.dead.Get("a")
	if err != nil {
		t.Fatalf("dlq.Get(a) error = %v", err)
	}
	if !item.ReprocessEligible {
		t.Error("timeout should be reprocess eligible")
	}
}

func TestRunCancelReturnsItemsToPending(t *testing.T) {
	s, _ := newTestScheduler(t, Config{
		JobID:       "job5",
		MaxParallel: 1,
		Grace:       time.Second,
	})
	cp := checkpoint.New("job5", testItems("a"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	steps := []workflow.Step{{Shell: "sleep 30"}}
	err := s.Run(ctx, cp, steps)
	if err != context.Canceled {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	if len(cp.PendingItems) != 1 || cp.PendingItems[0] != "a" {
		t.Errorf("pending = %v, want [a]", cp.PendingItems)
	}
	if len(cp.CompletedAgents) != 0 || len(cp.FailedAgents) != 0 {
		t.Errorf("completed = %v, failed = %v, want both empty", cp.CompletedAgents, cp.FailedAgents)
	}

	session, err := s.pool.Get("agent-job5-a")
	if err != nil {
		t.Fatalf("Get(agent-job5-a) error = %v", err)
	}
	if session.Status != worktree.StatusInterrupted {
		t.Errorf("session status = %s, want %s", session.Status, worktree.StatusInterrupted)
	}
}

func TestRunAgentSubprocessContract(t *testing.T) {
	s, _ := newTestScheduler(t, Config{
		JobID:       "job6",
		MaxParallel: 1,
		AgentBinary: "claude",
		Env:         map[string]string{"WORKFLOW_VAR": "yes"},
		Grace:       time.Second,
	})
	cp := checkpoint.New("job6", testItems("a"), nil)

	var (
		mu    sync.Mutex
		specs []workflow.CommandSpec
	)
	s.Exec = func(ctx context.Context, spec workflow.CommandSpec) (workflow.CommandResult, error) {
		mu.Lock()
		specs = append(specs, spec)
		mu.Unlock()
		return workflow.CommandResult{ExitCode: 0}, nil
	}

	steps := []workflow.Step{{Claude: "/process ${ITEM_ID}"}}
	if err := s.Run(context.Background(), cp, steps); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("subprocess calls = %d, want 1", len(specs))
	}

	spec := specs[0]
	if spec.Name != "claude" {
		t.Errorf("binary = %s, want claude", spec.Name)
	}
	wantArgs := []string{"--dangerously-skip-permissions", "--print", "/process", "a"}
	if len(spec.Args) != len(wantArgs) {
		t.Fatalf("args = %v, want %v", spec.Args, wantArgs)
	}
	for i := range wantArgs {
		if spec.Args[i] != wantArgs[i] {
			t.Fatalf("args = %v, want %v", spec.Args, wantArgs)
		}
	}

	env := strings.Join(spec.Env, "\n")
	for _, want := range []string{
		"PRODIGY_AUTOMATION=true",
		"JOB_ID=job6",
		"AGENT_ID=job6-a-1",
		"ITEM_ID=a",
		"ATTEMPT=1",
		`ITEM_JSON={"id":"a","path":"src/a.go"}`,
		"ARGUMENTS=a",
		"WORKFLOW_VAR=yes",
	} {
		if !strings.Contains(env, want) {
			t.Errorf("subprocess env missing %q in:\n%s", want, env)
		}
	}
}

func TestRunEmptyPendingIsNoop(t *testing.T) {
	s, rec := newTestScheduler(t, Config{JobID: "job7", Grace: time.Second})
	cp := checkpoint.New("job7", nil, nil)

	if err := s.Run(context.Background(), cp, []workflow.Step{{Shell: "exit 1"}}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(rec.ofKind(events.KindAgentStarted)); got != 0 {
		t.Errorf("AgentStarted events = %d, want 0", got)
	}
}
