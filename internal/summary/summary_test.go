package summary

import (
	"strings"
	"testing"
	"time"

	"github.com/iepathos/prodigy/internal/dlq"
	"github.com/iepathos/prodigy/internal/engine"
)

func TestRenderSuccess(t *testing.T) {
	res := &engine.Result{
		JobID:     "job-1",
		JobName:   "nightly",
		Status:    engine.StatusSuccess,
		Total:     3,
		Completed: 3,
		Merged:    3,
		Duration:  90 * time.Second,
		EventsDir: "/tmp/events/job-1",
	}

	out := Render(res, nil)
	for _, want := range []string{
		"nightly (job-1)",
		"3 total, 3 completed, 0 failed",
		"1m30s",
		"/tmp/events/job-1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "dlq") {
		t.Error("report mentions dlq with no stats")
	}
}

func TestRenderFailuresAndDLQ(t *testing.T) {
	res := &engine.Result{
		JobID:     "job-2",
		JobName:   "triage",
		Status:    engine.StatusPartialSuccess,
		Total:     5,
		Completed: 3,
		Failed:    2,
		Merged:    3,
		Conflicts: []string{"agent-job-2-x"},
		Duration:  4 * time.Second,
		DLQDir:    "/tmp/dlq/job-2",
		EventsDir: "/tmp/events/job-2",
	}
	stats := &dlq.Stats{
		Total:    2,
		Eligible: 2,
		Signatures: map[string]int{
			"command exited with status 1": 2,
		},
	}

	out := Render(res, stats)
	for _, want := range []string{
		"3 completed, 2 failed",
		"1 conflict(s) left in worktrees",
		"2 item(s), 2 eligible for reprocess",
		"command exited with status 1  x2",
		"/tmp/dlq/job-2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q, want unchanged", got)
	}
	long := strings.Repeat("x", 100)
	got := truncate(long, 20)
	if len(got) > 20+3 {
		t.Errorf("truncate() left %d bytes, want at most 23", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncate() = %q, want ... suffix", got)
	}
}

func TestTopSignatures(t *testing.T) {
	sigs := map[string]int{
		"timeout":   1,
		"exit 1":    5,
		"conflict":  3,
		"no commit": 3,
	}

	got := topSignatures(sigs, 3)
	want := []sigCount{
		{signature: "exit 1", count: 5},
		{signature: "conflict", count: 3},
		{signature: "no commit", count: 3},
	}
	if len(got) != len(want) {
		t.Fatalf("topSignatures() returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
