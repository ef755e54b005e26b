package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func seedJobState(t *testing.T, e *Engine, jobID string, files map[string]time.Time) {
	t.Helper()
	for name, mtime := range files {
		var dir string
		if filepath.Ext(name) == ".jsonl" {
			dir = e.Layout().EventsDir(jobID)
		} else {
			dir = e.Layout().StateDir(jobID)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(`{"seq":1}`+"\n"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
}

func TestRetentionMaxAge(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Now()
	old := now.Add(-3 * time.Hour)

	seedJobState(t, e, "job1", map[string]time.Time{
		"checkpoint-v1.json": old,
		"checkpoint-v2.json": now,
		"events-000.jsonl":   old,
		"events-001.jsonl":   now,
	})

	report, err := e.RunRetention(RetentionPolicy{MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}
	if report.JobsScanned != 1 {
		t.Errorf("jobs scanned = %d, want 1", report.JobsScanned)
	}
	if report.CheckpointsDeleted != 1 || report.SegmentsDeleted != 1 {
		t.Errorf("deleted checkpoints/segments = %d/%d, want 1/1",
			report.CheckpointsDeleted, report.SegmentsDeleted)
	}
	if report.BytesFreed <= 0 {
		t.Error("bytes freed not reported")
	}

	stateDir := e.Layout().StateDir("job1")
	if _, err := os.Stat(filepath.Join(stateDir, "checkpoint-v1.json")); !os.IsNotExist(err) {
		t.Error("stale checkpoint v1 survived")
	}
	if _, err := os.Stat(filepath.Join(stateDir, "checkpoint-v2.json")); err != nil {
		t.Error("latest checkpoint must never be deleted")
	}
	eventsDir := e.Layout().EventsDir("job1")
	if _, err := os.Stat(filepath.Join(eventsDir, "events-000.jsonl")); !os.IsNotExist(err) {
		t.Error("stale event segment survived")
	}
	if _, err := os.Stat(filepath.Join(eventsDir, "events-001.jsonl")); err != nil {
		t.Error("newest event segment must never be deleted")
	}
	if _, err := os.Stat(filepath.Join(eventsDir, "index.json")); err != nil {
		t.Error("index not refreshed after segment deletion")
	}
}

func TestRetentionKeepsSegmentsNewerThanCheckpoint(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Now()

	// The segment is old enough for the age policy but postdates the
	// latest checkpoint, so it may hold unreflected events.
	seedJobState(t, e, "job1", map[string]time.Time{
		"checkpoint-v1.json": now.Add(-3 * time.Hour),
		"events-000.jsonl":   now.Add(-2 * time.Hour),
		"events-001.jsonl":   now,
	})

	report, err := e.RunRetention(RetentionPolicy{MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}
	if report.SegmentsDeleted != 0 {
		t.Errorf("segments deleted = %d, want 0", report.SegmentsDeleted)
	}
	if report.CheckpointsDeleted != 0 {
		t.Error("sole checkpoint must never be deleted")
	}
}

func TestRetentionMaxEventBytes(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Now()
	old := now.Add(-time.Hour)

	seedJobState(t, e, "job1", map[string]time.Time{
		"checkpoint-v1.json": now,
		"events-000.jsonl":   old,
		"events-001.jsonl":   old,
		"events-002.jsonl":   old,
	})

	// Each segment is 10 bytes; cap at 25 so only the oldest goes.
	report, err := e.RunRetention(RetentionPolicy{MaxEventBytes: 25})
	if err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}
	if report.SegmentsDeleted != 1 {
		t.Errorf("segments deleted = %d, want 1", report.SegmentsDeleted)
	}
	eventsDir := e.Layout().EventsDir("job1")
	if _, err := os.Stat(filepath.Join(eventsDir, "events-000.jsonl")); !os.IsNotExist(err) {
		t.Error("oldest segment should be deleted first")
	}
	for _, name := range []string{"events-001.jsonl", "events-002.jsonl"} {
		if _, err := os.Stat(filepath.Join(eventsDir, name)); err != nil {
			t.Errorf("%s should survive the size cap", name)
		}
	}

	// A second pass with nothing over budget is a no-op.
	report, err = e.RunRetention(RetentionPolicy{MaxEventBytes: 25})
	if err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}
	if report.SegmentsDeleted != 0 {
		t.Errorf("second pass deleted %d segments, want 0", report.SegmentsDeleted)
	}
}

func TestRetentionMaxEventSegments(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Now()
	old := now.Add(-time.Hour)

	seedJobState(t, e, "job1", map[string]time.Time{
		"checkpoint-v1.json": now,
		"events-000.jsonl":   old,
		"events-001.jsonl":   old,
		"events-002.jsonl":   old,
	})

	report, err := e.RunRetention(RetentionPolicy{MaxEventSegments: 1})
	if err != nil {
		t.Fatalf("RunRetention() error = %v", err)
	}
	if report.SegmentsDeleted != 2 {
		t.Errorf("segments deleted = %d, want 2", report.SegmentsDeleted)
	}
	if _, err := os.Stat(filepath.Join(e.Layout().EventsDir("job1"), "events-002.jsonl")); err != nil {
		t.Error("newest segment must survive a segment-count cap")
	}
}
