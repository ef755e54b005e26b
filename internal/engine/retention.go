package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/iepathos/prodigy/internal/checkpoint"
	"github.com/iepathos/prodigy/internal/events"
)

// RetentionPolicy bounds how much durable job state is kept. Zero values
// leave the corresponding dimension unbounded.
type RetentionPolicy struct {
	// MaxAge deletes checkpoints and event segments older than this.
	MaxAge time.Duration
	// MaxEventBytes caps the total event log size per job; the oldest
	// segments go first.
	MaxEventBytes int64
	// MaxEventSegments caps the number of event segments per job.
	MaxEventSegments int
}

// RetentionReport summarizes one retention run.
type RetentionReport struct {
	JobsScanned        int
	CheckpointsDeleted int
	SegmentsDeleted    int
	BytesFreed         int64
}

// RunRetention applies the policy to every job under this repository's
// state. The latest checkpoint of a job is never deleted, and no event
// segment newer than that checkpoint is ever deleted, so a retention run
// can never make a resumable job unresumable.
func (e *Engine) RunRetention(policy RetentionPolicy) (*RetentionReport, error) {
	jobIDs, err := e.layout.JobIDs()
	if err != nil {
		return nil, err
	}

	report := &RetentionReport{}
	now := time.Now()
	for _, jobID := range jobIDs {
		report.JobsScanned++
		cutoff := e.pruneCheckpoints(jobID, policy, now, report)
		e.pruneEvents(jobID, policy, now, cutoff, report)
	}
	return report, nil
}

// pruneCheckpoints deletes non-latest checkpoint versions older than the
// policy age. It returns the latest checkpoint's mtime, the safety cutoff
// for event deletion.
func (e *Engine) pruneCheckpoints(jobID string, policy RetentionPolicy, now time.Time, report *RetentionReport) time.Time {
	dir := e.layout.StateDir(jobID)
	store := checkpoint.NewStore(dir, 0)
	versions, err := store.Versions()
	if err != nil || len(versions) == 0 {
		return now
	}
	latest := versions[len(versions)-1]

	cutoff := now
	if info, err := os.Stat(filepath.Join(dir, checkpointName(latest))); err == nil {
		cutoff = info.ModTime()
	}

	if policy.MaxAge <= 0 {
		return cutoff
	}
	for _, v := range versions[:len(versions)-1] {
		path := filepath.Join(dir, checkpointName(v))
		info, err := os.Stat(path)
		if err != nil || now.Sub(info.ModTime()) < policy.MaxAge {
			continue
		}
		if err := os.Remove(path); err == nil {
			report.CheckpointsDeleted++
			report.BytesFreed += info.Size()
		}
	}
	return cutoff
}

// pruneEvents deletes old event segments, never touching the newest
// segment or anything written after the latest checkpoint.
func (e *Engine) pruneEvents(jobID string, policy RetentionPolicy, now, cutoff time.Time, report *RetentionReport) {
	dir := e.layout.EventsDir(jobID)
	segments, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if err != nil || len(segments) <= 1 {
		return
	}
	sort.Strings(segments)
	deletable := segments[:len(segments)-1]

	var totalSize int64
	for _, path := range segments {
		if info, err := os.Stat(path); err == nil {
			totalSize += info.Size()
		}
	}

	remaining := len(segments)
	remove := func(path string, size int64) {
		if err := os.Remove(path); err == nil {
			report.SegmentsDeleted++
			report.BytesFreed += size
			totalSize -= size
			remaining--
		}
	}

	for _, path := range deletable {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		// A segment mtime at or after the latest checkpoint means it may
		// hold events the checkpoint does not reflect.
		if !info.ModTime().Before(cutoff) {
			continue
		}
		switch {
		case policy.MaxAge > 0 && now.Sub(info.ModTime()) >= policy.MaxAge:
			remove(path, info.Size())
		case policy.MaxEventBytes > 0 && totalSize > policy.MaxEventBytes:
			remove(path, info.Size())
		case policy.MaxEventSegments > 0 && remaining > policy.MaxEventSegments:
			remove(path, info.Size())
		}
	}

	if report.SegmentsDeleted > 0 {
		if _, err := events.WriteIndex(dir); err != nil {
			e.log.Warn("failed to refresh event index after retention", "job_id", jobID, "error", err)
		}
	}
}

func checkpointName(v int) string {
	return fmt.Sprintf("checkpoint-v%d.json", v)
}
