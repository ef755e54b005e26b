package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const indexFileName = "index.json"

// Index is the advisory per-job summary of an event log directory. It is
// recomputed from the segments on demand and can always be regenerated,
// so readers must treat it as a cache, never as the source of truth.
type Index struct {
	TotalEvents  int            `json:"total_events"`
	SkippedLines int            `json:"skipped_lines"`
	ByKind       map[string]int `json:"by_kind"`
	FirstAt      *time.Time     `json:"first_at,omitempty"`
	LastAt       *time.Time     `json:"last_at,omitempty"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// BuildIndex scans every segment in dir and summarizes it.
func BuildIndex(dir string) (*Index, error) {
	records, skipped, err := ReadAll(dir)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		TotalEvents:  len(records),
		SkippedLines: skipped,
		ByKind:       make(map[string]int),
		GeneratedAt:  time.Now().UTC(),
	}
	for _, rec := range records {
		idx.ByKind[string(rec.Kind())]++
	}
	if len(records) > 0 {
		first := records[0].Timestamp
		last := records[len(records)-1].Timestamp
		idx.FirstAt = &first
		idx.LastAt = &last
	}
	return idx, nil
}

// WriteIndex regenerates index.json for dir. The write is atomic so a
// concurrent reader never sees a torn file.
func WriteIndex(dir string) (*Index, error) {
	idx, err := BuildIndex(dir)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, err
	}
	tmp := filepath.Join(dir, indexFileName+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, filepath.Join(dir, indexFileName)); err != nil {
		return nil, err
	}
	return idx, nil
}

// ReadIndex loads index.json from dir if present; ok is false when the
// index has not been generated yet.
func ReadIndex(dir string) (*Index, bool) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, false
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, false
	}
	return &idx, true
}
