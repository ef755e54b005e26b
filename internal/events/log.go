package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// segmentPattern matches event segment file names.
var segmentPattern = regexp.MustCompile(`^events-(\d{3})\.jsonl$`)

// maxLineBytes bounds a single event line when reading back segments.
const maxLineBytes = 4 * 1024 * 1024

// Log is an append-only JSONL event log split into size-bounded segments.
// Writes go to the highest-numbered segment; when it exceeds the size limit
// a new segment is started. Appends are serialized by a mutex so a single
// Log can be shared by concurrent agents.
type Log struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
	file    *os.File
	seq     int
	size    int64
}

// OpenLog opens (or creates) the event log in dir. maxFileSizeMB bounds each
// segment; writes that would exceed it roll over to a new segment.
func OpenLog(dir string, maxFileSizeMB int) (*Log, error) {
	if maxFileSizeMB <= 0 {
		maxFileSizeMB = 10
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	l := &Log{
		dir:     dir,
		maxSize: int64(maxFileSizeMB) * 1024 * 1024,
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segs) > 0 {
		l.seq = segs[len(segs)-1]
	}

	if err := l.openSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

// openSegment opens the current segment for append and records its size.
func (l *Log) openSegment() error {
	path := filepath.Join(l.dir, segmentName(l.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat event segment: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Append writes one record as a JSON line and syncs it to disk.
func (l *Log) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	line := append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size > 0 && l.size+int64(len(line)) > l.maxSize {
		if err := l.roll(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

// roll closes the current segment and starts the next one.
func (l *Log) roll() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close event segment: %w", err)
	}
	l.seq++
	return l.openSegment()
}

// Close closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Dir returns the directory the log writes to.
func (l *Log) Dir() string { return l.dir }

// ReadAll reads every record from all segments in dir, oldest first.
// Lines that fail to decode are skipped and counted rather than failing
// the whole read; a partially written final line must not make the log
// unreadable.
func ReadAll(dir string) ([]Record, int, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return nil, 0, err
	}

	var records []Record
	skipped := 0
	for _, seq := range segs {
		path := filepath.Join(dir, segmentName(seq))
		f, err := os.Open(path)
		if err != nil {
			return nil, skipped, fmt.Errorf("failed to open event segment: %w", err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				skipped++
				continue
			}
			records = append(records, rec)
		}
		scanErr := scanner.Err()
		f.Close()
		if scanErr != nil {
			return nil, skipped, fmt.Errorf("failed to read event segment: %w", scanErr)
		}
	}
	return records, skipped, nil
}

// ReadJob reads all records whose correlation id matches jobID.
func ReadJob(dir, jobID string) ([]Record, error) {
	all, _, err := ReadAll(dir)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.CorrelationID == jobID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// listSegments returns segment sequence numbers in ascending order.
func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read event log directory: %w", err)
	}

	var segs []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := segmentPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		segs = append(segs, n)
	}
	sort.Ints(segs)
	return segs, nil
}

// segmentName formats a segment file name for a sequence number.
func segmentName(seq int) string {
	return fmt.Sprintf("events-%03d.jsonl", seq)
}
