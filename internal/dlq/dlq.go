// Package dlq implements the per-job dead letter queue. Items that exhaust
// their retries land here with their full failure history so they can be
// inspected, reprocessed, or purged after the fact.
package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"

	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/filelock"
)

const (
	itemsFileName = "items.jsonl"
	lockFileName  = "dlq.lock"
)

// Attempt is one failed run of an item.
type Attempt struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorKind string    `json:"error_kind"`
	Error     string    `json:"error"`
	Worktree  string    `json:"worktree,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
}

// Item is one dead-lettered work item with its ordered failure history.
type Item struct {
	ItemID            string          `json:"item_id"`
	Item              json.RawMessage `json:"item"`
	Attempts          []Attempt       `json:"attempts"`
	Signature         string          `json:"signature"`
	ReprocessEligible bool            `json:"reprocess_eligible"`
	RequeuedAt        *time.Time      `json:"requeued_at,omitempty"`
}

// LastAttempt returns the most recent failure, or a zero Attempt.
func (it Item) LastAttempt() Attempt {
	if len(it.Attempts) == 0 {
		return Attempt{}
	}
	return it.Attempts[len(it.Attempts)-1]
}

// FirstFailure is the timestamp of the oldest recorded attempt.
func (it Item) FirstFailure() time.Time {
	if len(it.Attempts) == 0 {
		return time.Time{}
	}
	return it.Attempts[0].Timestamp
}

// LastFailure is the timestamp of the newest recorded attempt.
func (it Item) LastFailure() time.Time {
	return it.LastAttempt().Timestamp
}

// Queue is the dead letter queue for one job. Mutations rewrite items.jsonl
// atomically under flock; the file holds items oldest first.
type Queue struct {
	dir       string
	maxItems  int
	retention time.Duration
}

// Open creates or opens the DLQ for a job state directory.
func Open(dir string, maxItems int, retention time.Duration) (*Queue, error) {
	if maxItems <= 0 {
		maxItems = 1000
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dlq directory: %w", err)
	}
	return &Queue{dir: dir, maxItems: maxItems, retention: retention}, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Add records a failed item. If the item id already exists the new attempt
// is appended to its history; otherwise a new entry is created. The error
// signature is recomputed from the last attempt. When the queue exceeds its
// bound the oldest entries are evicted first; Add reports how many were
// evicted.
func (q *Queue) Add(itemID string, itemJSON json.RawMessage, attempt Attempt, eligible bool) (evicted int, err error) {
	if itemID == "" {
		return 0, engerr.NewError(engerr.KindInputInvalid, "dlq item requires an item id")
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}

	fl := filelock.New(q.dir, lockFileName)
	if err := fl.Lock(); err != nil {
		return 0, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	items, err := q.load()
	if err != nil {
		return 0, err
	}

	updated := false
	for i := range items {
		if items[i].ItemID == itemID {
			items[i].Attempts = append(items[i].Attempts, attempt)
			items[i].Signature = Signature(attempt.Error)
			items[i].ReprocessEligible = eligible
			items[i].RequeuedAt = nil
			updated = true
			break
		}
	}
	if !updated {
		items = append(items, Item{
			ItemID:            itemID,
			Item:              itemJSON,
			Attempts:          []Attempt{attempt},
			Signature:         Signature(attempt.Error),
			ReprocessEligible: eligible,
		})
	}

	// FIFO eviction against the bound.
	if excess := len(items) - q.maxItems; excess > 0 {
		items = items[excess:]
		evicted = excess
	}

	return evicted, q.save(items)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// IDPattern is a glob matched against item ids.
	IDPattern string
	// Signature selects items with this exact error signature.
	Signature string
	// ErrorKind selects items whose last attempt failed with this kind.
	ErrorKind string
	// Since and Until bound the last failure time.
	Since time.Time
	Until time.Time
	// EligibleOnly keeps only reprocess-eligible items.
	EligibleOnly bool
	// IncludeRequeued keeps items already marked for reprocessing.
	IncludeRequeued bool
}

func (f Filter) matches(item Item, matcher glob.Glob) bool {
	if matcher != nil && !matcher.Match(item.ItemID) {
		return false
	}
	if f.Signature != "" && item.Signature != f.Signature {
		return false
	}
	if f.ErrorKind != "" && item.LastAttempt().ErrorKind != f.ErrorKind {
		return false
	}
	if !f.Since.IsZero() && item.LastFailure().Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && item.LastFailure().After(f.Until) {
		return false
	}
	if f.EligibleOnly && !item.ReprocessEligible {
		return false
	}
	if !f.IncludeRequeued && item.RequeuedAt != nil {
		return false
	}
	return true
}

// List returns items matching the filter, oldest first.
func (q *Queue) List(f Filter) ([]Item, error) {
	var matcher glob.Glob
	if f.IDPattern != "" {
		var err error
		matcher, err = glob.Compile(f.IDPattern)
		if err != nil {
			return nil, engerr.Wrap(engerr.KindInputInvalid, "invalid dlq filter pattern", err)
		}
	}

	items, err := q.loadLocked()
	if err != nil {
		return nil, err
	}

	var out []Item
	for _, item := range items {
		if f.matches(item, matcher) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Get returns a single item by id.
func (q *Queue) Get(itemID string) (Item, error) {
	items, err := q.loadLocked()
	if err != nil {
		return Item{}, err
	}
	for _, item := range items {
		if item.ItemID == itemID {
			return item, nil
		}
	}
	return Item{}, engerr.ErrDLQItemNotFound
}

// Reprocess marks the named items as requeued and returns them so the
// engine can schedule new attempts. Empty ids means every eligible item
// not yet requeued. Unknown ids fail the whole call.
func (q *Queue) Reprocess(ids []string) ([]Item, error) {
	fl := filelock.New(q.dir, lockFileName)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	items, err := q.load()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var selected []Item

	if len(ids) == 0 {
		for i := range items {
			if items[i].RequeuedAt == nil && items[i].ReprocessEligible {
				items[i].RequeuedAt = &now
				selected = append(selected, items[i])
			}
		}
	} else {
		byID := make(map[string]int, len(items))
		for i, item := range items {
			byID[item.ItemID] = i
		}
		for _, id := range ids {
			i, ok := byID[id]
			if !ok {
				return nil, engerr.Wrap(engerr.KindInputInvalid,
					fmt.Sprintf("dlq item %q", id), engerr.ErrDLQItemNotFound)
			}
			items[i].RequeuedAt = &now
			selected = append(selected, items[i])
		}
	}

	if len(selected) == 0 {
		return nil, nil
	}
	if err := q.save(items); err != nil {
		return nil, err
	}
	return selected, nil
}

// Remove deletes items by id. Unknown ids are ignored.
func (q *Queue) Remove(ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	fl := filelock.New(q.dir, lockFileName)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	items, err := q.load()
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, item := range items {
		if !drop[item.ItemID] {
			kept = append(kept, item)
		}
	}
	return q.save(kept)
}

// Purge removes items whose last failure is older than the retention
// window. Returns how many were removed.
func (q *Queue) Purge() (int, error) {
	if q.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-q.retention)

	fl := filelock.New(q.dir, lockFileName)
	if err := fl.Lock(); err != nil {
		return 0, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	items, err := q.load()
	if err != nil {
		return 0, err
	}
	kept := items[:0]
	removed := 0
	for _, item := range items {
		if item.LastFailure().Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, q.save(kept)
}

// Stats summarizes the queue grouped by error signature.
type Stats struct {
	Total      int            `json:"total"`
	Eligible   int            `json:"eligible"`
	Requeued   int            `json:"requeued"`
	Signatures map[string]int `json:"signatures"`
}

// Stats returns queue totals grouped by signature.
func (q *Queue) Stats() (Stats, error) {
	items, err := q.loadLocked()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Signatures: make(map[string]int)}
	for _, item := range items {
		s.Total++
		if item.ReprocessEligible {
			s.Eligible++
		}
		if item.RequeuedAt != nil {
			s.Requeued++
		}
		s.Signatures[item.Signature]++
	}
	return s, nil
}

// loadLocked acquires the lock for a read-only load.
func (q *Queue) loadLocked() ([]Item, error) {
	fl := filelock.New(q.dir, lockFileName)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return q.load()
}

// load reads items.jsonl, skipping lines that fail to decode.
func (q *Queue) load() ([]Item, error) {
	f, err := os.Open(filepath.Join(q.dir, itemsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open dlq: %w", err)
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dlq: %w", err)
	}
	return items, nil
}

// save rewrites items.jsonl atomically.
func (q *Queue) save(items []Item) error {
	var buf []byte
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal dlq item: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	target := filepath.Join(q.dir, itemsFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("failed to write dlq temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename dlq file: %w", err)
	}
	return nil
}
