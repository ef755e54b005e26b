package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	engerr "github.com/iepathos/prodigy/internal/errors"
	"github.com/iepathos/prodigy/internal/filelock"
)

const (
	latestFileName = "latest"
	lockFileName   = "state.lock"
)

// versionPattern matches checkpoint file names.
var versionPattern = regexp.MustCompile(`^checkpoint-v(\d+)\.json$`)

// Store persists versioned checkpoints for a single job. Every save writes
// a new checkpoint-v{N}.json and repoints "latest"; older versions stay on
// disk until pruned, which is what makes corrupt-latest recovery possible.
type Store struct {
	dir  string
	keep int
}

// NewStore creates a checkpoint store rooted at the job state directory.
// keep bounds how many versions are retained after each save.
func NewStore(dir string, keep int) *Store {
	if keep < 1 {
		keep = 1
	}
	return &Store{dir: dir, keep: keep}
}

// Dir returns the job state directory.
func (s *Store) Dir() string { return s.dir }

// Save writes cp as the next checkpoint version. The version and creation
// time on cp are updated in place. A file lock serializes writers across
// processes; the data file is fsynced before the latest pointer moves.
func (s *Store) Save(cp *Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	fl := filelock.New(s.dir, lockFileName)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	versions, err := s.versions()
	if err != nil {
		return err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}
	cp.Version = next
	cp.CreatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	target := filepath.Join(s.dir, versionName(next))
	if err := writeFileSync(target, data); err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(s.dir, latestFileName), []byte(strconv.Itoa(next))); err != nil {
		return err
	}

	s.prune(append(versions, next))
	return nil
}

// Load reads the most recent readable checkpoint. If the latest version is
// corrupt it falls back to older versions, newest first. Returns
// ErrNoCheckpoint when no readable checkpoint exists.
func (s *Store) Load() (*Checkpoint, error) {
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return nil, engerr.ErrNoCheckpoint
	}

	fl := filelock.New(s.dir, lockFileName)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	versions, err := s.versions()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, engerr.ErrNoCheckpoint
	}

	// Prefer the version the latest pointer names, then walk backwards.
	ordered := make([]int, len(versions))
	copy(ordered, versions)
	sort.Sort(sort.Reverse(sort.IntSlice(ordered)))
	if pointed, ok := s.readLatestPointer(); ok {
		for i, v := range ordered {
			if v == pointed && i != 0 {
				ordered = append([]int{pointed}, append(ordered[:i], ordered[i+1:]...)...)
				break
			}
		}
	}

	var lastErr error
	for _, v := range ordered {
		cp, err := s.readVersion(v)
		if err != nil {
			lastErr = err
			continue
		}
		return cp, nil
	}
	if lastErr != nil {
		return nil, engerr.Wrap(engerr.KindCheckpointCorrupt, "no readable checkpoint version", lastErr)
	}
	return nil, engerr.NewError(engerr.KindCheckpointCorrupt, "no readable checkpoint version")
}

// readVersion decodes a single checkpoint file.
func (s *Store) readVersion(v int) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, versionName(v)))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, engerr.Wrap(engerr.KindCheckpointCorrupt, "decode checkpoint", err)
	}
	if cp.JobID == "" {
		return nil, engerr.NewError(engerr.KindCheckpointCorrupt, "checkpoint missing job id")
	}
	return &cp, nil
}

// readLatestPointer returns the version named by the latest marker.
func (s *Store) readLatestPointer() (int, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, latestFileName))
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(string(data))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// Versions returns all checkpoint versions on disk, ascending.
func (s *Store) Versions() ([]int, error) {
	return s.versions()
}

func (s *Store) versions() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var versions []int
	for _, entry := range entries {
		m := versionPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// prune removes versions beyond the retention bound, oldest first.
func (s *Store) prune(versions []int) {
	sort.Ints(versions)
	for len(versions) > s.keep {
		_ = os.Remove(filepath.Join(s.dir, versionName(versions[0])))
		versions = versions[1:]
	}
}

// Delete removes the entire job state directory.
func (s *Store) Delete() error {
	return os.RemoveAll(s.dir)
}

// writeFileSync writes data to path atomically: temp file, fsync, rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func versionName(v int) string {
	return fmt.Sprintf("checkpoint-v%d.json", v)
}
