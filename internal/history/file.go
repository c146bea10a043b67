package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	recordExt = ".json"
	tmpExt    = ".tmp"
)

// FileStore keeps one JSON file per agent under a directory. Writes go to a
// temporary file in the same directory which is synced and renamed over the
// committed file, so a crash mid-save leaves the previous record intact.
type FileStore struct {
	dir        string
	archiveDir string
	logger     *slog.Logger
	now        func() time.Time

	locks sync.Map // agent id -> *sync.Mutex

	// beforeRename runs after the temporary file is synced and closed. Tests
	// use it to simulate a crash between write and commit.
	beforeRename func(tmpPath string) error
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = l
	}
}

// WithArchiveDir sets where Archive writes full pre-summary copies. Defaults
// to an "archive" directory next to the history files.
func WithArchiveDir(dir string) FileOption {
	return func(s *FileStore) {
		s.archiveDir = dir
	}
}

// NewFileStore creates the history directory if needed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{
		dir:        dir,
		archiveDir: filepath.Join(dir, "archive"),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}
	return s, nil
}

// Dir returns the history directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(agentID string) string {
	return filepath.Join(s.dir, agentID+recordExt)
}

func (s *FileStore) lock(agentID string) func() {
	v, _ := s.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Save commits rec atomically. Saves for the same agent are serialized.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	unlock := s.lock(rec.AgentID)
	defer unlock()

	if err := s.writeAtomic(s.dir, rec.AgentID+recordExt, data); err != nil {
		return fmt.Errorf("saving history for %s: %w", rec.AgentID, err)
	}
	s.removeStale(rec.AgentID)
	s.logger.Debug("history saved", "agent", rec.AgentID, "messages", len(rec.Messages), "bytes", len(data))
	return nil
}

// Load returns the committed record for agentID.
func (s *FileStore) Load(_ context.Context, agentID string) (Record, error) {
	if err := ValidateID(agentID); err != nil {
		return Record{}, err
	}
	unlock := s.lock(agentID)
	data, err := os.ReadFile(s.path(agentID))
	unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return Record{}, fmt.Errorf("reading history for %s: %w", agentID, err)
	}
	return decodeRecord(agentID, data)
}

// List returns the ids of all committed records, sorted. Temporary files
// left by an interrupted save are ignored.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing history: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if ValidateID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the committed record for agentID.
func (s *FileStore) Delete(_ context.Context, agentID string) error {
	if err := ValidateID(agentID); err != nil {
		return err
	}
	unlock := s.lock(agentID)
	defer unlock()
	if err := os.Remove(s.path(agentID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return fmt.Errorf("deleting history for %s: %w", agentID, err)
	}
	s.removeStale(agentID)
	return nil
}

// Archive writes rec to <archive dir>/<agent>_<ulid>.json. Archive names sort
// by creation time.
func (s *FileStore) Archive(_ context.Context, rec Record) (string, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.archiveDir, 0o700); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	id := ulid.MustNew(ulid.Timestamp(s.now()), ulid.DefaultEntropy())
	name := rec.AgentID + "_" + id.String() + recordExt
	if err := s.writeAtomic(s.archiveDir, name, data); err != nil {
		return "", fmt.Errorf("archiving history for %s: %w", rec.AgentID, err)
	}
	path := filepath.Join(s.archiveDir, name)
	s.logger.Info("history archived", "agent", rec.AgentID, "path", path, "messages", len(rec.Messages))
	return path, nil
}

// writeAtomic writes data to dir/name through a synced temporary file and a
// rename, then syncs dir so the rename survives power loss. On failure the
// temporary file is removed and the previous file is untouched.
func (s *FileStore) writeAtomic(dir, name string, data []byte) error {
	file, err := os.CreateTemp(dir, "."+name+".*"+tmpExt)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmp := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmp); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}

	parent, err := os.Open(dir)
	if err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// removeStale deletes temporary files for agentID left behind by a crashed
// save. The caller holds the agent lock.
func (s *FileStore) removeStale(agentID string) {
	prefix := "." + agentID + recordExt + "."
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, tmpExt) {
			continue
		}
		// CreateTemp fills the wildcard with digits only; anything else
		// belongs to a different agent id.
		middle := strings.TrimSuffix(strings.TrimPrefix(name, prefix), tmpExt)
		if middle == "" || strings.Trim(middle, "0123456789") != "" {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			s.logger.Info("removed stale temporary history file", "agent", agentID, "file", name)
		}
	}
}
