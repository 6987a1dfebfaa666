// Package remote carries usage reports contributed by other users.
//
// fixnet never fetches remote data itself. A collaborator (a sync job, a
// shared cache file) produces a flat list of Records and the consensus layer
// reads them through a Source. The Source also tells the core which user is
// local so self-reports can be excluded from consensus.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Record is one user's aggregated usage of one fix.
type Record struct {
	FixHash   string            `json:"fix_hash"`
	UserID    string            `json:"user_id"`
	Attempts  int               `json:"attempts"`
	Successes int               `json:"successes"`
	Context   map[string]string `json:"context,omitempty"`
}

// Source supplies remote records.
type Source interface {
	// Records returns the current remote usage records.
	Records(ctx context.Context) ([]Record, error)

	// IsOwn reports whether userID is the local user.
	IsOwn(userID string) bool
}

// Dedupe keeps the last record for each (fix_hash, user_id) pair, preserving
// first-seen order. Records with negative counts are dropped and successes
// are capped at attempts.
func Dedupe(records []Record) []Record {
	index := make(map[[2]string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.FixHash == "" || r.Attempts < 0 || r.Successes < 0 {
			continue
		}
		if r.Successes > r.Attempts {
			r.Successes = r.Attempts
		}
		key := [2]string{r.FixHash, r.UserID}
		if i, ok := index[key]; ok {
			out[i] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

// StaticSource serves a fixed record list.
type StaticSource struct {
	mu      sync.RWMutex
	records []Record
	ownID   string
}

// NewStaticSource returns a source over records; ownID marks the local user.
func NewStaticSource(ownID string, records ...Record) *StaticSource {
	return &StaticSource{records: Dedupe(records), ownID: ownID}
}

// Records returns a copy of the records.
func (s *StaticSource) Records(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...), nil
}

// Set replaces the records.
func (s *StaticSource) Set(records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = Dedupe(records)
}

// IsOwn reports whether userID is the local user.
func (s *StaticSource) IsOwn(userID string) bool {
	return s.ownID != "" && userID == s.ownID
}

// FileSource reads a JSON array of records from disk and caches it until the
// file changes. Watch enables change notification; without it the cache is
// refreshed on every call.
type FileSource struct {
	path   string
	ownID  string
	logger *zap.Logger

	read func(path string) ([]Record, error)

	mu       sync.RWMutex
	cached   []Record
	valid    bool
	watching bool
	// generation counts invalidations so a read that raced one is not cached.
	generation uint64
}

// NewFileSource returns a source backed by path. A missing file yields no records.
func NewFileSource(path, ownID string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, ownID: ownID, logger: logger, read: readRecords}
}

// Records returns the file's records.
func (f *FileSource) Records(ctx context.Context) ([]Record, error) {
	f.mu.RLock()
	if f.valid && f.watching {
		out := append([]Record(nil), f.cached...)
		f.mu.RUnlock()
		return out, nil
	}
	gen := f.generation
	f.mu.RUnlock()

	records, err := f.read(f.path)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.generation == gen {
		f.cached = records
		f.valid = true
	}
	f.mu.Unlock()
	return append([]Record(nil), records...), nil
}

// IsOwn reports whether userID is the local user.
func (f *FileSource) IsOwn(userID string) bool {
	return f.ownID != "" && userID == f.ownID
}

// Watch invalidates the cache whenever the file is written, replaced or
// removed. It returns once the watcher is running; the watcher stops when
// ctx is cancelled.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory so atomic replace (rename over) is observed.
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	f.mu.Lock()
	f.watching = true
	f.valid = false
	f.generation++
	f.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				f.mu.Lock()
				f.watching = false
				f.mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(f.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					f.invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("remote records watcher error", zap.Error(err))
				f.invalidate()
			}
		}
	}()
	return nil
}

func (f *FileSource) invalidate() {
	f.mu.Lock()
	f.valid = false
	f.generation++
	f.mu.Unlock()
	f.logger.Debug("remote records cache invalidated", zap.String("path", f.path))
}

func readRecords(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading remote records: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decoding remote records %s: %w", path, err)
	}
	return Dedupe(records), nil
}
