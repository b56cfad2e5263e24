// Package offset persists replication progress. The durable backend writes
// one JSON document per source partition with write-temp-then-rename so a
// partial write is never observed by a later load.
package offset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// document is the on-disk shape of a stored position.
type document struct {
	SourcePartition string         `json:"sourcePartition"`
	Offset          map[string]any `json:"offset"`
}

// FileStore is a file-backed core.OffsetStore. One writer is assumed (the
// source adapter); loads may proceed concurrently while save/delete are
// exclusive.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	lastSeen map[string]uint64
}

// NewFileStore creates the storage directory if needed and returns the store.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create offset directory: %v", core.ErrOffsetStore, err)
	}
	return &FileStore{
		dir:      dir,
		logger:   logger.With("component", "offset-store"),
		lastSeen: make(map[string]uint64),
	}, nil
}

// Save atomically persists the position. A position lower than the last one
// saved for the same partition in this process is refused: a lower position
// must never overwrite a higher one.
func (s *FileStore) Save(ctx context.Context, position core.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if position.SourcePartition == "" {
		return fmt.Errorf("%w: position has no source partition", core.ErrOffsetStore)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSeen[position.SourcePartition]; ok && position.Sequence < last {
		return fmt.Errorf("%w: refusing to regress partition %s from %d to %d",
			core.ErrOffsetStore, position.SourcePartition, last, position.Sequence)
	}

	data, err := json.Marshal(document{
		SourcePartition: position.SourcePartition,
		Offset:          position.Offset,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", core.ErrOffsetStore, err)
	}

	final := s.fileFor(position.SourcePartition)
	tmp, err := os.CreateTemp(s.dir, ".offset-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", core.ErrOffsetStore, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", core.ErrOffsetStore, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp: %v", core.ErrOffsetStore, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", core.ErrOffsetStore, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", core.ErrOffsetStore, err)
	}

	s.lastSeen[position.SourcePartition] = position.Sequence
	return nil
}

// Load returns the last successfully saved position for the partition, or
// nil when none exists. The Sequence is driver-specific and is recovered by
// the strategy from the offset map.
func (s *FileStore) Load(ctx context.Context, sourcePartition string) (*core.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.fileFor(sourcePartition))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", core.ErrOffsetStore, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", core.ErrOffsetStore, err)
	}

	return &core.Position{
		SourcePartition: doc.SourcePartition,
		Offset:          doc.Offset,
	}, nil
}

// Delete removes any stored position for the partition.
func (s *FileStore) Delete(ctx context.Context, sourcePartition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.fileFor(sourcePartition))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove: %v", core.ErrOffsetStore, err)
	}
	delete(s.lastSeen, sourcePartition)
	return nil
}

// Exists reports whether a position is stored for the partition.
func (s *FileStore) Exists(ctx context.Context, sourcePartition string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.fileFor(sourcePartition))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat: %v", core.ErrOffsetStore, err)
	}
	return true, nil
}

// fileFor maps a partition name to its document path. Partition names may
// contain host separators; everything outside [A-Za-z0-9._-] becomes '_'.
func (s *FileStore) fileFor(sourcePartition string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, sourcePartition)
	return filepath.Join(s.dir, sanitized+".json")
}

var _ core.OffsetStore = (*FileStore)(nil)
