package offset

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// MemoryStore is an in-process core.OffsetStore used by tests and by the
// pipeline fixtures. It enforces the same non-regression rule as the file
// store.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]core.Position
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]core.Position)}
}

func (s *MemoryStore) Save(ctx context.Context, position core.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if position.SourcePartition == "" {
		return fmt.Errorf("%w: position has no source partition", core.ErrOffsetStore)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.positions[position.SourcePartition]; ok && position.Sequence < last.Sequence {
		return fmt.Errorf("%w: refusing to regress partition %s from %d to %d",
			core.ErrOffsetStore, position.SourcePartition, last.Sequence, position.Sequence)
	}
	s.positions[position.SourcePartition] = position
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, sourcePartition string) (*core.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[sourcePartition]
	if !ok {
		return nil, nil
	}
	copied := pos
	return &copied, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sourcePartition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, sourcePartition)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, sourcePartition string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[sourcePartition]
	return ok, nil
}

var _ core.OffsetStore = (*MemoryStore)(nil)
