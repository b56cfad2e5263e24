package offset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

func position(partition string, seq uint64) core.Position {
	return core.Position{
		SourcePartition: partition,
		Offset:          map[string]any{"lsn": "0/16B3748", "sequence_hint": float64(seq)},
		Sequence:        seq,
	}
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pos := position("postgres-localhost-cdcdb", 10)
	require.NoError(t, store.Save(ctx, pos))

	loaded, err := store.Load(ctx, pos.SourcePartition)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, pos.SourcePartition, loaded.SourcePartition)
	assert.Equal(t, "0/16B3748", loaded.Offset["lsn"])
}

func TestFileStore_LoadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	loaded, err := store.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestFileStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pos := position("p1", 1)

	require.NoError(t, store.Save(ctx, pos))
	exists, err := store.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "p1"))
	exists, err = store.Exists(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, exists)

	loaded, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting a missing partition is not an error.
	require.NoError(t, store.Delete(ctx, "p1"))
}

func TestFileStore_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pos := position("p1", 5)

	require.NoError(t, store.Save(ctx, pos))
	require.NoError(t, store.Save(ctx, pos))

	loaded, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, pos.SourcePartition, loaded.SourcePartition)
}

func TestFileStore_RefusesRegression(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx, position("p1", 10)))
	err := store.Save(ctx, position("p1", 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrOffsetStore)

	// The higher position survives.
	loaded, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
}

func TestFileStore_PartitionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx, position("p1", 10)))
	require.NoError(t, store.Save(ctx, position("p2", 3)))

	p1, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	p2, err := store.Load(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p1", p1.SourcePartition)
	assert.Equal(t, "p2", p2.SourcePartition)
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, position("p1", 1)))
	require.NoError(t, store.Save(ctx, position("p1", 2)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, ".json", filepath.Ext(entry.Name()),
			"unexpected non-document file %s", entry.Name())
	}
}

func TestFileStore_SanitizesPartitionNames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pos := position("postgres://host:5432/db", 1)
	require.NoError(t, store.Save(ctx, pos))

	loaded, err := store.Load(ctx, "postgres://host:5432/db")
	require.NoError(t, err)
	require.NotNil(t, loaded)
}

func TestMemoryStore_Contract(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Save(ctx, position("p1", 1)))
	loaded, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(1), loaded.Sequence)

	assert.ErrorIs(t, store.Save(ctx, position("p1", 0)), core.ErrOffsetStore)

	require.NoError(t, store.Delete(ctx, "p1"))
	loaded, err = store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
