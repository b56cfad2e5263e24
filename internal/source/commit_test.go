package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

func pos(seq uint64) core.Position {
	return core.Position{SourcePartition: "p", Offset: map[string]any{"seq": seq}, Sequence: seq}
}

func TestCommitTracker_InOrderAcks(t *testing.T) {
	tracker := newCommitTracker()

	s0 := tracker.add(pos(10))
	s1 := tracker.add(pos(20))

	committed := tracker.ack(s0)
	require.NotNil(t, committed)
	assert.Equal(t, uint64(10), committed.Sequence)

	committed = tracker.ack(s1)
	require.NotNil(t, committed)
	assert.Equal(t, uint64(20), committed.Sequence)
	assert.Equal(t, 0, tracker.outstanding())
}

func TestCommitTracker_OutOfOrderAcksCommitContiguousPrefix(t *testing.T) {
	tracker := newCommitTracker()

	s0 := tracker.add(pos(10))
	s1 := tracker.add(pos(20))
	s2 := tracker.add(pos(30))

	// Acking the middle and tail first commits nothing.
	assert.Nil(t, tracker.ack(s1))
	assert.Nil(t, tracker.ack(s2))
	assert.Equal(t, 3, tracker.outstanding())

	// The head ack releases the whole prefix at the highest position.
	committed := tracker.ack(s0)
	require.NotNil(t, committed)
	assert.Equal(t, uint64(30), committed.Sequence)
	assert.Equal(t, 0, tracker.outstanding())
}

func TestCommitTracker_FailedEventBlocksPrefix(t *testing.T) {
	tracker := newCommitTracker()

	_ = tracker.add(pos(10)) // never acked: delivery failed
	s1 := tracker.add(pos(20))
	s2 := tracker.add(pos(30))

	assert.Nil(t, tracker.ack(s1))
	assert.Nil(t, tracker.ack(s2))
	assert.Equal(t, 3, tracker.outstanding())
}

func TestCommitTracker_IssuedCounts(t *testing.T) {
	tracker := newCommitTracker()
	assert.Equal(t, uint64(0), tracker.issued())
	tracker.add(pos(1))
	tracker.add(pos(2))
	assert.Equal(t, uint64(2), tracker.issued())
}
