package source

import (
	"sync"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// commitTracker realizes the save-after-ack discipline. Every record handed
// to the publisher gets a monotonically increasing sequence; broker
// acknowledgements may arrive topic-interleaved, so only the highest
// contiguous acknowledged prefix is committed. An event that exhausted its
// delivery deadline blocks the prefix, keeping its offset unsaved until
// restart redelivers it.
type commitTracker struct {
	mu        sync.Mutex
	next      uint64
	low       uint64
	positions map[uint64]core.Position
	acked     map[uint64]bool
}

func newCommitTracker() *commitTracker {
	return &commitTracker{
		positions: make(map[uint64]core.Position),
		acked:     make(map[uint64]bool),
	}
}

// add registers a record position and returns its sequence.
func (t *commitTracker) add(pos core.Position) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.next
	t.next++
	t.positions[seq] = pos
	return seq
}

// ack marks a sequence acknowledged and returns the position of the highest
// newly contiguous prefix, or nil when the prefix did not advance.
func (t *commitTracker) ack(seq uint64) *core.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acked[seq] = true

	var committed *core.Position
	for t.acked[t.low] {
		pos := t.positions[t.low]
		committed = &pos
		delete(t.acked, t.low)
		delete(t.positions, t.low)
		t.low++
	}
	return committed
}

// issued returns how many sequences have been assigned so far.
func (t *commitTracker) issued() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// outstanding reports how many sequences are awaiting acknowledgement.
func (t *commitTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.next - t.low)
}
