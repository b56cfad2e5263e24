// Package source drives the engine-specific log decoders and converts their
// raw records into canonical change events, in commit order, with offsets
// committed only after broker acknowledgement.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// Operation codes shared by all drivers. Snapshot rows carry opRead and are
// mapped to INSERT with the snapshot flag set in metadata.
const (
	opCreate = "c"
	opRead   = "r"
	opUpdate = "u"
	opDelete = "d"
)

// RawRecord is one driver-native row change before normalization.
type RawRecord struct {
	Table       core.TableIdentifier
	OpCode      string
	Timestamp   time.Time
	Position    core.Position
	Before      map[string]any
	After       map[string]any
	ColumnTypes map[string]string
	KeyColumns  []string
	Snapshot    bool
}

// Tombstone reports whether the record carries no row images at all; such
// records are counted and discarded without blocking the stream.
func (r RawRecord) Tombstone() bool {
	return r.Before == nil && r.After == nil
}

// Driver is a running log decoder. Run blocks until the context is cancelled
// or the decoder fails; records are delivered on Records in commit order.
// Transient failures are reported as core.ErrDriverTransient so the adapter
// can rebuild the driver from the current position.
type Driver interface {
	Run(ctx context.Context) error
	Records() <-chan RawRecord
}

// Strategy encapsulates everything engine-specific: driver construction from
// the aggregate, operation-code mapping, and position decoding.
type Strategy interface {
	// Name is the engine label used in source partitions and connector
	// metadata.
	Name() string

	// BuildDriver constructs the engine driver. A nil start position
	// requests an initial snapshot followed by incremental capture from
	// the position current at snapshot begin.
	BuildDriver(aggregate *config.Aggregate, start *core.Position) (Driver, error)

	// MapOperation maps a driver operation code to the canonical
	// operation. Unknown codes are fatal.
	MapOperation(code string) (core.OperationType, error)

	// DecodePosition recovers the ordering sequence from a stored offset
	// map so a hydrated position is comparable again.
	DecodePosition(offset map[string]any) (core.Position, error)
}

// mapOperation is the shared code mapping: c|r -> INSERT, u -> UPDATE,
// d -> DELETE. Anything else fails the engine.
func mapOperation(code string) (core.OperationType, error) {
	switch code {
	case opCreate, opRead:
		return core.OperationInsert, nil
	case opUpdate:
		return core.OperationUpdate, nil
	case opDelete:
		return core.OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown operation code %q", core.ErrDriverFatal, code)
	}
}
