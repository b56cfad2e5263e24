// Package schema tracks the last seen structure of every captured table and
// detects column-level differences without interrupting capture.
package schema

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// Tracker maintains the registered schema per table. The source worker is
// the single writer; Registered may be read concurrently.
type Tracker struct {
	logger *slog.Logger

	mu         sync.RWMutex
	registered map[core.TableIdentifier]map[string]string
}

// NewTracker returns an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:     logger.With("component", "schema-tracker"),
		registered: make(map[core.TableIdentifier]map[string]string),
	}
}

// Observe compares the currently seen columns of a table against the
// registered schema and returns the detected changes. On first sight the
// schema is registered silently and no changes are returned. After changes
// are returned, the registered schema is updated so the same difference is
// not re-emitted.
//
// COLUMN_RENAMED is only detectable from an explicit driver rename
// notification (see ObserveRename); a rename otherwise presents as
// COLUMN_ADDED plus COLUMN_REMOVED.
func (t *Tracker) Observe(table core.TableIdentifier, current map[string]string) []core.SchemaChanged {
	if len(current) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	previous, known := t.registered[table]
	if !known {
		t.registered[table] = cloneColumns(current)
		t.logger.Debug("Schema registered", "table", table.FQN(), "columns", len(current))
		return nil
	}

	now := time.Now().UTC()
	var changes []core.SchemaChanged

	for column, typ := range current {
		prevType, existed := previous[column]
		switch {
		case !existed:
			changes = append(changes, core.SchemaChanged{
				Table: table, Kind: core.ColumnAdded, Column: column,
				NewType: typ, Detected: now,
			})
		case prevType != typ:
			changes = append(changes, core.SchemaChanged{
				Table: table, Kind: core.TypeChanged, Column: column,
				OldType: prevType, NewType: typ, Detected: now,
			})
		}
	}
	for column, typ := range previous {
		if _, still := current[column]; !still {
			changes = append(changes, core.SchemaChanged{
				Table: table, Kind: core.ColumnRemoved, Column: column,
				OldType: typ, Detected: now,
			})
		}
	}

	if len(changes) > 0 {
		t.registered[table] = cloneColumns(current)
		for _, c := range changes {
			t.logger.Info("Schema change detected",
				"table", table.FQN(), "kind", string(c.Kind), "column", c.Column)
		}
	}
	return changes
}

// ObserveRename records an explicit rename notification from a driver and
// returns the corresponding COLUMN_RENAMED change.
func (t *Tracker) ObserveRename(table core.TableIdentifier, oldName, newName string) core.SchemaChanged {
	t.mu.Lock()
	defer t.mu.Unlock()

	change := core.SchemaChanged{
		Table: table, Kind: core.ColumnRenamed,
		Column: newName, Detected: time.Now().UTC(),
	}
	if cols, ok := t.registered[table]; ok {
		if typ, ok := cols[oldName]; ok {
			delete(cols, oldName)
			cols[newName] = typ
			change.OldType = typ
			change.NewType = typ
		}
	}
	return change
}

// Registered returns a copy of the registered schema for a table, or nil if
// the table has not been seen.
func (t *Tracker) Registered(table core.TableIdentifier) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cols, ok := t.registered[table]
	if !ok {
		return nil
	}
	return cloneColumns(cols)
}

// Reset forgets everything; used on restart with a new configuration.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registered = make(map[core.TableIdentifier]map[string]string)
}

func cloneColumns(cols map[string]string) map[string]string {
	out := make(map[string]string, len(cols))
	for k, v := range cols {
		out[k] = v
	}
	return out
}
