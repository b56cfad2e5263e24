package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// snapshotReader emits the initial consistent snapshot of the configured
// tables as INSERT records flagged "snapshot". It runs before incremental
// capture when no stored offset exists.
type snapshotReader struct {
	db         *sql.DB
	tables     []core.TableIdentifier
	quote      func(core.TableIdentifier) string
	keyColumns func(core.TableIdentifier) []string
}

// emit streams every row of every table into out. The snapshot position is
// the incremental start position captured before the snapshot began, so a
// crash mid-snapshot restarts the snapshot rather than losing rows.
func (s *snapshotReader) emit(ctx context.Context, pos core.Position, out chan<- RawRecord) error {
	for _, table := range s.tables {
		if err := s.emitTable(ctx, table, pos, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshotReader) emitTable(ctx context.Context, table core.TableIdentifier, pos core.Position, out chan<- RawRecord) error {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+s.quote(table))
	if err != nil {
		return fmt.Errorf("%w: snapshot %s: %v", core.ErrDriverFatal, table.FQN(), err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("%w: snapshot %s: %v", core.ErrDriverFatal, table.FQN(), err)
	}
	names := make([]string, len(columnTypes))
	declared := make(map[string]string, len(columnTypes))
	for i, ct := range columnTypes {
		names[i] = ct.Name()
		declared[ct.Name()] = ct.DatabaseTypeName()
	}

	var keyColumns []string
	if s.keyColumns != nil {
		keyColumns = s.keyColumns(table)
	}

	for rows.Next() {
		values := make([]any, len(names))
		scan := make([]any, len(names))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return fmt.Errorf("%w: snapshot %s: %v", core.ErrDriverFatal, table.FQN(), err)
		}

		after := make(map[string]any, len(names))
		for i, name := range names {
			after[name] = values[i]
		}

		rec := RawRecord{
			Table:       table,
			OpCode:      opRead,
			Timestamp:   time.Now().UTC(),
			Position:    pos,
			After:       after,
			ColumnTypes: declared,
			KeyColumns:  keyColumns,
			Snapshot:    true,
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: snapshot %s: %v", core.ErrDriverTransient, table.FQN(), err)
	}
	return nil
}
