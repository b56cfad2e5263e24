package source

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// defaultPollInterval is the change-table poll period for the engines that
// poll instead of tailing a push stream. Overridable via the database spec's
// additionalProperties ("poll_interval", Go duration syntax).
const defaultPollInterval = time.Second

// SQL Server CDC operation codes as returned by
// cdc.fn_cdc_get_all_changes_* with the 'all update old' row filter.
const (
	mssqlOpDelete       = 1
	mssqlOpInsert       = 2
	mssqlOpUpdateBefore = 3
	mssqlOpUpdateAfter  = 4
)

// sqlServerStrategy polls the CDC change tables that SQL Server maintains
// per capture instance. Positions are the 10-byte commit LSNs, hex encoded
// in the offset; the high 8 bytes order the partition.
type sqlServerStrategy struct {
	logger *slog.Logger
}

func newSQLServerStrategy(logger *slog.Logger) *sqlServerStrategy {
	return &sqlServerStrategy{logger: logger.With("component", "sqlserver-strategy")}
}

func (s *sqlServerStrategy) Name() string { return "sqlserver" }

func (s *sqlServerStrategy) MapOperation(code string) (core.OperationType, error) {
	return mapOperation(code)
}

func (s *sqlServerStrategy) DecodePosition(offset map[string]any) (core.Position, error) {
	raw, ok := offset["lsn"].(string)
	if !ok {
		return core.Position{}, fmt.Errorf("offset has no lsn field")
	}
	lsn, err := hex.DecodeString(raw)
	if err != nil || len(lsn) != 10 {
		return core.Position{}, fmt.Errorf("offset lsn %q is not a 10-byte hex LSN", raw)
	}
	return sqlServerPosition("", lsn), nil
}

func (s *sqlServerStrategy) BuildDriver(aggregate *config.Aggregate, start *core.Position) (Driver, error) {
	return &sqlServerDriver{
		aggregate: aggregate,
		start:     start,
		logger:    s.logger,
		records:   make(chan RawRecord, recordBufferSize),
	}, nil
}

func sqlServerPosition(partition string, lsn []byte) core.Position {
	return core.Position{
		SourcePartition: partition,
		Offset:          map[string]any{"lsn": hex.EncodeToString(lsn)},
		Sequence:        binary.BigEndian.Uint64(lsn[:8]),
	}
}

// sqlServerDriver polls cdc.fn_cdc_get_all_changes_<instance> per table and
// merges the windows in commit order.
type sqlServerDriver struct {
	aggregate *config.Aggregate
	start     *core.Position
	logger    *slog.Logger
	records   chan RawRecord
}

func (d *sqlServerDriver) Records() <-chan RawRecord { return d.records }

func (d *sqlServerDriver) Run(ctx context.Context) error {
	partition := d.aggregate.SourcePartition()

	db, err := sql.Open("sqlserver", d.dsn())
	if err != nil {
		return fmt.Errorf("%w: open: %v", core.ErrDriverTransient, err)
	}
	defer db.Close()

	var fromLSN []byte
	if d.start != nil {
		raw, _ := d.start.Offset["lsn"].(string)
		fromLSN, err = hex.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("%w: stored lsn undecodable: %v", core.ErrDriverFatal, err)
		}
	} else {
		fromLSN, err = d.maxLSN(ctx, db)
		if err != nil {
			return err
		}
		if err := d.snapshot(ctx, db, sqlServerPosition(partition, fromLSN)); err != nil {
			return err
		}
	}

	interval := pollInterval(d.aggregate)
	d.logger.Info("CDC change-table polling started",
		"interval", interval, "from_lsn", hex.EncodeToString(fromLSN))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := d.poll(ctx, db, partition, fromLSN)
			if err != nil {
				return err
			}
			fromLSN = next
		}
	}
}

// poll reads one change window across all tables, emits it in commit order
// and returns the new low-water LSN.
func (d *sqlServerDriver) poll(ctx context.Context, db *sql.DB, partition string, fromLSN []byte) ([]byte, error) {
	toLSN, err := d.maxLSN(ctx, db)
	if err != nil {
		return nil, err
	}
	if bytesCompare(toLSN, fromLSN) <= 0 {
		return fromLSN, nil
	}

	var window []RawRecord
	for _, table := range d.aggregate.TableIdentifiers() {
		recs, err := d.pollTable(ctx, db, partition, table, fromLSN, toLSN)
		if err != nil {
			return nil, err
		}
		window = append(window, recs...)
	}

	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Position.Sequence < window[j].Position.Sequence
	})

	for _, rec := range window {
		select {
		case d.records <- rec:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return toLSN, nil
}

// pollTable queries the capture instance of one table for the (from, to]
// window. The 'all update old' filter yields update-before rows immediately
// followed by their update-after row.
func (d *sqlServerDriver) pollTable(ctx context.Context, db *sql.DB, partition string, table core.TableIdentifier, fromLSN, toLSN []byte) ([]RawRecord, error) {
	instance := captureInstance(table)
	query := fmt.Sprintf(
		"SELECT * FROM cdc.fn_cdc_get_all_changes_%s(sys.fn_cdc_increment_lsn(@p1), @p2, N'all update old') ORDER BY __$start_lsn, __$seqval",
		instance)

	rows, err := db.QueryContext(ctx, query, fromLSN, toLSN)
	if err != nil {
		if isMissingCaptureInstance(err) {
			return nil, fmt.Errorf("%w: capture instance %s not enabled: %v", core.ErrDriverFatal, instance, err)
		}
		return nil, fmt.Errorf("%w: poll %s: %v", core.ErrDriverTransient, instance, err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("%w: poll %s: %v", core.ErrDriverTransient, instance, err)
	}
	names := make([]string, len(columnTypes))
	declared := make(map[string]string, len(columnTypes))
	for i, ct := range columnTypes {
		names[i] = ct.Name()
		if !strings.HasPrefix(ct.Name(), "__$") {
			declared[ct.Name()] = ct.DatabaseTypeName()
		}
	}

	keyColumns := d.keyColumns(table)
	var out []RawRecord
	var pendingBefore map[string]any

	for rows.Next() {
		values := make([]any, len(names))
		scan := make([]any, len(names))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("%w: poll %s: %v", core.ErrDriverTransient, instance, err)
		}

		var lsn []byte
		var operation int
		row := make(map[string]any, len(names))
		for i, name := range names {
			switch name {
			case "__$start_lsn":
				if b, ok := values[i].([]byte); ok {
					lsn = b
				}
			case "__$operation":
				operation = asInt(values[i])
			case "__$end_lsn", "__$seqval", "__$update_mask", "__$command_id":
			default:
				row[name] = values[i]
			}
		}
		if len(lsn) != 10 {
			continue
		}

		pos := sqlServerPosition(partition, lsn)
		rec := RawRecord{
			Table:       table,
			Timestamp:   time.Now().UTC(),
			Position:    pos,
			ColumnTypes: declared,
			KeyColumns:  keyColumns,
		}

		switch operation {
		case mssqlOpInsert:
			rec.OpCode = opCreate
			rec.After = row
		case mssqlOpDelete:
			rec.OpCode = opDelete
			rec.Before = row
		case mssqlOpUpdateBefore:
			pendingBefore = row
			continue
		case mssqlOpUpdateAfter:
			rec.OpCode = opUpdate
			rec.Before = pendingBefore
			rec.After = row
			pendingBefore = nil
			if rec.Before == nil {
				rec.Before = row
			}
		default:
			return nil, fmt.Errorf("%w: unknown CDC operation %d for %s", core.ErrDriverFatal, operation, instance)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: poll %s: %v", core.ErrDriverTransient, instance, err)
	}
	return out, nil
}

func (d *sqlServerDriver) maxLSN(ctx context.Context, db *sql.DB) ([]byte, error) {
	var lsn []byte
	if err := db.QueryRowContext(ctx, "SELECT sys.fn_cdc_get_max_lsn()").Scan(&lsn); err != nil {
		return nil, fmt.Errorf("%w: fn_cdc_get_max_lsn: %v", core.ErrDriverTransient, err)
	}
	if len(lsn) != 10 {
		return nil, fmt.Errorf("%w: CDC is not enabled on the database", core.ErrDriverFatal)
	}
	return lsn, nil
}

func (d *sqlServerDriver) snapshot(ctx context.Context, db *sql.DB, pos core.Position) error {
	reader := &snapshotReader{
		db:     db,
		tables: d.aggregate.TableIdentifiers(),
		quote: func(t core.TableIdentifier) string {
			schema := t.Schema
			if schema == "" {
				schema = "dbo"
			}
			return "[" + schema + "].[" + t.Table + "]"
		},
		keyColumns: d.keyColumns,
	}
	d.logger.Info("Initial snapshot started", "tables", len(reader.tables))
	if err := reader.emit(ctx, pos, d.records); err != nil {
		return err
	}
	d.logger.Info("Initial snapshot finished")
	return nil
}

func (d *sqlServerDriver) keyColumns(table core.TableIdentifier) []string {
	if rule, ok := d.aggregate.RuleFor(table); ok && rule.CompositeKey != nil {
		return rule.CompositeKey.ColumnNames
	}
	return nil
}

func (d *sqlServerDriver) dsn() string {
	spec := d.aggregate.Database
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		spec.Username, spec.Password, spec.Host, spec.Port, spec.Database)
	if spec.SSL != nil && spec.SSL.Enabled {
		dsn += "&encrypt=true"
	}
	return dsn
}

// captureInstance derives the default capture instance name schema_table.
func captureInstance(table core.TableIdentifier) string {
	schema := table.Schema
	if schema == "" {
		schema = "dbo"
	}
	return schema + "_" + table.Table
}

func isMissingCaptureInstance(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Invalid object name") ||
		strings.Contains(msg, "fn_cdc_get_all_changes")
}

func bytesCompare(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case []byte:
		if len(n) > 0 {
			return int(n[0])
		}
	}
	return -1
}

func pollInterval(aggregate *config.Aggregate) time.Duration {
	if v, ok := aggregate.Database.AdditionalProperties["poll_interval"]; ok {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultPollInterval
}
