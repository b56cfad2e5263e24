package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/sijms/go-ora/v2"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// LogMiner operation codes in V$LOGMNR_CONTENTS.
const (
	oraOpInsert = 1
	oraOpDelete = 2
	oraOpUpdate = 3
)

// oracleStrategy mines committed changes from the redo stream through
// DBMS_LOGMNR and reconstructs row images from SQL_REDO. Positions are SCNs.
type oracleStrategy struct {
	logger *slog.Logger
}

func newOracleStrategy(logger *slog.Logger) *oracleStrategy {
	return &oracleStrategy{logger: logger.With("component", "oracle-strategy")}
}

func (s *oracleStrategy) Name() string { return "oracle" }

func (s *oracleStrategy) MapOperation(code string) (core.OperationType, error) {
	return mapOperation(code)
}

func (s *oracleStrategy) DecodePosition(offset map[string]any) (core.Position, error) {
	raw, ok := offset["scn"]
	if !ok {
		return core.Position{}, fmt.Errorf("offset has no scn field")
	}
	var scn uint64
	switch v := raw.(type) {
	case float64:
		scn = uint64(v)
	case int64:
		scn = uint64(v)
	case uint64:
		scn = v
	default:
		return core.Position{}, fmt.Errorf("offset scn has unexpected type %T", raw)
	}
	return oraclePosition("", scn), nil
}

func (s *oracleStrategy) BuildDriver(aggregate *config.Aggregate, start *core.Position) (Driver, error) {
	return &oracleDriver{
		aggregate: aggregate,
		start:     start,
		logger:    s.logger,
		records:   make(chan RawRecord, recordBufferSize),
	}, nil
}

func oraclePosition(partition string, scn uint64) core.Position {
	return core.Position{
		SourcePartition: partition,
		Offset:          map[string]any{"scn": scn},
		Sequence:        scn,
	}
}

// oracleDriver polls LogMiner over SCN windows: add the online redo members,
// start the miner for (from, to], read the committed DML for the configured
// tables, end the miner.
type oracleDriver struct {
	aggregate *config.Aggregate
	start     *core.Position
	logger    *slog.Logger
	records   chan RawRecord
}

func (d *oracleDriver) Records() <-chan RawRecord { return d.records }

func (d *oracleDriver) Run(ctx context.Context) error {
	partition := d.aggregate.SourcePartition()

	db, err := sql.Open("oracle", d.dsn())
	if err != nil {
		return fmt.Errorf("%w: open: %v", core.ErrDriverTransient, err)
	}
	defer db.Close()

	var fromSCN uint64
	if d.start != nil {
		fromSCN = d.start.Sequence
	} else {
		fromSCN, err = d.currentSCN(ctx, db)
		if err != nil {
			return err
		}
		if err := d.snapshot(ctx, db, oraclePosition(partition, fromSCN)); err != nil {
			return err
		}
	}

	interval := pollInterval(d.aggregate)
	d.logger.Info("LogMiner polling started", "interval", interval, "from_scn", fromSCN)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := d.poll(ctx, db, partition, fromSCN)
			if err != nil {
				return err
			}
			fromSCN = next
		}
	}
}

func (d *oracleDriver) poll(ctx context.Context, db *sql.DB, partition string, fromSCN uint64) (uint64, error) {
	toSCN, err := d.currentSCN(ctx, db)
	if err != nil {
		return 0, err
	}
	if toSCN <= fromSCN {
		return fromSCN, nil
	}

	if err := d.addRedoLogs(ctx, db); err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx,
		`BEGIN DBMS_LOGMNR.START_LOGMNR(STARTSCN => :1, ENDSCN => :2,
			OPTIONS => DBMS_LOGMNR.DICT_FROM_ONLINE_CATALOG + DBMS_LOGMNR.COMMITTED_DATA_ONLY); END;`,
		fromSCN, toSCN); err != nil {
		return 0, d.classifyMinerError(err)
	}
	defer db.ExecContext(context.Background(), `BEGIN DBMS_LOGMNR.END_LOGMNR; END;`)

	owners, tables := d.minedNames()
	rows, err := db.QueryContext(ctx,
		`SELECT scn, timestamp, operation_code, seg_owner, table_name, sql_redo
		   FROM v$logmnr_contents
		  WHERE operation_code IN (1, 2, 3)
		    AND scn > :1 AND scn <= :2
		  ORDER BY scn`,
		fromSCN, toSCN)
	if err != nil {
		return 0, fmt.Errorf("%w: query logmnr contents: %v", core.ErrDriverTransient, err)
	}
	defer rows.Close()

	for rows.Next() {
		var scn uint64
		var ts time.Time
		var opCode int
		var owner, tableName, sqlRedo string
		if err := rows.Scan(&scn, &ts, &opCode, &owner, &tableName, &sqlRedo); err != nil {
			return 0, fmt.Errorf("%w: scan logmnr row: %v", core.ErrDriverTransient, err)
		}
		if _, mined := owners[strings.ToUpper(owner)]; !mined {
			continue
		}
		if _, mined := tables[strings.ToUpper(tableName)]; !mined {
			continue
		}
		if err := d.emit(ctx, partition, scn, ts, opCode, sqlRedo); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: logmnr contents: %v", core.ErrDriverTransient, err)
	}
	return toSCN, nil
}

func (d *oracleDriver) emit(ctx context.Context, partition string, scn uint64, ts time.Time, opCode int, sqlRedo string) error {
	code, change, err := parseRedo(sqlRedo)
	if err != nil {
		// An unreconstructable statement becomes a counted tombstone
		// rather than a stream stall.
		d.logger.Warn("Redo statement unparseable, record skipped", "scn", scn, "error", err)
		select {
		case d.records <- RawRecord{
			Table:     core.TableIdentifier{Database: d.aggregate.Database.Database},
			OpCode:    opCreate,
			Timestamp: ts.UTC(),
			Position:  oraclePosition(partition, scn),
		}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch opCode {
	case oraOpInsert, oraOpDelete, oraOpUpdate:
	default:
		return fmt.Errorf("%w: unknown LogMiner operation %d", core.ErrDriverFatal, opCode)
	}

	table, matched := d.configuredTable(change.Owner, change.Table)
	if !matched {
		return nil
	}

	var keyColumns []string
	if rule, ok := d.aggregate.RuleFor(table); ok && rule.CompositeKey != nil {
		keyColumns = rule.CompositeKey.ColumnNames
	}

	rec := RawRecord{
		Table:      table,
		OpCode:     code,
		Timestamp:  ts.UTC(),
		Position:   oraclePosition(partition, scn),
		Before:     change.Before,
		After:      change.After,
		KeyColumns: keyColumns,
	}
	select {
	case d.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// addRedoLogs registers one member per online redo group with the miner.
func (d *oracleDriver) addRedoLogs(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT MIN(member) FROM v$logfile GROUP BY group#`)
	if err != nil {
		return fmt.Errorf("%w: list redo logs: %v", core.ErrDriverTransient, err)
	}
	defer rows.Close()

	first := true
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return fmt.Errorf("%w: scan redo log: %v", core.ErrDriverTransient, err)
		}
		option := "DBMS_LOGMNR.ADDFILE"
		if first {
			option = "DBMS_LOGMNR.NEW"
			first = false
		}
		stmt := fmt.Sprintf(`BEGIN DBMS_LOGMNR.ADD_LOGFILE(LOGFILENAME => :1, OPTIONS => %s); END;`, option)
		if _, err := db.ExecContext(ctx, stmt, member); err != nil {
			return d.classifyMinerError(err)
		}
	}
	return rows.Err()
}

func (d *oracleDriver) currentSCN(ctx context.Context, db *sql.DB) (uint64, error) {
	var scn uint64
	if err := db.QueryRowContext(ctx, `SELECT current_scn FROM v$database`).Scan(&scn); err != nil {
		return 0, fmt.Errorf("%w: current_scn: %v", core.ErrDriverTransient, err)
	}
	return scn, nil
}

func (d *oracleDriver) snapshot(ctx context.Context, db *sql.DB, pos core.Position) error {
	reader := &snapshotReader{
		db:     db,
		tables: d.aggregate.TableIdentifiers(),
		quote: func(t core.TableIdentifier) string {
			if t.Schema == "" {
				return `"` + strings.ToUpper(t.Table) + `"`
			}
			return `"` + strings.ToUpper(t.Schema) + `"."` + strings.ToUpper(t.Table) + `"`
		},
		keyColumns: func(t core.TableIdentifier) []string {
			if rule, ok := d.aggregate.RuleFor(t); ok && rule.CompositeKey != nil {
				return rule.CompositeKey.ColumnNames
			}
			return nil
		},
	}
	d.logger.Info("Initial snapshot started", "tables", len(reader.tables))
	if err := reader.emit(ctx, pos, d.records); err != nil {
		return err
	}
	d.logger.Info("Initial snapshot finished")
	return nil
}

// configuredTable maps a mined OWNER/TABLE pair back to the configured
// identifier, case-insensitively; Oracle folds unquoted names to upper case.
func (d *oracleDriver) configuredTable(owner, tableName string) (core.TableIdentifier, bool) {
	for _, id := range d.aggregate.TableIdentifiers() {
		schema := id.Schema
		if schema == "" {
			schema = d.aggregate.Database.Username
		}
		if strings.EqualFold(schema, owner) && strings.EqualFold(id.Table, tableName) {
			return id, true
		}
	}
	return core.TableIdentifier{}, false
}

// minedNames returns the uppercased owner and table name sets the miner
// filters on. Owners default to the connecting user when a rule has no
// schema.
func (d *oracleDriver) minedNames() (owners, tables map[string]struct{}) {
	owners = make(map[string]struct{})
	tables = make(map[string]struct{})
	for _, id := range d.aggregate.TableIdentifiers() {
		owner := id.Schema
		if owner == "" {
			owner = d.aggregate.Database.Username
		}
		owners[strings.ToUpper(owner)] = struct{}{}
		tables[strings.ToUpper(id.Table)] = struct{}{}
	}
	return owners, tables
}

// classifyMinerError separates privilege problems (fatal) from transient
// mining failures.
func (d *oracleDriver) classifyMinerError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "ORA-01031") || strings.Contains(msg, "ORA-00942") ||
		strings.Contains(msg, "ORA-01435") {
		return fmt.Errorf("%w: logminer privileges missing: %v", core.ErrDriverFatal, err)
	}
	return fmt.Errorf("%w: logminer: %v", core.ErrDriverTransient, err)
}

func (d *oracleDriver) dsn() string {
	spec := d.aggregate.Database
	return fmt.Sprintf("oracle://%s:%s@%s:%d/%s",
		spec.Username, spec.Password, spec.Host, spec.Port, spec.Database)
}
