package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// mySQLStrategy builds a binlog driver on go-mysql's canal. Binlog positions
// (file, pos) are folded into one comparable sequence: file index in the
// high 32 bits, byte position in the low 32.
type mySQLStrategy struct {
	logger *slog.Logger
}

func newMySQLStrategy(logger *slog.Logger) *mySQLStrategy {
	return &mySQLStrategy{logger: logger.With("component", "mysql-strategy")}
}

func (s *mySQLStrategy) Name() string { return "mysql" }

func (s *mySQLStrategy) MapOperation(code string) (core.OperationType, error) {
	return mapOperation(code)
}

func (s *mySQLStrategy) DecodePosition(offset map[string]any) (core.Position, error) {
	file, ok := offset["file"].(string)
	if !ok {
		return core.Position{}, fmt.Errorf("offset has no file field")
	}
	rawPos, ok := offset["pos"]
	if !ok {
		return core.Position{}, fmt.Errorf("offset has no pos field")
	}
	var pos uint32
	switch v := rawPos.(type) {
	case float64:
		pos = uint32(v)
	case int64:
		pos = uint32(v)
	case uint32:
		pos = v
	default:
		return core.Position{}, fmt.Errorf("offset pos has unexpected type %T", rawPos)
	}
	return mysqlPosition("", file, pos), nil
}

func (s *mySQLStrategy) BuildDriver(aggregate *config.Aggregate, start *core.Position) (Driver, error) {
	return &mysqlDriver{
		aggregate: aggregate,
		start:     start,
		logger:    s.logger,
		records:   make(chan RawRecord, recordBufferSize),
	}, nil
}

func mysqlPosition(partition, file string, pos uint32) core.Position {
	return core.Position{
		SourcePartition: partition,
		Offset:          map[string]any{"file": file, "pos": pos},
		Sequence:        uint64(binlogFileIndex(file))<<32 | uint64(pos),
	}
}

// binlogFileIndex extracts the numeric suffix of a binlog file name
// ("mysql-bin.000123" -> 123).
func binlogFileIndex(file string) uint32 {
	idx := strings.LastIndex(file, ".")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseUint(file[idx+1:], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// mysqlDriver subscribes to the binlog through canal and forwards row events
// as raw records.
type mysqlDriver struct {
	aggregate *config.Aggregate
	start     *core.Position
	logger    *slog.Logger
	records   chan RawRecord
}

func (d *mysqlDriver) Records() <-chan RawRecord { return d.records }

func (d *mysqlDriver) Run(ctx context.Context) error {
	spec := d.aggregate.Database
	partition := d.aggregate.SourcePartition()

	cfg := canal.NewDefaultConfig()
	cfg.Addr = fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	cfg.User = spec.Username
	cfg.Password = spec.Password
	cfg.Dump.ExecutionPath = "" // snapshots run through a regular connection
	for _, table := range d.aggregate.TableIdentifiers() {
		cfg.IncludeTableRegex = append(cfg.IncludeTableRegex,
			"^"+spec.Database+"\\."+table.Table+"$")
	}

	c, err := canal.NewCanal(cfg)
	if err != nil {
		return fmt.Errorf("%w: create canal: %v", core.ErrDriverTransient, err)
	}
	defer c.Close()

	var startPos mysql.Position
	if d.start != nil {
		file, _ := d.start.Offset["file"].(string)
		startPos = mysql.Position{Name: file, Pos: uint32(d.start.Sequence & 0xFFFFFFFF)}
	} else {
		current, err := d.masterPosition(ctx)
		if err != nil {
			return err
		}
		startPos = current
		if err := d.snapshot(ctx, mysqlPosition(partition, current.Name, current.Pos)); err != nil {
			return err
		}
	}

	handler := &mysqlEventHandler{
		ctx:       ctx,
		driver:    d,
		partition: partition,
		file:      startPos.Name,
	}
	c.SetEventHandler(handler)

	d.logger.Info("Binlog replication started",
		"file", startPos.Name, "pos", startPos.Pos, "database", spec.Database)

	done := make(chan error, 1)
	go func() { done <- c.RunFrom(startPos) }()

	select {
	case <-ctx.Done():
		c.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: binlog stream: %v", core.ErrDriverTransient, err)
		}
		return ctx.Err()
	}
}

// masterPosition reads the current binlog coordinates before snapshotting.
func (d *mysqlDriver) masterPosition(ctx context.Context) (mysql.Position, error) {
	db, err := sql.Open("mysql", d.dsn())
	if err != nil {
		return mysql.Position{}, fmt.Errorf("%w: open: %v", core.ErrDriverTransient, err)
	}
	defer db.Close()

	var file string
	var pos uint32
	var binlogDoDB, binlogIgnoreDB, executedGtidSet sql.NullString
	row := db.QueryRowContext(ctx, "SHOW MASTER STATUS")
	if err := row.Scan(&file, &pos, &binlogDoDB, &binlogIgnoreDB, &executedGtidSet); err != nil {
		return mysql.Position{}, fmt.Errorf("%w: SHOW MASTER STATUS: %v", core.ErrDriverFatal, err)
	}
	return mysql.Position{Name: file, Pos: pos}, nil
}

func (d *mysqlDriver) snapshot(ctx context.Context, pos core.Position) error {
	db, err := sql.Open("mysql", d.dsn())
	if err != nil {
		return fmt.Errorf("%w: open snapshot connection: %v", core.ErrDriverTransient, err)
	}
	defer db.Close()

	reader := &snapshotReader{
		db:     db,
		tables: d.aggregate.TableIdentifiers(),
		quote: func(t core.TableIdentifier) string {
			return "`" + strings.ReplaceAll(t.Table, "`", "``") + "`"
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

func (d *mysqlDriver) dsn() string {
	spec := d.aggregate.Database
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		spec.Username, spec.Password, spec.Host, spec.Port, spec.Database)
}

// mysqlEventHandler adapts canal callbacks onto the record channel. The
// mutex guards the current binlog file name, which OnRotate sets and OnRow
// reads.
type mysqlEventHandler struct {
	canal.DummyEventHandler

	ctx       context.Context
	driver    *mysqlDriver
	partition string

	mu   sync.Mutex
	file string
}

func (h *mysqlEventHandler) OnRotate(_ *replication.EventHeader, e *replication.RotateEvent) error {
	h.mu.Lock()
	h.file = string(e.NextLogName)
	h.mu.Unlock()
	return nil
}

func (h *mysqlEventHandler) OnRow(e *canal.RowsEvent) error {
	h.mu.Lock()
	file := h.file
	h.mu.Unlock()

	table := core.TableIdentifier{
		Database: h.driver.aggregate.Database.Database,
		Table:    e.Table.Name,
	}

	declared := make(map[string]string, len(e.Table.Columns))
	columnNames := make([]string, len(e.Table.Columns))
	for i, col := range e.Table.Columns {
		columnNames[i] = col.Name
		declared[col.Name] = col.RawType
	}
	var keyColumns []string
	for _, idx := range e.Table.PKColumns {
		keyColumns = append(keyColumns, e.Table.Columns[idx].Name)
	}

	ts := time.Unix(int64(e.Header.Timestamp), 0).UTC()
	pos := mysqlPosition(h.partition, file, e.Header.LogPos)

	emit := func(code string, before, after []any) error {
		rec := RawRecord{
			Table:       table,
			OpCode:      code,
			Timestamp:   ts,
			Position:    pos,
			Before:      rowToMap(columnNames, before),
			After:       rowToMap(columnNames, after),
			ColumnTypes: declared,
			KeyColumns:  keyColumns,
		}
		select {
		case h.driver.records <- rec:
			return nil
		case <-h.ctx.Done():
			return h.ctx.Err()
		}
	}

	switch e.Action {
	case canal.InsertAction:
		for _, row := range e.Rows {
			if err := emit(opCreate, nil, row); err != nil {
				return err
			}
		}
	case canal.UpdateAction:
		for i := 0; i+1 < len(e.Rows); i += 2 {
			if err := emit(opUpdate, e.Rows[i], e.Rows[i+1]); err != nil {
				return err
			}
		}
	case canal.DeleteAction:
		for _, row := range e.Rows {
			if err := emit(opDelete, row, nil); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown binlog action %q", core.ErrDriverFatal, e.Action)
	}
	return nil
}

func (h *mysqlEventHandler) String() string { return "cdc-bridge-mysql" }

func rowToMap(columns []string, values []any) map[string]any {
	if values == nil {
		return nil
	}
	row := make(map[string]any, len(columns))
	for i, name := range columns {
		if i < len(values) {
			row[name] = values[i]
		}
	}
	return row
}
