package source

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

const (
	defaultPublication    = "cdc_bridge_pub"
	defaultSlot           = "cdc_bridge_slot"
	standbyUpdateInterval = 10 * time.Second
	recordBufferSize      = 1024
)

// postgresStrategy builds a logical-replication driver on the pgoutput
// plugin. Slot, publication and plugin options come from the database spec's
// additionalProperties (slot_name, publication).
type postgresStrategy struct {
	logger *slog.Logger
}

func newPostgresStrategy(logger *slog.Logger) *postgresStrategy {
	return &postgresStrategy{logger: logger.With("component", "postgres-strategy")}
}

func (s *postgresStrategy) Name() string { return "postgresql" }

func (s *postgresStrategy) MapOperation(code string) (core.OperationType, error) {
	return mapOperation(code)
}

func (s *postgresStrategy) DecodePosition(offset map[string]any) (core.Position, error) {
	raw, ok := offset["lsn"].(string)
	if !ok {
		return core.Position{}, fmt.Errorf("offset has no lsn field")
	}
	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		return core.Position{}, fmt.Errorf("parse lsn %q: %w", raw, err)
	}
	return postgresPosition("", lsn), nil
}

func (s *postgresStrategy) BuildDriver(aggregate *config.Aggregate, start *core.Position) (Driver, error) {
	return &postgresDriver{
		strategy:  s,
		aggregate: aggregate,
		start:     start,
		logger:    s.logger,
		records:   make(chan RawRecord, recordBufferSize),
	}, nil
}

func postgresPosition(partition string, lsn pglogrepl.LSN) core.Position {
	return core.Position{
		SourcePartition: partition,
		Offset:          map[string]any{"lsn": lsn.String()},
		Sequence:        uint64(lsn),
	}
}

// postgresDriver tails the WAL through a replication connection. On first
// start (nil position) it snapshots the configured tables through a regular
// connection, then streams from the LSN captured before the snapshot.
type postgresDriver struct {
	strategy  *postgresStrategy
	aggregate *config.Aggregate
	start     *core.Position
	logger    *slog.Logger
	records   chan RawRecord

	relations map[uint32]*pglogrepl.RelationMessage
}

func (d *postgresDriver) Records() <-chan RawRecord { return d.records }

func (d *postgresDriver) Run(ctx context.Context) error {
	spec := d.aggregate.Database
	partition := d.aggregate.SourcePartition()

	conn, err := pgconn.Connect(ctx, d.replicationDSN())
	if err != nil {
		return fmt.Errorf("%w: connect replication: %v", core.ErrDriverTransient, err)
	}
	defer conn.Close(context.Background())

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("%w: identify system: %v", core.ErrDriverTransient, err)
	}

	slot := d.property("slot_name", defaultSlot)
	publication := d.property("publication", defaultPublication)

	if err := d.ensureSlot(ctx, conn, slot); err != nil {
		return err
	}

	startLSN := sysident.XLogPos
	if d.start != nil {
		startLSN = pglogrepl.LSN(d.start.Sequence)
	} else {
		if err := d.snapshot(ctx, postgresPosition(partition, startLSN)); err != nil {
			return err
		}
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", publication),
	}
	if err := pglogrepl.StartReplication(ctx, conn, slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return d.classifyStartError(err)
	}

	d.logger.Info("Logical replication started",
		"slot", slot, "publication", publication, "start_lsn", startLSN.String(),
		"database", spec.Database)

	d.relations = make(map[uint32]*pglogrepl.RelationMessage)
	clientXLogPos := startLSN
	nextStandby := time.Now().Add(standbyUpdateInterval)

	for {
		if time.Now().After(nextStandby) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: clientXLogPos,
			}); err != nil {
				return fmt.Errorf("%w: standby status update: %v", core.ErrDriverTransient, err)
			}
			nextStandby = time.Now().Add(standbyUpdateInterval)
		}

		receiveCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := conn.ReceiveMessage(receiveCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: receive: %v", core.ErrDriverTransient, err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("%w: server error %s: %s", core.ErrDriverFatal, msg.Code, msg.Message)
		case *pgproto3.CopyData:
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("%w: parse keepalive: %v", core.ErrDriverTransient, err)
				}
				if pkm.ReplyRequested {
					nextStandby = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("%w: parse xlog data: %v", core.ErrDriverTransient, err)
				}
				pos, err := d.handleWAL(ctx, partition, xld)
				if err != nil {
					return err
				}
				if pos > clientXLogPos {
					clientXLogPos = pos
				}
			}
		}
	}
}

// handleWAL decodes one pgoutput message and emits DML records. Returns the
// position the client may confirm to the server.
func (d *postgresDriver) handleWAL(ctx context.Context, partition string, xld pglogrepl.XLogData) (pglogrepl.LSN, error) {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return 0, fmt.Errorf("%w: parse logical message: %v", core.ErrDriverTransient, err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[msg.RelationID] = msg

	case *pglogrepl.InsertMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			return 0, fmt.Errorf("%w: insert for unknown relation %d", core.ErrDriverFatal, msg.RelationID)
		}
		return xld.WALStart, d.emit(ctx, partition, rel, opCreate, xld, nil, msg.Tuple)

	case *pglogrepl.UpdateMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			return 0, fmt.Errorf("%w: update for unknown relation %d", core.ErrDriverFatal, msg.RelationID)
		}
		return xld.WALStart, d.emit(ctx, partition, rel, opUpdate, xld, msg.OldTuple, msg.NewTuple)

	case *pglogrepl.DeleteMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			return 0, fmt.Errorf("%w: delete for unknown relation %d", core.ErrDriverFatal, msg.RelationID)
		}
		return xld.WALStart, d.emit(ctx, partition, rel, opDelete, xld, msg.OldTuple, nil)
	}

	return xld.WALStart, nil
}

// emit converts relation metadata plus tuples into a raw record. When the
// server sends an old tuple, the before image is decoded from it, with
// unchanged TOAST columns of an UPDATE taken from the new image. With REPLICA
// IDENTITY DEFAULT the old tuple carries only key columns, so the other
// columns of the before image are nil.
func (d *postgresDriver) emit(ctx context.Context, partition string, rel *pglogrepl.RelationMessage, code string, xld pglogrepl.XLogData, oldTuple, newTuple *pglogrepl.TupleData) error {
	table := core.TableIdentifier{
		Database: d.aggregate.Database.Database,
		Schema:   rel.Namespace,
		Table:    rel.RelationName,
	}

	declared := make(map[string]string, len(rel.Columns))
	var keyColumns []string
	for _, col := range rel.Columns {
		declared[col.Name] = oidTypeName(col.DataType)
		if col.Flags&1 != 0 {
			keyColumns = append(keyColumns, col.Name)
		}
	}

	var before, after map[string]any
	if newTuple != nil {
		after = d.tupleToMap(rel, newTuple, nil)
	}
	if oldTuple != nil {
		if code == opUpdate && after != nil {
			before = d.tupleToMap(rel, oldTuple, after)
		} else {
			before = d.tupleToMap(rel, oldTuple, nil)
		}
	} else if code == opUpdate && after != nil {
		// REPLICA IDENTITY produced no old tuple; a copy of the new image
		// is the best available before view.
		before = make(map[string]any, len(after))
		for k, v := range after {
			before[k] = v
		}
	}

	rec := RawRecord{
		Table:       table,
		OpCode:      code,
		Timestamp:   xld.ServerTime.UTC(),
		Position:    postgresPosition(partition, xld.WALStart),
		Before:      before,
		After:       after,
		ColumnTypes: declared,
		KeyColumns:  keyColumns,
	}

	select {
	case d.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tupleToMap converts a pgoutput tuple. Unchanged TOAST columns fall back to
// the base image when one is available.
func (d *postgresDriver) tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData, base map[string]any) map[string]any {
	row := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n':
			row[name] = nil
		case 'u':
			if base != nil {
				row[name] = base[name]
			}
		case 't':
			row[name] = decodeTextValue(rel.Columns[i].DataType, string(col.Data))
		}
	}
	return row
}

// snapshot performs the initial table scan through a regular connection.
func (d *postgresDriver) snapshot(ctx context.Context, pos core.Position) error {
	db, err := sql.Open("pgx", d.queryDSN())
	if err != nil {
		return fmt.Errorf("%w: open snapshot connection: %v", core.ErrDriverTransient, err)
	}
	defer db.Close()

	reader := &snapshotReader{
		db:     db,
		tables: d.aggregate.TableIdentifiers(),
		quote: func(t core.TableIdentifier) string {
			if t.Schema == "" {
				return pgQuote(t.Table)
			}
			return pgQuote(t.Schema) + "." + pgQuote(t.Table)
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

// ensureSlot creates the replication slot if it does not exist yet.
func (d *postgresDriver) ensureSlot(ctx context.Context, conn *pgconn.PgConn, slot string) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	if err == nil {
		d.logger.Info("Replication slot created", "slot", slot)
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42710" {
		// Slot already exists.
		return nil
	}
	return fmt.Errorf("%w: create replication slot %s: %v", core.ErrDriverFatal, slot, err)
}

// classifyStartError separates configuration faults (missing privileges,
// dropped slot) from transient connectivity.
func (d *postgresDriver) classifyStartError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501", "55000", "42704":
			return fmt.Errorf("%w: start replication: %v", core.ErrDriverFatal, err)
		}
	}
	return fmt.Errorf("%w: start replication: %v", core.ErrDriverTransient, err)
}

func (d *postgresDriver) replicationDSN() string {
	return d.dsn() + "&replication=database"
}

func (d *postgresDriver) queryDSN() string {
	return d.dsn()
}

func (d *postgresDriver) dsn() string {
	spec := d.aggregate.Database
	sslMode := "disable"
	if spec.SSL != nil && spec.SSL.Enabled {
		switch spec.SSL.Mode {
		case "VERIFY_CA":
			sslMode = "verify-ca"
		case "VERIFY_FULL":
			sslMode = "verify-full"
		default:
			sslMode = "require"
		}
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		spec.Username, spec.Password, spec.Host, spec.Port, spec.Database, sslMode)
}

func (d *postgresDriver) property(key, fallback string) string {
	if v, ok := d.aggregate.Database.AdditionalProperties[key]; ok && v != "" {
		return v
	}
	return fallback
}

func pgQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// decodeTextValue converts a pgoutput text value into a Go scalar by type
// OID. Types without a cheap native mapping stay strings and are resolved by
// the normalizer from the declared type name.
func decodeTextValue(oid uint32, v string) any {
	switch oid {
	case 16: // bool
		return v == "t" || v == "true"
	case 20, 21, 23, 26: // int8, int2, int4, oid
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		return v
	case 700, 701: // float4, float8
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return v
	case 17: // bytea, hex encoded as \x...
		if strings.HasPrefix(v, `\x`) {
			if raw, err := hex.DecodeString(v[2:]); err == nil {
				return raw
			}
		}
		return v
	default:
		return v
	}
}

// oidTypeName names the common scalar OIDs for schema tracking and the
// normalizer's declared-type rules.
func oidTypeName(oid uint32) string {
	switch oid {
	case 16:
		return "boolean"
	case 17:
		return "bytea"
	case 20:
		return "bigint"
	case 21:
		return "smallint"
	case 23:
		return "integer"
	case 25:
		return "text"
	case 114:
		return "json"
	case 700:
		return "real"
	case 701:
		return "double precision"
	case 1042:
		return "character"
	case 1043:
		return "character varying"
	case 1082:
		return "date"
	case 1083:
		return "time"
	case 1114:
		return "timestamp"
	case 1184:
		return "timestamptz"
	case 1700:
		return "numeric"
	case 2950:
		return "uuid"
	case 3802:
		return "jsonb"
	default:
		return fmt.Sprintf("oid:%d", oid)
	}
}
