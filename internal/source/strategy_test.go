package source

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/cdc-bridge/internal/config"
	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

func TestMapOperation(t *testing.T) {
	tests := []struct {
		code string
		want core.OperationType
	}{
		{"c", core.OperationInsert},
		{"r", core.OperationInsert},
		{"u", core.OperationUpdate},
		{"d", core.OperationDelete},
	}
	for _, tt := range tests {
		op, err := mapOperation(tt.code)
		require.NoError(t, err)
		assert.Equal(t, tt.want, op)
	}

	_, err := mapOperation("t")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDriverFatal)
}

func TestNewStrategy_AllEngines(t *testing.T) {
	for _, engine := range []config.DatabaseType{
		config.DatabasePostgreSQL,
		config.DatabaseMySQL,
		config.DatabaseSQLServer,
		config.DatabaseOracle,
	} {
		strategy, err := NewStrategy(engine, slog.Default())
		require.NoError(t, err, "engine %s", engine)
		assert.NotEmpty(t, strategy.Name())
	}

	_, err := NewStrategy("DB2", slog.Default())
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestPostgresStrategy_DecodePosition(t *testing.T) {
	s := newPostgresStrategy(slog.Default())

	pos, err := s.DecodePosition(map[string]any{"lsn": "0/16B3748"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x16B3748), pos.Sequence)

	_, err = s.DecodePosition(map[string]any{})
	assert.Error(t, err)

	_, err = s.DecodePosition(map[string]any{"lsn": "garbage"})
	assert.Error(t, err)
}

func TestMySQLStrategy_PositionFolding(t *testing.T) {
	s := newMySQLStrategy(slog.Default())

	// JSON round-trips numbers as float64.
	pos, err := s.DecodePosition(map[string]any{"file": "mysql-bin.000123", "pos": float64(4567)})
	require.NoError(t, err)
	assert.Equal(t, uint64(123)<<32|4567, pos.Sequence)

	// Later files order above earlier ones regardless of byte position.
	earlier := mysqlPosition("p", "mysql-bin.000122", 999999)
	later := mysqlPosition("p", "mysql-bin.000123", 4)
	assert.Less(t, earlier.Sequence, later.Sequence)

	_, err = s.DecodePosition(map[string]any{"pos": float64(1)})
	assert.Error(t, err)
}

func TestBinlogFileIndex(t *testing.T) {
	assert.Equal(t, uint32(123), binlogFileIndex("mysql-bin.000123"))
	assert.Equal(t, uint32(1), binlogFileIndex("binlog.000001"))
	assert.Equal(t, uint32(0), binlogFileIndex("no-suffix"))
}

func TestSQLServerStrategy_DecodePosition(t *testing.T) {
	s := newSQLServerStrategy(slog.Default())

	lsn := "0000002a000001f80003"
	pos, err := s.DecodePosition(map[string]any{"lsn": lsn})
	require.NoError(t, err)
	assert.Equal(t, lsn, pos.Offset["lsn"])
	assert.Equal(t, uint64(0x0000002a000001f8), pos.Sequence)

	_, err = s.DecodePosition(map[string]any{"lsn": "zz"})
	assert.Error(t, err)
}

func TestOracleStrategy_DecodePosition(t *testing.T) {
	s := newOracleStrategy(slog.Default())

	pos, err := s.DecodePosition(map[string]any{"scn": float64(8675309)})
	require.NoError(t, err)
	assert.Equal(t, uint64(8675309), pos.Sequence)

	_, err = s.DecodePosition(map[string]any{})
	assert.Error(t, err)
}

func TestCaptureInstance(t *testing.T) {
	assert.Equal(t, "dbo_orders", captureInstance(core.NewTableIdentifier("db", "orders")))
	assert.Equal(t, "sales_orders", captureInstance(core.NewTableIdentifier("db", "sales.orders")))
}
