package normalize

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Scalars(t *testing.T) {
	n := New(nil)

	tests := []struct {
		name     string
		field    string
		declared string
		input    any
		want     any
	}{
		{"nil stays nil", "col", "", nil, nil},
		{"bool passes through", "active", "boolean", true, true},
		{"int widens to int64", "qty", "integer", int(42), int64(42)},
		{"int32 widens", "qty", "integer", int32(-7), int64(-7)},
		{"int64 beyond 2^53 stays integer", "id", "bigint", int64(1) << 60, int64(1) << 60},
		{"uint64 overflow becomes decimal string", "id", "", uint64(math.MaxUint64), "18446744073709551615"},
		{"finite float passes through", "price", "double precision", 3.25, 3.25},
		{"NaN becomes string", "ratio", "real", math.NaN(), "NaN"},
		{"positive infinity", "ratio", "real", math.Inf(1), "Infinity"},
		{"negative infinity", "ratio", "real", math.Inf(-1), "-Infinity"},
		{"bytes become utf8 string", "payload", "bytea", []byte("hello"), "hello"},
		{"invalid utf8 replaced", "payload", "bytea", []byte{0x68, 0xff, 0x69}, "h�i"},
		{"plain string passes through", "status", "text", "PENDING", "PENDING"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Value(tt.field, tt.declared, tt.input)
			require.NoError(t, err)
			if f, ok := tt.want.(float64); ok && math.IsNaN(f) {
				t.Fatal("test table must not expect NaN")
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValue_BigIntegers(t *testing.T) {
	n := New(nil)

	within, err := n.Value("n", "numeric", big.NewInt(1<<53-1))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<53-1), within)

	beyond := new(big.Int)
	beyond.SetString("12345678901234567890", 10)
	got, err := n.Value("n", "numeric", beyond)
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890", got)
}

func TestValue_Decimals(t *testing.T) {
	n := New(nil)

	// Integral within the safe range stays numeric.
	got, err := n.Value("amount", "numeric", decimal.RequireFromString("12345"))
	require.NoError(t, err)
	assert.Equal(t, int64(12345), got)

	// 20-digit integer part becomes a decimal string, not a JSON number.
	got, err = n.Value("amount", "numeric", decimal.RequireFromString("12345678901234567890.5"))
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890.5", got)

	// Exactly representable fraction stays floating point.
	got, err = n.Value("amount", "numeric", decimal.RequireFromString("99.99"))
	require.NoError(t, err)
	assert.Equal(t, 99.99, got)

	// High-scale fraction keeps its original scale as a string.
	got, err = n.Value("amount", "numeric", decimal.RequireFromString("0.12345678901234567890123"))
	require.NoError(t, err)
	assert.Equal(t, "0.12345678901234567890123", got)
}

func TestValue_DecimalStringsByDeclaredType(t *testing.T) {
	n := New(nil)

	got, err := n.Value("total_amount", "numeric", "99.99")
	require.NoError(t, err)
	assert.Equal(t, 99.99, got)

	got, err = n.Value("total_amount", "decimal", "12345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890", got)
}

func TestValue_Timestamps(t *testing.T) {
	n := New(nil)

	ts := time.Date(2024, 3, 7, 14, 30, 45, 123_000_000, time.UTC)
	got, err := n.Value("created", "timestamp", ts)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-07T14:30:45.123Z", got)

	// A non-UTC instant is converted, not reinterpreted.
	zoned := ts.In(time.FixedZone("UTC+2", 2*3600))
	got, err = n.Value("created", "timestamptz", zoned)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-07T14:30:45.123Z", got)

	// Date-only values become start-of-day UTC.
	got, err = n.Value("birth", "date", time.Date(2024, 3, 7, 23, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-07T00:00:00.000Z", got)

	// Text temporal values are parsed from the declared type.
	got, err = n.Value("created", "datetime", "2024-03-07 14:30:45")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-07T14:30:45.000Z", got)
}

func TestValue_TimestampBoundaries(t *testing.T) {
	n := New(nil)

	epoch, err := n.Value("created_at", "", int64(0))
	require.NoError(t, err)
	assert.Equal(t, "1970-01-01T00:00:00.000Z", epoch)

	far := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	got, err := n.Value("expires", "timestamp", far)
	require.NoError(t, err)
	assert.Equal(t, "9999-12-31T23:59:59.000Z", got)
}

func TestValue_EpochMillisHeuristic(t *testing.T) {
	n := New(nil)
	millis := time.Date(2024, 3, 7, 14, 30, 45, 0, time.UTC).UnixMilli()

	tests := []struct {
		field    string
		declared string
		temporal bool
	}{
		{"updated_at", "", true},
		{"created_on", "", true},
		{"time_of_day", "", true},
		{"date_created", "", true},
		{"customer_id", "", false},
		{"updated_at", "bigint", false}, // declared non-temporal type wins
	}

	for _, tt := range tests {
		t.Run(tt.field+"/"+tt.declared, func(t *testing.T) {
			got, err := n.Value(tt.field, tt.declared, millis)
			require.NoError(t, err)
			if tt.temporal {
				assert.Equal(t, "2024-03-07T14:30:45.000Z", got)
			} else {
				assert.Equal(t, millis, got)
			}
		})
	}
}

func TestValue_Idempotent(t *testing.T) {
	n := New(nil)

	inputs := []struct {
		field    string
		declared string
		value    any
	}{
		{"qty", "integer", int64(42)},
		{"price", "double precision", 3.25},
		{"name", "text", "héllo"},
		{"created_at", "", int64(1709822445000)},
		{"amount", "numeric", decimal.RequireFromString("12345678901234567890.5")},
		{"flag", "boolean", true},
	}

	for _, in := range inputs {
		first, err := n.Value(in.field, in.declared, in.value)
		require.NoError(t, err)
		second, err := n.Value(in.field, in.declared, first)
		require.NoError(t, err)
		assert.Equal(t, first, second, "normalize(normalize(v)) != normalize(v) for %s", in.field)
	}
}

func TestValue_Deterministic(t *testing.T) {
	n := New(nil)
	for i := 0; i < 3; i++ {
		got, err := n.Value("amount", "numeric", decimal.RequireFromString("0.1000000000000000000001"))
		require.NoError(t, err)
		assert.Equal(t, "0.1000000000000000000001", got)
	}
}

func TestRow_FieldFailureIsIsolated(t *testing.T) {
	n := New(nil)

	row := n.Row(map[string]any{
		"good":   int64(1),
		"odd":    struct{ X int }{X: 5},
		"status": "OK",
	}, nil)

	assert.Equal(t, int64(1), row["good"])
	assert.Equal(t, "OK", row["status"])
	// The unsupported class falls back to its string representation.
	assert.IsType(t, "", row["odd"])
	assert.Len(t, row, 3)
}

func TestRow_NilRowStaysNil(t *testing.T) {
	n := New(nil)
	assert.Nil(t, n.Row(nil, nil))
}

func TestValue_UnparseableTemporalFails(t *testing.T) {
	n := New(nil)
	_, err := n.Value("created", "timestamp", "not-a-date")
	assert.Error(t, err)
}
