// Package normalize coerces driver-native column values into the portable
// scalar forms of the wire format: string, int64, float64, bool or nil.
//
// Fixed-width integers stay int64. Big integers and decimals stay numeric
// only if they survive a float64 round-trip losslessly; otherwise they become
// a string in decimal notation. Non-finite floats become "NaN", "Infinity"
// or "-Infinity". Temporal values are rewritten as ISO-8601 UTC.
package normalize

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// maxSafeInteger is the largest integer magnitude that survives an IEEE-754
// double round-trip (2^53 - 1). Unlimited integers beyond it are emitted as
// decimal strings.
const maxSafeInteger = int64(1)<<53 - 1

// isoFormat is the canonical timestamp layout: UTC with millisecond
// precision and a Z suffix.
const isoFormat = "2006-01-02T15:04:05.000Z"

// Normalizer rewrites driver-native values per field. It is stateless and
// safe for concurrent use.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a normalizer.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// Row normalizes every column of a driver-native row map. declaredTypes maps
// column names to the driver-declared type and may be incomplete or nil. A
// per-field failure is isolated: the field falls back to its driver-provided
// string representation, a warning is logged with the field name only, and
// the remaining fields are unaffected.
func (n *Normalizer) Row(values map[string]any, declaredTypes map[string]string) core.RowData {
	if values == nil {
		return nil
	}
	row := make(core.RowData, len(values))
	for name, value := range values {
		normalized, err := n.Value(name, declaredTypes[name], value)
		if err != nil {
			n.logger.Warn("Field normalization failed, falling back to string representation",
				"field", name, "error", err)
			row[name] = fmt.Sprint(value)
			continue
		}
		row[name] = normalized
	}
	return row
}

// Value normalizes a single column value. The timestamp test runs first: a
// field is temporal if the driver-declared type is temporal, or no type is
// known and the field name matches the temporal naming pattern. Numeric and
// text rules apply only after the timestamp test fails.
func (n *Normalizer) Value(field, declaredType string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	temporal := isTemporalType(declaredType) || (declaredType == "" && isTemporalName(field))

	switch v := value.(type) {
	case bool:
		return v, nil

	case time.Time:
		return formatInstant(v, isDateType(declaredType)), nil

	case int:
		return normalizeInteger(int64(v), temporal), nil
	case int8:
		return normalizeInteger(int64(v), temporal), nil
	case int16:
		return normalizeInteger(int64(v), temporal), nil
	case int32:
		return normalizeInteger(int64(v), temporal), nil
	case int64:
		return normalizeInteger(v, temporal), nil
	case uint:
		return normalizeUnsigned(uint64(v), temporal), nil
	case uint8:
		return normalizeInteger(int64(v), temporal), nil
	case uint16:
		return normalizeInteger(int64(v), temporal), nil
	case uint32:
		return normalizeInteger(int64(v), temporal), nil
	case uint64:
		return normalizeUnsigned(v, temporal), nil

	case *big.Int:
		return normalizeBigInt(v), nil
	case big.Int:
		return normalizeBigInt(&v), nil

	case float32:
		return normalizeFloat(float64(v)), nil
	case float64:
		return normalizeFloat(v), nil

	case decimal.Decimal:
		return normalizeDecimal(v), nil
	case *decimal.Decimal:
		return normalizeDecimal(*v), nil

	case []byte:
		return repairUTF8(string(v)), nil

	case string:
		return n.normalizeString(field, declaredType, v, temporal)

	default:
		return nil, fmt.Errorf("unsupported value class %T", value)
	}
}

// normalizeString routes text through the temporal and numeric rules when
// the declared type demands it, otherwise repairs the encoding and passes it
// through.
func (n *Normalizer) normalizeString(field, declaredType, v string, temporal bool) (any, error) {
	if temporal {
		if ts, ok := parseTimestamp(v); ok {
			return formatInstant(ts, isDateType(declaredType)), nil
		}
		if declaredType != "" {
			return nil, fmt.Errorf("unparseable temporal value in column %s", field)
		}
		// Heuristic name match on a non-temporal value: fall through to text.
	}

	if isDecimalType(declaredType) {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("unparseable decimal value in column %s", field)
		}
		return normalizeDecimal(d), nil
	}

	return repairUTF8(v), nil
}

// normalizeInteger maps a 64-bit signed integer. In a temporal field the
// value is epoch milliseconds and becomes an ISO-8601 instant.
func normalizeInteger(v int64, temporal bool) any {
	if temporal {
		return time.UnixMilli(v).UTC().Format(isoFormat)
	}
	return v
}

// normalizeUnsigned handles the one unsigned case that cannot fit int64.
func normalizeUnsigned(v uint64, temporal bool) any {
	if v > uint64(math.MaxInt64) {
		return new(big.Int).SetUint64(v).String()
	}
	return normalizeInteger(int64(v), temporal)
}

// normalizeBigInt keeps unlimited integers numeric while they survive a
// double round-trip, otherwise emits a decimal string.
func normalizeBigInt(v *big.Int) any {
	if v.IsInt64() {
		i := v.Int64()
		if i >= -maxSafeInteger && i <= maxSafeInteger {
			return i
		}
	}
	return v.String()
}

// normalizeFloat passes finite doubles through and names the rest.
func normalizeFloat(v float64) any {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	default:
		return v
	}
}

// normalizeDecimal applies the fixed-point rules: integral decimals stay
// integers within the safe range, fractional decimals stay floating-point
// only when the value round-trips losslessly through a double, everything
// else is a string preserving the original scale.
func normalizeDecimal(d decimal.Decimal) any {
	if d.IsInteger() {
		if bi := d.BigInt(); bi.IsInt64() {
			i := bi.Int64()
			if i >= -maxSafeInteger && i <= maxSafeInteger {
				return i
			}
		}
		return d.String()
	}

	f, _ := d.Float64()
	if !math.IsInf(f, 0) && decimal.NewFromFloat(f).Equal(d) {
		return f
	}
	return d.String()
}

// formatInstant renders an instant as ISO-8601 UTC. Date-only values become
// start-of-day UTC.
func formatInstant(t time.Time, dateOnly bool) string {
	t = t.UTC()
	if dateOnly {
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Format(isoFormat)
}

// timestampLayouts are the accepted driver text forms, most specific first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// repairUTF8 replaces invalid byte sequences and unpaired surrogates with
// U+FFFD.
func repairUTF8(v string) string {
	return strings.ToValidUTF8(v, "�")
}

// isTemporalType recognizes driver-declared temporal types across the four
// engines (timestamp, timestamptz, datetime2, smalldatetime, date, time...).
func isTemporalType(declaredType string) bool {
	t := strings.ToLower(declaredType)
	if t == "" {
		return false
	}
	return strings.Contains(t, "timestamp") ||
		strings.Contains(t, "datetime") ||
		t == "date" || t == "time" ||
		strings.HasPrefix(t, "time(") || strings.HasPrefix(t, "date ")
}

// isDateType recognizes date-only declared types; those become start-of-day
// UTC instants.
func isDateType(declaredType string) bool {
	return strings.EqualFold(strings.TrimSpace(declaredType), "date")
}

// isDecimalType recognizes fixed-point declared types whose text values are
// routed through the decimal rules.
func isDecimalType(declaredType string) bool {
	t := strings.ToLower(declaredType)
	return strings.Contains(t, "numeric") || strings.Contains(t, "decimal") ||
		strings.Contains(t, "number") || strings.Contains(t, "money")
}

// isTemporalName is the field-name heuristic used when no declared type is
// known: *_at, *_on, time*, date*.
func isTemporalName(field string) bool {
	f := strings.ToLower(field)
	return strings.HasSuffix(f, "_at") || strings.HasSuffix(f, "_on") ||
		strings.HasPrefix(f, "time") || strings.HasPrefix(f, "date")
}
