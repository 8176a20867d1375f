package storage

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// NormalizeKey converts a node id or key value to a canonical string form,
// suitable for in-memory maps (e.g. "Germany" or "8429529").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps lookups consistent across drivers.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Int64 converts a driver value to int64.
//
// Drivers differ: modernc sqlite returns int64, pgx returns int32/int64 by
// column type, go-mssqldb returns int64 or []byte for decimals.
func Int64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case int:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("storage: %v is not an integer", t)
		}
		return int64(t), nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case nil:
		return 0, fmt.Errorf("storage: NULL is not an integer")
	default:
		return 0, fmt.Errorf("storage: unsupported integer type %T", v)
	}
}

// Float64 converts a driver value to float64.
func Float64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case *big.Float:
		f, _ := t.Float64()
		return f, nil
	case nil:
		return 0, fmt.Errorf("storage: NULL is not a number")
	default:
		if s, ok := v.(fmt.Stringer); ok {
			return strconv.ParseFloat(s.String(), 64)
		}
		return 0, fmt.Errorf("storage: unsupported numeric type %T", v)
	}
}

// IsNull reports whether a scanned value is SQL NULL.
func IsNull(v any) bool { return v == nil }

// FormatFloat renders a float as a SQL literal accepted by every backend.
// Exponent form keeps the literal a float in T-SQL (a plain 0.25 would be
// DECIMAL there and lose precision in long products).
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'e', -1, 64)
}

// QuoteString renders a SQL string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// MaxIDDigits bounds the digits of an id that still orders as an integer, so
// every backend can cast it to a 64-bit value.
const MaxIDDigits = 18

// CanonicalInt reports whether id is an integer in canonical decimal form
// (no sign other than a leading '-', no leading zeros, at most MaxIDDigits
// digits) and returns its value.
//
// Node ids order canonical integers first, by value, and everything else
// after them, bytewise. Dialect.IDOrderSQL renders the same ordering.
func CanonicalInt(id string) (int64, bool) {
	if len(strings.TrimPrefix(id, "-")) > MaxIDDigits {
		return 0, false
	}
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil || strconv.FormatInt(v, 10) != id {
		return 0, false
	}
	return v, true
}
