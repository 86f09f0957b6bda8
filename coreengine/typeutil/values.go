package typeutil

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// LookupField reads a field from a result row. path may be dotted for
// nested documents; when the nested lookup fails, a flat key equal to path
// and then the last path segment are tried, so "employee_info.employee_id"
// also finds a relational "employee_id" column.
func LookupField(row map[string]any, path string) (any, bool) {
	if v, ok := GetNestedValue(row, path); ok {
		return v, true
	}
	if v, ok := row[path]; ok {
		return v, true
	}
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		v, ok := row[path[idx+1:]]
		return v, ok
	}
	return nil, false
}

// IsNumeric reports whether value is a Go number.
func IsNumeric(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// ToFloat64 converts any Go number to float64.
func ToFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return SafeFloat64(value)
}

// FormatLiteral renders value for substitution into query text: numbers
// bare, everything else as a double-quoted string.
func FormatLiteral(value any) string {
	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return FormatLiteral(float64(v))
	case time.Time:
		return strconv.Quote(v.Format(time.RFC3339))
	case string:
		return strconv.Quote(v)
	}
	if IsNumeric(value) {
		return fmt.Sprintf("%d", value)
	}
	return strconv.Quote(fmt.Sprint(value))
}

// DistinctValues collects the distinct non-nil values of field across rows,
// in first-seen order.
func DistinctValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var out []any
	for _, row := range rows {
		v, ok := LookupField(row, field)
		if !ok || v == nil {
			continue
		}
		key := FormatLiteral(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
