package typeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ASSERTIONS
// =============================================================================

func TestSafeMapStringAny(t *testing.T) {
	m, ok := SafeMapStringAny(map[string]any{"a": 1})
	require.True(t, ok)
	assert.Equal(t, 1, m["a"])

	for _, v := range []any{nil, "x", map[string]string{"a": "b"}, []any{}} {
		_, ok := SafeMapStringAny(v)
		assert.False(t, ok, "%T", v)
	}
}

func TestSafeStringDefault(t *testing.T) {
	assert.Equal(t, "sql", SafeStringDefault("sql", "nosql"))
	assert.Equal(t, "nosql", SafeStringDefault(nil, "nosql"))
	assert.Equal(t, "nosql", SafeStringDefault(42, "nosql"))
	assert.Equal(t, "", SafeStringDefault("", "nosql"))
}

func TestSafeFloat64(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{0.85, 0.85, true},
		{float32(0.5), 0.5, true},
		{7, 7, true},
		{int64(9), 9, true},
		{int32(3), 3, true},
		{"0.9", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := SafeFloat64(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "%v", tt.in)
	}
}

func TestSafeSlice(t *testing.T) {
	s, ok := SafeSlice([]any{"a", 1})
	require.True(t, ok)
	assert.Len(t, s, 2)

	_, ok = SafeSlice([]string{"a"})
	assert.False(t, ok)
	_, ok = SafeSlice(nil)
	assert.False(t, ok)
}

func TestSafeStringSlice(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
		ok   bool
	}{
		{"strings", []string{"employees", "products"}, []string{"employees", "products"}, true},
		{"json array", []any{"employees", "products"}, []string{"employees", "products"}, true},
		{"empty json array", []any{}, []string{}, true},
		{"mixed", []any{"employees", 3}, nil, false},
		{"not a slice", "employees", nil, false},
		{"nil", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeStringSlice(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, []string{"x"}, SafeStringSliceDefault(42, []string{"x"}))
	assert.Equal(t, []string{"a"}, SafeStringSliceDefault([]any{"a"}, nil))
}

func TestGetNestedValue(t *testing.T) {
	doc := map[string]any{
		"product_name": "Oat Milk",
		"inventory": map[string]any{
			"bin":      "A3",
			"quantity": 12,
			"supplier": map[string]any{"name": "Acme"},
		},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"product_name", "Oat Milk", true},
		{"inventory.quantity", 12, true},
		{"inventory.supplier.name", "Acme", true},
		{"inventory..bin", "A3", true},
		{"inventory.missing", nil, false},
		{"product_name.first", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := GetNestedValue(doc, tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}

	_, ok := GetNestedValue(nil, "a")
	assert.False(t, ok)
}

// =============================================================================
// ROW VALUES
// =============================================================================

func TestLookupField(t *testing.T) {
	nested := map[string]any{"employee_info": map[string]any{"employee_id": 7}}
	flat := map[string]any{"employee_id": 8, "a.b": "dotted"}

	v, ok := LookupField(nested, "employee_info.employee_id")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = LookupField(flat, "employee_info.employee_id")
	require.True(t, ok)
	assert.Equal(t, 8, v)

	v, ok = LookupField(flat, "a.b")
	require.True(t, ok)
	assert.Equal(t, "dotted", v)

	_, ok = LookupField(flat, "manager_id")
	assert.False(t, ok)
}

func TestToFloat64(t *testing.T) {
	for _, v := range []any{uint8(4), int16(4), uint64(4), 4, 4.0} {
		f, ok := ToFloat64(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 4.0, f, "%T", v)
	}
	_, ok := ToFloat64("4")
	assert.False(t, ok)
}

func TestFormatLiteral(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{42, "42"},
		{int64(-3), "-3"},
		{uint8(7), "7"},
		{101.0, "101"},
		{2.5, "2.5"},
		{float32(1.5), "1.5"},
		{"Sales", `"Sales"`},
		{`say "hi"`, `"say \"hi\""`},
		{true, `"true"`},
		{time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), `"2024-03-01T09:00:00Z"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatLiteral(tt.in), "%v", tt.in)
	}
}

func TestDistinctValues(t *testing.T) {
	rows := []map[string]any{
		{"employee_id": 1},
		{"employee_id": 2.0},
		{"employee_id": 1.0},
		{"employee_id": nil},
		{"name": "no id"},
		{"employee_id": 3},
	}
	assert.Equal(t, []any{1, 2.0, 3}, DistinctValues(rows, "employee_id"))
	assert.Empty(t, DistinctValues(nil, "employee_id"))
}
