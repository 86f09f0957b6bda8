package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFailedResult(t *testing.T) {
	r := NewFailedResult("nosql", "{}", "")
	assert.False(t, r.Success)
	assert.Equal(t, "nosql failed", r.ErrorMessage)
	assert.NotNil(t, r.Data)
	assert.Empty(t, r.Data)
}

func TestTruncateTo(t *testing.T) {
	rows := make([]map[string]any, 0, 60)
	for i := 0; i < 60; i++ {
		rows = append(rows, map[string]any{"i": i})
	}

	t.Run("caps data and keeps true count", func(t *testing.T) {
		r := NewSuccessResult("sql", "SELECT", rows)
		r.TruncateTo(50)
		assert.Len(t, r.Data, 50)
		assert.Equal(t, 60, r.RowCount)
		assert.True(t, r.Truncated)
	})

	t.Run("keeps a larger known count", func(t *testing.T) {
		r := NewSuccessResult("sql", "SELECT", rows)
		r.RowCount = 1200
		r.TruncateTo(50)
		assert.Equal(t, 1200, r.RowCount)
	})

	t.Run("no-op under cap", func(t *testing.T) {
		r := NewSuccessResult("sql", "SELECT", rows[:3])
		r.TruncateTo(50)
		assert.Len(t, r.Data, 3)
		assert.False(t, r.Truncated)
	})
}

func TestResultClone(t *testing.T) {
	var nilResult *ResultEnvelope
	assert.Nil(t, nilResult.Clone())

	r := NewSuccessResult("sql", "q", []map[string]any{{"tags": []any{"a"}, "nested": map[string]any{"k": 1}}})
	r.Suggestions = []string{"x"}
	c := r.Clone()
	c.Data[0]["nested"].(map[string]any)["k"] = 2
	c.Suggestions[0] = "y"

	assert.Equal(t, 1, r.Data[0]["nested"].(map[string]any)["k"])
	assert.Equal(t, "x", r.Suggestions[0])
}
