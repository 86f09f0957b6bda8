package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/testutil"
)

func employeeResult() *envelope.ResultEnvelope {
	return envelope.NewSuccessResult("sql", "SELECT employee_id, salary FROM employees", []map[string]any{
		{"employee_id": int64(1), "salary": 100.0},
		{"employee_id": int64(2), "salary": 50.0},
	})
}

func orderResult() *envelope.ResultEnvelope {
	return envelope.NewSuccessResult("nosql", `{"collection": "orders"}`, []map[string]any{
		{"order_id": "o-1", "employee_info": map[string]any{"employee_id": int32(1)}, "total": 10.0},
		{"order_id": "o-2", "employee_info": map[string]any{"employee_id": int32(1)}, "total": 30.0},
	})
}

func TestAggregator_SingleBackendPassThrough(t *testing.T) {
	a := NewResultAggregator(50, nil)
	in := employeeResult()

	out := a.Aggregate(context.Background(), []string{"sql"},
		map[string]*envelope.ResultEnvelope{"sql": in}, AggregatePlan{Intent: envelope.IntentSelect})

	assert.True(t, out.Success)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.QueryExecuted, out.QueryExecuted)
	assert.Empty(t, out.BackendName)
	assert.Equal(t, "sql", in.BackendName, "input must not be mutated")
}

func TestAggregator_Concat(t *testing.T) {
	a := NewResultAggregator(50, nil)

	out := a.Aggregate(context.Background(), []string{"sql", "nosql"},
		map[string]*envelope.ResultEnvelope{"sql": employeeResult(), "nosql": orderResult()},
		AggregatePlan{Intent: envelope.IntentSelect, PartialSuccess: true})

	require.True(t, out.Success)
	require.Len(t, out.Data, 4)
	assert.Equal(t, 4, out.RowCount)
	assert.Equal(t, "sql", out.Data[0][SourceField])
	assert.Equal(t, "nosql", out.Data[3][SourceField])
	assert.Contains(t, out.QueryExecuted, "sql: SELECT")
	assert.Contains(t, out.QueryExecuted, "nosql: ")
	assert.Empty(t, out.ErrorMessage)
}

func TestAggregator_Compare(t *testing.T) {
	a := NewResultAggregator(50, nil)

	out := a.Aggregate(context.Background(), []string{"sql", "nosql"},
		map[string]*envelope.ResultEnvelope{"sql": employeeResult(), "nosql": orderResult()},
		AggregatePlan{Intent: envelope.IntentCompare, PartialSuccess: true})

	require.True(t, out.Success)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "sql", out.Data[0][SourceField])
	assert.Equal(t, 2, out.Data[0][RowCountField])
	records, ok := out.Data[1][RecordsField].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, records, 2)
}

func TestAggregator_GroupByKey(t *testing.T) {
	a := NewResultAggregator(50, nil)

	out := a.Aggregate(context.Background(), []string{"sql", "nosql"},
		map[string]*envelope.ResultEnvelope{"sql": employeeResult(), "nosql": orderResult()},
		AggregatePlan{Intent: envelope.IntentAggregate, GroupKey: "employee_info.employee_id", PartialSuccess: true})

	require.True(t, out.Success)
	require.Len(t, out.Data, 2)

	first := out.Data[0]
	assert.Equal(t, int64(1), first["employee_id"])
	assert.Equal(t, 3, first[CountField])
	assert.Equal(t, []string{"sql", "nosql"}, first[SourcesField])
	assert.Equal(t, 100.0, first["salary_sum"])
	assert.Equal(t, 100.0, first["salary_avg"])
	assert.Equal(t, 40.0, first["total_sum"])
	assert.Equal(t, 20.0, first["total_avg"])

	second := out.Data[1]
	assert.Equal(t, int64(2), second["employee_id"])
	assert.Equal(t, 1, second[CountField])
	assert.Equal(t, []string{"sql"}, second[SourcesField])
}

func TestAggregator_AggregateWithoutKeyConcats(t *testing.T) {
	a := NewResultAggregator(50, nil)

	out := a.Aggregate(context.Background(), []string{"sql", "nosql"},
		map[string]*envelope.ResultEnvelope{"sql": employeeResult(), "nosql": orderResult()},
		AggregatePlan{Intent: envelope.IntentAggregate, PartialSuccess: true})

	assert.Len(t, out.Data, 4)
	assert.Equal(t, "sql", out.Data[0][SourceField])
}

func TestAggregator_Failures(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]*envelope.ResultEnvelope
		partial bool
		success bool
		rows    int
		message string
	}{
		{
			name:    "partial success",
			results: map[string]*envelope.ResultEnvelope{"sql": employeeResult(), "nosql": testutil.FailedResult("nosql", "nosql unavailable")},
			partial: true,
			success: true,
			rows:    2,
			message: "nosql unavailable",
		},
		{
			name:    "partial mode off",
			results: map[string]*envelope.ResultEnvelope{"sql": employeeResult(), "nosql": testutil.FailedResult("nosql", "nosql unavailable")},
			partial: false,
			success: false,
			rows:    2,
			message: "nosql unavailable",
		},
		{
			name: "all failed",
			results: map[string]*envelope.ResultEnvelope{
				"sql":   testutil.FailedResult("sql", "sql query failed: syntax error"),
				"nosql": testutil.FailedResult("nosql", "nosql unavailable"),
			},
			partial: true,
			success: false,
			rows:    0,
			message: "sql query failed: syntax error; nosql unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewResultAggregator(50, nil)

			out := a.Aggregate(context.Background(), []string{"sql", "nosql"}, tt.results,
				AggregatePlan{Intent: envelope.IntentSelect, PartialSuccess: tt.partial})

			assert.Equal(t, tt.success, out.Success)
			assert.Len(t, out.Data, tt.rows)
			assert.Equal(t, tt.message, out.ErrorMessage)
		})
	}
}

func TestAggregator_TruncatedInputNote(t *testing.T) {
	a := NewResultAggregator(50, nil)
	orders := orderResult()
	orders.Truncated = true
	orders.ErrorMessage = "nosql used only the first 50 of 60 sql rows"

	out := a.Aggregate(context.Background(), []string{"sql", "nosql"},
		map[string]*envelope.ResultEnvelope{"sql": employeeResult(), "nosql": orders},
		AggregatePlan{Intent: envelope.IntentSelect})

	assert.True(t, out.Success, "a note is not a failure")
	assert.True(t, out.Truncated)
	assert.Equal(t, "nosql used only the first 50 of 60 sql rows", out.ErrorMessage)
	assert.Len(t, out.Data, 4)
}

func TestAggregator_RowCap(t *testing.T) {
	a := NewResultAggregator(50, nil)
	rows := func(i int) map[string]any { return map[string]any{"id": i} }

	out := a.Aggregate(context.Background(), []string{"sql", "nosql"},
		map[string]*envelope.ResultEnvelope{
			"sql":   testutil.SuccessResult("sql", "q1", testutil.Rows(30, rows)),
			"nosql": testutil.SuccessResult("nosql", "q2", testutil.Rows(30, rows)),
		},
		AggregatePlan{Intent: envelope.IntentSelect, PartialSuccess: true})

	assert.Len(t, out.Data, 50)
	assert.Equal(t, 60, out.RowCount)
	assert.True(t, out.Truncated)
}

func TestAggregator_NoResults(t *testing.T) {
	a := NewResultAggregator(50, nil)

	out := a.Aggregate(context.Background(), nil, nil, AggregatePlan{})
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.ErrorMessage)
}
