package backends

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
)

func newMockExecutor(t *testing.T) (*SQLExecutor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLExecutor(db), mock
}

func TestSQLExecutor_Execute(t *testing.T) {
	e, mock := newMockExecutor(t)
	rows := sqlmock.NewRows([]string{"id", "name", "department"}).
		AddRow(1, []byte("Ada"), "engineering").
		AddRow(2, []byte("Grace"), "engineering")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, department FROM employees").WillReturnRows(rows)
	mock.ExpectRollback()

	res, err := e.Execute(context.Background(), "SELECT id, name, department FROM employees", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "department"}, res.Columns)
	assert.Equal(t, 2, res.RowCount)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Ada", res.Rows[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutor_CountsBeyondCap(t *testing.T) {
	e, mock := newMockExecutor(t)
	rows := sqlmock.NewRows([]string{"id"})
	for i := 0; i < 120; i++ {
		rows.AddRow(i)
	}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM employees").WillReturnRows(rows)
	mock.ExpectRollback()

	res, err := e.Execute(context.Background(), "SELECT id FROM employees", 50)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 50)
	assert.Equal(t, 120, res.RowCount)
}

func TestSQLExecutor_RejectsWrites(t *testing.T) {
	e, mock := newMockExecutor(t)

	for _, stmt := range []string{
		"DELETE FROM employees",
		"EXPLAIN ANALYZE DELETE FROM employees",
		"WITH t AS (DELETE FROM employees RETURNING *) SELECT * FROM t",
		"SELECT * INTO employees_copy FROM employees",
	} {
		_, err := e.Execute(context.Background(), stmt, 50)
		require.Error(t, err, stmt)
		assert.ErrorIs(t, err, ErrReadOnly, stmt)
		assert.Equal(t, KindSemantic, KindOf(err), stmt)
	}
	// Rejected before a transaction is opened.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutor_Errors(t *testing.T) {
	t.Run("semantic", func(t *testing.T) {
		e, mock := newMockExecutor(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT salry").WillReturnError(&pq.Error{Code: "42703", Message: `column "salry" does not exist`})
		mock.ExpectRollback()

		_, err := e.Execute(context.Background(), "SELECT salry FROM employees", 50)
		require.Error(t, err)
		assert.Equal(t, KindSemantic, KindOf(err))
		assert.Equal(t, `sql query failed: column "salry" does not exist`, userMessage(BackendSQL, err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("connection", func(t *testing.T) {
		e, mock := newMockExecutor(t)
		refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		mock.ExpectBegin().WillReturnError(refused)

		_, err := e.Execute(context.Background(), "SELECT 1", 50)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, "sql unavailable", userMessage(BackendSQL, err))
	})

	t.Run("connection lost mid-query", func(t *testing.T) {
		e, mock := newMockExecutor(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT").WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
		mock.ExpectRollback()

		_, err := e.Execute(context.Background(), "SELECT 1", 50)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("not connected", func(t *testing.T) {
		e := NewSQLExecutor(nil)
		_, err := e.Execute(context.Background(), "SELECT 1", 50)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.False(t, e.HealthCheck(context.Background()).Healthy)
	})
}

func TestSQLExecutor_HealthCheck(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectPing()

	status := e.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, BackendSQL, status.Backend)
	assert.Contains(t, status.Details, "open_connections")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSQL_RequiresDSN(t *testing.T) {
	_, err := OpenSQL(context.Background(), config.SQLSettings{Driver: "postgres"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// =============================================================================
// DATABASE STATS
// =============================================================================

func statsColumns() []string {
	return []string{"employees", "departments", "projects", "average_salary"}
}

func TestRegistry_Stats(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM projects`).WillReturnRows(
		sqlmock.NewRows(statsColumns()).AddRow(int64(42), int64(5), int64(8), []byte("81234.567")))
	mock.ExpectRollback()

	reg := NewRegistry(NewQueryAgent(BackendSQL, nil, e, nil, nil, testConfig(), nil))
	stats, err := reg.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.Employees)
	assert.Equal(t, int64(5), stats.Departments)
	assert.Equal(t, int64(8), stats.Projects)
	assert.Equal(t, 81234.57, stats.AverageSalary)
	assert.False(t, stats.Timestamp.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Stats_EmptyDatabase(t *testing.T) {
	e, mock := newMockExecutor(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM projects`).WillReturnRows(
		sqlmock.NewRows(statsColumns()).AddRow(int64(0), int64(0), int64(0), nil))
	mock.ExpectRollback()

	reg := NewRegistry(NewQueryAgent(BackendSQL, nil, e, nil, nil, testConfig(), nil))
	stats, err := reg.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Employees)
	assert.Zero(t, stats.AverageSalary)
}

func TestRegistry_Stats_Errors(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		reg := NewRegistry(NewQueryAgent(BackendSQL, nil, NewOfflineExecutor(BackendSQL, nil), nil, nil, testConfig(), nil))
		_, err := reg.Stats(context.Background())
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("no sql backend", func(t *testing.T) {
		_, err := NewRegistry().Stats(context.Background())
		assert.ErrorIs(t, err, ErrUnknownBackend)
	})

	t.Run("missing table", func(t *testing.T) {
		e, mock := newMockExecutor(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM projects`).WillReturnError(&pq.Error{Code: "42P01", Message: `relation "projects" does not exist`})
		mock.ExpectRollback()

		reg := NewRegistry(NewQueryAgent(BackendSQL, nil, e, nil, nil, testConfig(), nil))
		_, err := reg.Stats(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindSemantic, KindOf(err))
	})
}
