package backends

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
)

// SQLExecutor runs read-only statements against the employees database,
// each inside a read-only transaction that is always rolled back.
type SQLExecutor struct {
	name string
	db   *sql.DB
}

// OpenSQL opens and pings a pooled database handle.
func OpenSQL(ctx context.Context, s config.SQLSettings) (*sql.DB, error) {
	if s.DSN == "" {
		return nil, NewConnectorError(BackendSQL, "Connect", "dsn is required", ErrNotConnected)
	}
	db, err := sql.Open(s.Driver, s.DSN)
	if err != nil {
		return nil, NewConnectorError(BackendSQL, "Connect", "failed to open connection", err)
	}

	db.SetMaxOpenConns(s.MaxOpenConns)
	db.SetMaxIdleConns(s.MaxIdleConns)
	db.SetConnMaxLifetime(s.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, NewConnectorError(BackendSQL, "Connect", "failed to ping database", err)
	}
	return db, nil
}

// NewSQLExecutor wraps an open handle. The executor owns db from here on.
func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{name: BackendSQL, db: db}
}

func (e *SQLExecutor) Execute(ctx context.Context, query string, rowCap int) (*QueryResult, error) {
	if e.db == nil {
		return nil, NewConnectorError(e.name, "Query", "database not connected", ErrNotConnected)
	}
	if !IsReadOnlySQL(query) {
		return nil, NewConnectorError(e.name, "Query", "statement rejected", ErrReadOnly)
	}

	// Functions such as setval can still write from a SELECT.
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, NewConnectorError(e.name, "Query", "failed to begin read-only transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, NewConnectorError(e.name, "Query", "query execution failed", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, NewConnectorError(e.name, "Query", "failed to get columns", err)
	}

	result := &QueryResult{Columns: columns, Rows: make([]map[string]any, 0)}
	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		result.RowCount++
		if rowCap > 0 && len(result.Rows) >= rowCap {
			continue
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, NewConnectorError(e.name, "Query", "failed to scan row", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, NewConnectorError(e.name, "Query", "error during row iteration", err)
	}
	return result, nil
}

func (e *SQLExecutor) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Backend: e.name, Timestamp: time.Now()}
	if e.db == nil {
		status.Error = "database not connected"
		return status
	}

	start := time.Now()
	err := e.db.PingContext(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	stats := e.db.Stats()
	status.Healthy = true
	status.Details = map[string]string{
		"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
		"in_use":           fmt.Sprintf("%d", stats.InUse),
		"idle":             fmt.Sprintf("%d", stats.Idle),
	}
	return status
}

func (e *SQLExecutor) Close(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}
