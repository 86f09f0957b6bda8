// Package backends executes sub-queries against the relational and document
// stores and wraps every outcome in a ResultEnvelope.
package backends

import (
	"context"
	"time"
)

// QueryResult is what an executor returns. Rows holds at most the requested
// cap; RowCount is the number of rows the backend actually produced.
type QueryResult struct {
	Columns  []string
	Rows     []map[string]any
	RowCount int
}

// HealthStatus is the result of probing a backend.
type HealthStatus struct {
	Backend   string            `json:"backend"`
	Healthy   bool              `json:"healthy"`
	Latency   time.Duration     `json:"latency_ns"`
	Details   map[string]string `json:"details,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Executor runs native queries against one store.
type Executor interface {
	// Execute runs query, keeping at most rowCap rows while counting all.
	Execute(ctx context.Context, query string, rowCap int) (*QueryResult, error)
	HealthCheck(ctx context.Context) *HealthStatus
	Close(ctx context.Context) error
}

// Generator turns a natural-language sub-query into a native query.
type Generator interface {
	Generate(ctx context.Context, question string, schema *SchemaDescription, rowCap int) (string, error)
}

// OfflineExecutor stands in for a store that could not be reached at
// startup. Every call fails with ErrNotConnected, so the agent reports the
// backend unavailable instead of the process refusing to start.
type OfflineExecutor struct {
	backend string
	cause   error
}

// NewOfflineExecutor creates an OfflineExecutor remembering why the
// connection failed.
func NewOfflineExecutor(backend string, cause error) *OfflineExecutor {
	return &OfflineExecutor{backend: backend, cause: cause}
}

func (e *OfflineExecutor) Execute(ctx context.Context, query string, rowCap int) (*QueryResult, error) {
	return nil, NewConnectorError(e.backend, "Execute", "backend not connected", ErrNotConnected)
}

func (e *OfflineExecutor) HealthCheck(ctx context.Context) *HealthStatus {
	msg := ErrNotConnected.Error()
	if e.cause != nil {
		msg = e.cause.Error()
	}
	return &HealthStatus{Backend: e.backend, Error: msg, Timestamp: time.Now()}
}

func (e *OfflineExecutor) Close(ctx context.Context) error { return nil }
