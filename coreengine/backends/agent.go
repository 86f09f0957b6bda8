package backends

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

var tracer = otel.Tracer("queryrouter/backends")

// Agent answers one sub-query against one backend. Execute never panics
// and never returns an error: every outcome is an envelope.
type Agent interface {
	Name() string
	Schema() *SchemaDescription
	Execute(ctx context.Context, subquery string, schema *SchemaDescription) *envelope.ResultEnvelope
}

// QueryAgent generates a native query and runs it with bounded, transient-only
// retries.
type QueryAgent struct {
	name      string
	generator Generator
	executor  Executor
	schema    *SchemaDescription
	breaker   *CircuitBreaker
	config    *config.CoreConfig
	logger    observability.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewQueryAgent creates a QueryAgent. breaker may be shared across agents.
func NewQueryAgent(name string, generator Generator, executor Executor, schema *SchemaDescription, breaker *CircuitBreaker, cfg *config.CoreConfig, logger observability.Logger) *QueryAgent {
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &QueryAgent{
		name:      name,
		generator: generator,
		executor:  executor,
		schema:    schema,
		breaker:   breaker,
		config:    cfg,
		logger:    logger.Bind("backend", name),
		sleep:     sleepContext,
	}
}

func (a *QueryAgent) Name() string               { return a.name }
func (a *QueryAgent) Schema() *SchemaDescription { return a.schema }

// Executor returns the underlying executor, for health probes.
func (a *QueryAgent) Executor() Executor { return a.executor }

func (a *QueryAgent) Execute(ctx context.Context, subquery string, schema *SchemaDescription) (result *envelope.ResultEnvelope) {
	if schema == nil {
		schema = a.schema
	}
	ctx, span := tracer.Start(ctx, "backend.execute")
	span.SetAttributes(attribute.String("backend", a.name))
	defer span.End()

	start := time.Now()
	var native string
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("backend_panic", "panic", fmt.Sprintf("%v", r))
			result = envelope.NewFailedResult(a.name, native, a.name+" failed: internal error")
		}
		result.DurationMS = time.Since(start).Milliseconds()
		status := "success"
		if !result.Success {
			status = "error"
			span.SetStatus(codes.Error, result.ErrorMessage)
		}
		span.SetAttributes(attribute.Int("row_count", result.RowCount), attribute.Int("attempts", result.Attempts))
		observability.RecordBackendCall(a.name, status, int(result.DurationMS), len(result.Data))
	}()

	native, err := a.generator.Generate(ctx, subquery, schema, a.config.RowCap)
	if err != nil {
		a.logger.Warn("generation_failed", "error", err.Error())
		return envelope.NewFailedResult(a.name, "", userMessage(a.name, generationError(a.name, err)))
	}
	a.logger.Debug("query_generated", "query", native)

	qr, attempts, err := a.executeWithRetry(ctx, native)
	if err != nil {
		a.logger.Warn("execution_failed", "attempts", attempts, "kind", string(KindOf(err)), "error", err.Error())
		failed := envelope.NewFailedResult(a.name, native, userMessage(a.name, err))
		failed.Attempts = attempts
		return failed
	}

	ok := envelope.NewSuccessResult(a.name, native, qr.Rows)
	ok.RowCount = qr.RowCount
	if ok.RowCount < len(ok.Data) {
		ok.RowCount = len(ok.Data)
	}
	ok.Truncated = ok.RowCount > len(ok.Data)
	ok.TruncateTo(a.config.RowCap)
	ok.Attempts = attempts
	return ok
}

func (a *QueryAgent) executeWithRetry(ctx context.Context, native string) (*QueryResult, int, error) {
	maxAttempts := a.config.BackendMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		if attempt > 0 {
			backoff := a.config.BackendBackoff() * time.Duration(1<<(attempt-1))
			if err := a.sleep(ctx, backoff); err != nil {
				return nil, attempt, err
			}
		}
		attempt++

		if a.breaker != nil && !a.breaker.Allow(a.name) {
			return nil, attempt, NewConnectorError(a.name, "Query", "circuit open", ErrCircuitOpen)
		}

		qr, err := a.executeOnce(ctx, native)
		if a.breaker != nil {
			a.breaker.Record(a.name, err)
		}
		if err == nil {
			return qr, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			break
		}
		a.logger.Debug("transient_failure", "attempt", attempt, "error", err.Error())
	}
	return nil, attempt, lastErr
}

func (a *QueryAgent) executeOnce(ctx context.Context, native string) (*QueryResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.config.BackendTimeout())
	defer cancel()

	qr, err := a.executor.Execute(callCtx, native, a.config.RowCap)
	if err != nil {
		// The caller's own cancellation is not a backend timeout.
		if ctx.Err() != nil {
			return nil, NewConnectorError(a.name, "Query", "cancelled", ctx.Err())
		}
		if callCtx.Err() != nil && Classify(err) != KindUnavailable {
			return nil, NewConnectorError(a.name, "Query", "timed out", context.DeadlineExceeded)
		}
		return nil, err
	}
	if qr == nil {
		qr = &QueryResult{}
	}
	return qr, nil
}

func generationError(backend string, err error) error {
	return &ConnectorError{
		Backend:   backend,
		Operation: "Generate",
		Kind:      KindGeneration,
		Message:   "query generation failed",
		Cause:     err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Registry holds one agent per backend.
type Registry struct {
	agents map[string]Agent
	mu     sync.RWMutex
}

// NewRegistry creates a registry from agents.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.agents[a.Name()] = a
	}
	return r
}

// Register adds or replaces the agent for its backend.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Get returns the agent for backend.
func (r *Registry) Get(backend string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	return a, nil
}

// Has reports whether backend is registered.
func (r *Registry) Has(backend string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[backend]
	return ok
}

// Names returns registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck probes every agent that exposes an executor.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*HealthStatus {
	result := make(map[string]*HealthStatus)
	for _, name := range r.Names() {
		a, _ := r.Get(name)
		probe, ok := a.(interface{ Executor() Executor })
		if !ok || probe.Executor() == nil {
			result[name] = &HealthStatus{Backend: name, Error: "no executor", Timestamp: time.Now()}
			continue
		}
		result[name] = probe.Executor().HealthCheck(ctx)
	}
	return result
}

// Close closes every executor, returning the first error.
func (r *Registry) Close(ctx context.Context) error {
	var first error
	for _, name := range r.Names() {
		a, _ := r.Get(name)
		if probe, ok := a.(interface{ Executor() Executor }); ok && probe.Executor() != nil {
			if err := probe.Executor().Close(ctx); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
