// Package agents provides the query analyzer, decomposer, data engineer and
// result aggregator that the orchestrator drives.
//
// Agents never panic across their boundary and, apart from a decomposition
// cycle, never return errors: collaborator failures are recovered locally
// with deterministic fallbacks.
package agents

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// Agent names, used for logging, metrics and events.
const (
	AnalyzerName   = "query_analyzer"
	DecomposerName = "query_decomposer"
	EngineerName   = "data_engineer"
	AggregatorName = "result_aggregator"
)

// Agent run statuses.
const (
	StatusSuccess  = "success"
	StatusFallback = "fallback"
	StatusError    = "error"
)

// Logger is the interface for logging.
type Logger = observability.Logger

// EventContext is the interface for event emission.
type EventContext interface {
	EmitAgentStarted(agentName string) error
	EmitAgentCompleted(agentName string, status string, durationMS int, err error) error
}

var tracer = otel.Tracer("queryrouter/agents")

// base carries what every agent shares: identity, logger and event sink.
type base struct {
	name     string
	logger   Logger
	eventCtx EventContext
}

func newBase(name string, logger Logger) base {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return base{name: name, logger: logger.Bind("agent", name)}
}

// SetEventContext sets the event context for this agent.
func (b *base) SetEventContext(ctx EventContext) {
	b.eventCtx = ctx
}

// begin opens a span and emits the start event. The returned func must be
// called exactly once with the run's outcome.
func (b *base) begin(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(status string, err error)) {
	ctx, span := tracer.Start(ctx, "agent.process", trace.WithAttributes(
		append([]attribute.KeyValue{attribute.String("queryrouter.agent.name", b.name)}, attrs...)...,
	))
	startTime := time.Now()
	b.emitStarted()
	b.logger.Debug(fmt.Sprintf("%s_started", b.name))

	return ctx, func(status string, err error) {
		durationMS := int(time.Since(startTime).Milliseconds())
		span.SetAttributes(
			attribute.String("status", status),
			attribute.Int("duration_ms", durationMS),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.logger.Error(fmt.Sprintf("%s_error", b.name), "error", err.Error(), "duration_ms", durationMS)
		} else {
			span.SetStatus(codes.Ok, status)
			b.logger.Info(fmt.Sprintf("%s_completed", b.name), "status", status, "duration_ms", durationMS)
		}
		observability.RecordAgentExecution(b.name, status, durationMS)
		b.emitCompleted(status, durationMS, err)
		span.End()
	}
}

func (b *base) emitStarted() {
	if b.eventCtx != nil {
		_ = b.eventCtx.EmitAgentStarted(b.name)
	}
}

func (b *base) emitCompleted(status string, durationMS int, err error) {
	if b.eventCtx != nil {
		_ = b.eventCtx.EmitAgentCompleted(b.name, status, durationMS, err)
	}
}
