// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and the hclog-backed logger used across the query router.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TURN METRICS
// =============================================================================

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryrouter_turns_total",
			Help: "Total number of orchestrated turns",
		},
		[]string{"domain", "status"}, // status: success, partial, error, cancelled
	)

	turnDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"domain"},
	)

	reclassificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queryrouter_reclassifications_total",
			Help: "Total number of low-confidence reclassification loops",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryrouter_stage_executions_total",
			Help: "Total number of state machine stage executions",
		},
		[]string{"stage", "status"}, // status: success, error
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// AGENT METRICS
// =============================================================================

var (
	agentExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryrouter_agent_executions_total",
			Help: "Total number of analyzer, decomposer, engineer and aggregator runs",
		},
		[]string{"agent", "status"}, // status: success, fallback, error
	)

	agentDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_agent_duration_seconds",
			Help:    "Agent execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent"},
	)
)

// =============================================================================
// BACKEND METRICS
// =============================================================================

var (
	backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryrouter_backend_calls_total",
			Help: "Total number of backend query executions",
		},
		[]string{"backend", "status"}, // status: success, unavailable, semantic, error, circuit_open
	)

	backendDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_backend_duration_seconds",
			Help:    "Backend execution duration in seconds, including retries",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 30},
		},
		[]string{"backend"},
	)

	backendRowsReturned = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_backend_rows",
			Help:    "True row count reported by backend executions",
			Buckets: []float64{0, 1, 10, 50, 100, 1000, 10000},
		},
		[]string{"backend"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryrouter_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"provider", "purpose", "status"}, // status: success, error, timeout
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "purpose"},
	)
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryrouter_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryrouter_http_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryrouter_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
		[]string{"route"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTurn records a completed turn.
func RecordTurn(domain string, status string, durationMS int) {
	turnsTotal.WithLabelValues(domain, status).Inc()
	turnDurationSeconds.WithLabelValues(domain).Observe(float64(durationMS) / 1000.0)
}

// RecordReclassification counts one low-confidence loop back to classify.
func RecordReclassification() {
	reclassificationsTotal.Inc()
}

// RecordStageExecution records one state machine stage visit.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordAgentExecution records agent execution metrics.
func RecordAgentExecution(agent string, status string, durationMS int) {
	agentExecutionsTotal.WithLabelValues(agent, status).Inc()
	agentDurationSeconds.WithLabelValues(agent).Observe(float64(durationMS) / 1000.0)
}

// RecordBackendCall records a backend execution and the true row count.
func RecordBackendCall(backend string, status string, durationMS int, rows int) {
	backendCallsTotal.WithLabelValues(backend, status).Inc()
	backendDurationSeconds.WithLabelValues(backend).Observe(float64(durationMS) / 1000.0)
	if status == "success" {
		backendRowsReturned.WithLabelValues(backend).Observe(float64(rows))
	}
}

// RecordLLMCall records LLM call metrics.
func RecordLLMCall(provider string, purpose string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, purpose, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, purpose).Observe(float64(durationMS) / 1000.0)
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordHTTPRequest records HTTP API request metrics.
func RecordHTTPRequest(route string, code string, durationMS int) {
	httpRequestsTotal.WithLabelValues(route, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(float64(durationMS) / 1000.0)
}
