// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring a language model or live databases.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// =============================================================================
// MOCK LLM PROVIDER
// =============================================================================

// MockLLMProvider implements llm.Provider for testing.
// Configure responses by call purpose ("classify", "decompose", ...).
type MockLLMProvider struct {
	// Responses maps a request purpose to the response text.
	Responses map[string]string

	// Errors maps a request purpose to a failure.
	Errors map[string]error

	// DefaultResponse is returned when no purpose matches. Empty means
	// unmatched calls fail with llm.ErrProviderUnavailable.
	DefaultResponse string

	// Delay simulates model latency.
	Delay time.Duration

	// Calls records every request for assertion.
	Calls []llm.ChatRequest

	// ChatFunc, if set, is called instead of using Responses.
	ChatFunc func(context.Context, *llm.ChatRequest) (string, error)

	mu sync.Mutex
}

// NewMockLLMProvider creates an empty MockLLMProvider.
func NewMockLLMProvider() *MockLLMProvider {
	return &MockLLMProvider{
		Responses: make(map[string]string),
		Errors:    make(map[string]error),
	}
}

func (m *MockLLMProvider) Name() string { return "mock" }

// Chat implements llm.Provider.
func (m *MockLLMProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, *req)
	id := len(m.Calls)
	delay := m.Delay
	fn := m.ChatFunc
	resp, hasResp := m.Responses[req.Purpose]
	err := m.Errors[req.Purpose]
	def := m.DefaultResponse
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fn != nil {
		text, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return &llm.ChatResponse{Content: text}, nil
	}
	if err != nil {
		return nil, err
	}
	if !hasResp {
		if def == "" {
			return nil, llm.ErrProviderUnavailable
		}
		resp = def
	}
	return &llm.ChatResponse{ID: fmt.Sprintf("mock-%d", id), Content: resp}, nil
}

// WithResponse sets the response for a purpose.
func (m *MockLLMProvider) WithResponse(purpose, response string) *MockLLMProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[purpose] = response
	return m
}

// WithError makes calls for a purpose fail.
func (m *MockLLMProvider) WithError(purpose string, err error) *MockLLMProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[purpose] = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockLLMProvider) WithDelay(d time.Duration) *MockLLMProvider {
	m.Delay = d
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockLLMProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsFor counts calls made for purpose.
func (m *MockLLMProvider) CallsFor(purpose string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Purpose == purpose {
			n++
		}
	}
	return n
}

// LastPrompt returns the final user message of the most recent call for
// purpose.
func (m *MockLLMProvider) LastPrompt(purpose string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		c := m.Calls[i]
		if c.Purpose == purpose && len(c.Messages) > 0 {
			return c.Messages[len(c.Messages)-1].Content
		}
	}
	return ""
}

// Reset clears call history.
func (m *MockLLMProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// NewMockClient wraps provider in an llm.Client.
func NewMockClient(provider llm.Provider) *llm.Client {
	return llm.NewClient(provider, "mock-model")
}

// =============================================================================
// MOCK BACKEND AGENT
// =============================================================================

// MockAgent implements backends.Agent for testing.
type MockAgent struct {
	// Results are returned in order; the last one repeats.
	Results []*envelope.ResultEnvelope

	// Delay simulates backend latency. A cancelled context during the
	// delay yields a failed envelope.
	Delay time.Duration

	// ExecuteFunc, if set, is called instead of using Results.
	ExecuteFunc func(context.Context, string) *envelope.ResultEnvelope

	// Calls records every sub-query received.
	Calls []string

	// Started is signalled at the start of each Execute when non-nil.
	Started chan string

	name   string
	schema *backends.SchemaDescription
	mu     sync.Mutex
}

// NewMockAgent creates a MockAgent answering with results.
func NewMockAgent(name string, results ...*envelope.ResultEnvelope) *MockAgent {
	return &MockAgent{name: name, Results: results, schema: &backends.SchemaDescription{Backend: name}}
}

func (m *MockAgent) Name() string                        { return m.name }
func (m *MockAgent) Schema() *backends.SchemaDescription { return m.schema }

// Execute implements backends.Agent.
func (m *MockAgent) Execute(ctx context.Context, subquery string, schema *backends.SchemaDescription) *envelope.ResultEnvelope {
	m.mu.Lock()
	m.Calls = append(m.Calls, subquery)
	call := len(m.Calls)
	m.mu.Unlock()

	if m.Started != nil {
		m.Started <- m.name
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return envelope.NewFailedResult(m.name, "", fmt.Sprintf("%s failed: %v", m.name, ctx.Err()))
		}
	}
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, subquery)
	}
	if len(m.Results) == 0 {
		return envelope.NewSuccessResult(m.name, subquery, nil)
	}
	idx := call - 1
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	}
	return m.Results[idx].Clone()
}

// GetCalls returns a copy of received sub-queries.
func (m *MockAgent) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]string, len(m.Calls))
	copy(copied, m.Calls)
	return copied
}

// =============================================================================
// MOCK EVENT CONTEXT
// =============================================================================

// MockEventContext captures agent events for assertion.
type MockEventContext struct {
	// Events captures all emitted events.
	Events []AgentEvent

	// Error causes emit methods to return this error.
	Error error

	mu sync.Mutex
}

// AgentEvent represents a captured event.
type AgentEvent struct {
	Type       string
	AgentName  string
	Status     string
	DurationMS int
	Error      error
	Timestamp  time.Time
}

// NewMockEventContext creates a MockEventContext.
func NewMockEventContext() *MockEventContext {
	return &MockEventContext{
		Events: make([]AgentEvent, 0),
	}
}

// EmitAgentStarted records an agent started event.
func (m *MockEventContext) EmitAgentStarted(agentName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Error != nil {
		return m.Error
	}
	m.Events = append(m.Events, AgentEvent{Type: "started", AgentName: agentName, Timestamp: time.Now()})
	return nil
}

// EmitAgentCompleted records an agent completed event.
func (m *MockEventContext) EmitAgentCompleted(agentName string, status string, durationMS int, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Error != nil {
		return m.Error
	}
	m.Events = append(m.Events, AgentEvent{
		Type:       "completed",
		AgentName:  agentName,
		Status:     status,
		DurationMS: durationMS,
		Error:      err,
		Timestamp:  time.Now(),
	})
	return nil
}

// GetCompleted returns completed events for agentName.
func (m *MockEventContext) GetCompleted(agentName string) []AgentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AgentEvent
	for _, e := range m.Events {
		if e.Type == "completed" && e.AgentName == agentName {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements observability.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) Bind(fields ...any) observability.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// =============================================================================
// CONFIG AND RESULT HELPERS
// =============================================================================

// NewTestConfig returns the default configuration with millisecond timeouts
// and backoff so failure paths run quickly.
func NewTestConfig() *config.CoreConfig {
	cfg := config.DefaultCoreConfig()
	cfg.ClassifierTimeoutMS = 200
	cfg.DecomposerTimeoutMS = 200
	cfg.GeneratorTimeoutMS = 200
	cfg.EngineerTimeoutMS = 200
	cfg.BackendTimeoutMS = 200
	cfg.TurnTimeoutMS = 2000
	cfg.BackendBackoffMS = 1
	return cfg
}

// Rows builds n rows from fn.
func Rows(n int, fn func(i int) map[string]any) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = fn(i)
	}
	return rows
}

// SuccessResult is a successful envelope over rows.
func SuccessResult(backend, query string, rows []map[string]any) *envelope.ResultEnvelope {
	return envelope.NewSuccessResult(backend, query, rows)
}

// FailedResult is a failed envelope with message.
func FailedResult(backend, message string) *envelope.ResultEnvelope {
	return envelope.NewFailedResult(backend, "", message)
}
