package commbus

import "time"

// MessageCategory routes a message: events fan out, queries have one
// handler.
type MessageCategory string

const (
	MessageCategoryEvent MessageCategory = "event"
	MessageCategoryQuery MessageCategory = "query"
)

// HealthStatus is the health of a backend or of the whole router.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// TurnEvent is implemented by every event scoped to one turn, so observers
// can filter by session.
type TurnEvent interface {
	Message
	Session() string
}

// =============================================================================
// TURN EVENTS
// =============================================================================

// TurnStarted is emitted when the orchestrator accepts a query.
type TurnStarted struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Query     string    `json:"query"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *TurnStarted) Category() string { return string(MessageCategoryEvent) }
func (m *TurnStarted) Session() string  { return m.SessionID }

// StageStarted is emitted when a state machine stage begins.
type StageStarted struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Stage     string `json:"stage"`
	Hop       int    `json:"hop"`
}

func (m *StageStarted) Category() string { return string(MessageCategoryEvent) }
func (m *StageStarted) Session() string  { return m.SessionID }

// StageCompleted is emitted when a stage returns.
type StageCompleted struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	Stage      string `json:"stage"`
	Next       string `json:"next"`
	Status     string `json:"status"` // "success" or "error"
	DurationMS int    `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }
func (m *StageCompleted) Session() string  { return m.SessionID }

// BackendDispatched is emitted when a backend returns its envelope.
type BackendDispatched struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	Backend    string `json:"backend"`
	Query      string `json:"query"`
	Success    bool   `json:"success"`
	RowCount   int    `json:"row_count"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (m *BackendDispatched) Category() string { return string(MessageCategoryEvent) }
func (m *BackendDispatched) Session() string  { return m.SessionID }

// TurnCompleted is emitted once per turn after the response is formatted.
type TurnCompleted struct {
	SessionID     string   `json:"session_id"`
	RequestID     string   `json:"request_id"`
	Success       bool     `json:"success"`
	Domain        string   `json:"domain"`
	QueryType     string   `json:"query_type"`
	ExecutionPath []string `json:"execution_path"`
	DurationMS    int      `json:"duration_ms"`
	Error         string   `json:"error,omitempty"`
}

func (m *TurnCompleted) Category() string { return string(MessageCategoryEvent) }
func (m *TurnCompleted) Session() string  { return m.SessionID }

// =============================================================================
// AGENT LIFECYCLE EVENTS
// =============================================================================

// AgentStarted is emitted when an agent begins processing.
type AgentStarted struct {
	AgentName string `json:"agent_name"`
}

func (m *AgentStarted) Category() string { return string(MessageCategoryEvent) }

// AgentCompleted is emitted when an agent finishes processing.
type AgentCompleted struct {
	AgentName  string  `json:"agent_name"`
	Status     string  `json:"status"` // "success", "fallback", "error"
	DurationMS int     `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
}

func (m *AgentCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// HEALTH QUERY
// =============================================================================

// HealthCheckRequest asks for system health. An empty Component means all.
type HealthCheckRequest struct {
	Component string `json:"component,omitempty"`
}

func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }
func (m *HealthCheckRequest) IsQuery()         {}

// ComponentHealth is the health of one dependency.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	LatencyMS int64        `json:"latency_ms"`
	Error     string       `json:"error,omitempty"`
	Details   string       `json:"details,omitempty"`
}

// HealthCheckResponse is the reply to HealthCheckRequest.
type HealthCheckResponse struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *TurnStarted:
		return "TurnStarted"
	case *StageStarted:
		return "StageStarted"
	case *StageCompleted:
		return "StageCompleted"
	case *BackendDispatched:
		return "BackendDispatched"
	case *TurnCompleted:
		return "TurnCompleted"
	case *AgentStarted:
		return "AgentStarted"
	case *AgentCompleted:
		return "AgentCompleted"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	default:
		return "Unknown"
	}
}

// TurnEventTypes lists the event types that carry a session.
var TurnEventTypes = []string{"TurnStarted", "StageStarted", "StageCompleted", "BackendDispatched", "TurnCompleted"}
