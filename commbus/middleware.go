package commbus

import (
	"context"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// LoggingMiddleware logs all message traffic at debug level, and failures
// at warn.
type LoggingMiddleware struct {
	logger observability.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger observability.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LoggingMiddleware{logger: logger.Bind("component", "commbus")}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	fields := []any{"category", message.Category(), "type", GetMessageType(message)}
	if te, ok := message.(TurnEvent); ok {
		fields = append(fields, "session_id", te.Session())
	}
	m.logger.Debug("commbus_message", fields...)
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", GetMessageType(message), "error", err.Error())
	}
	return result, nil
}
