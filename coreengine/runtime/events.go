package runtime

import (
	"context"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// emitter publishes the events of one turn. A nil bus drops everything.
type emitter struct {
	bus    commbus.CommBus
	logger observability.Logger
}

// publish delivers msg even after the turn context is cancelled, so
// observers always see the terminal events.
func (e emitter) publish(ctx context.Context, msg commbus.Message) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Debug("event_publish_failed", "type", commbus.GetMessageType(msg), "error", err.Error())
	}
}

// BusEventContext adapts a CommBus to the agents' EventContext so agent
// lifecycle events reach bus subscribers.
type BusEventContext struct {
	bus commbus.CommBus
}

// NewBusEventContext creates a BusEventContext.
func NewBusEventContext(bus commbus.CommBus) *BusEventContext {
	return &BusEventContext{bus: bus}
}

// EmitAgentStarted publishes AgentStarted.
func (c *BusEventContext) EmitAgentStarted(agentName string) error {
	return c.bus.Publish(context.Background(), &commbus.AgentStarted{AgentName: agentName})
}

// EmitAgentCompleted publishes AgentCompleted.
func (c *BusEventContext) EmitAgentCompleted(agentName string, status string, durationMS int, err error) error {
	var errStr *string
	if err != nil {
		s := err.Error()
		errStr = &s
	}
	return c.bus.Publish(context.Background(), &commbus.AgentCompleted{
		AgentName:  agentName,
		Status:     status,
		DurationMS: durationMS,
		Error:      errStr,
	})
}
