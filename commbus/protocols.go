// Package commbus is the in-process event bus that carries turn progress
// from the orchestrator to observers (websocket streams, verbose CLI output,
// logging) and answers health queries.
package commbus

import "context"

// Message is anything carried by the bus. Category is "event" or "query".
type Message interface {
	Category() string
}

// Query is a message answered by exactly one handler.
type Query interface {
	Message
	IsQuery()
}

// TypedMessage lets a message name its own routing type.
type TypedMessage interface {
	Message
	MessageType() string
}

// HandlerFunc handles a message. Subscribers return (nil, nil) unless they
// fail; query handlers return the answer.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware wraps every message. Before may rewrite the message, or
// return nil to drop it. After sees the handler result and error.
type Middleware interface {
	Before(ctx context.Context, message Message) (Message, error)
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus supports two patterns: Publish fans an event out to every
// subscriber, QuerySync asks the single handler of a query.
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe returns the function that removes the subscription.
	Subscribe(eventType string, handler HandlerFunc) func()
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)

	SubscriberCount(eventType string) int
}
