package commbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryCommBus is a CommBus for one process. It is safe for concurrent
// use.
//
//	bus := NewInMemoryCommBus(5*time.Second, logger)
//	unsubscribe := SubscribeSession(bus, sessionID, stream)
//	bus.RegisterHandler("HealthCheckRequest", monitor.handle)
//
//	bus.Publish(ctx, &StageCompleted{...})
//	report, err := bus.QuerySync(ctx, &HealthCheckRequest{})
type InMemoryCommBus struct {
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	subscribers map[string][]subscription
	middleware  []Middleware
	nextID      uint64

	queryTimeout time.Duration
	logger       observability.Logger
}

// NewInMemoryCommBus creates a bus whose queries time out after
// queryTimeout.
func NewInMemoryCommBus(queryTimeout time.Duration, logger observability.Logger) *InMemoryCommBus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		queryTimeout: queryTimeout,
		logger:       logger.Bind("component", "commbus"),
	}
}

// Publish delivers event to every subscriber concurrently and returns once
// all of them have run. A failing or panicking subscriber is logged and
// does not affect the others or the publisher; only a middleware error is
// returned.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)
	chain := b.chain()

	msg, err := before(ctx, chain, event)
	if err != nil {
		return err
	}
	if msg == nil {
		b.logger.Debug("commbus_event_dropped", "type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[eventType]...)
	b.mu.RUnlock()

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("subscriber panic: %v", r)
					b.logger.Error("commbus_subscriber_panic", "type", eventType, "panic", r)
				}
			}()
			if _, err := sub.handler(ctx, msg); err != nil {
				errs[i] = err
				b.logger.Warn("commbus_subscriber_failed", "type", eventType, "subscriber", sub.id, "error", err.Error())
			}
		}()
	}
	wg.Wait()

	_, _ = after(ctx, chain, event, nil, errors.Join(errs...))
	return nil
}

// QuerySync asks the registered handler and waits for its answer, bounded
// by the bus query timeout.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)
	chain := b.chain()

	msg, err := before(ctx, chain, query)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	handler, ok := b.handlers[messageType]
	b.mu.RUnlock()
	if msg == nil || !ok {
		return nil, &BusError{MessageType: messageType, Err: ErrNoHandler}
	}

	qctx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type answer struct {
		value any
		err   error
	}
	done := make(chan answer, 1)
	go func() {
		v, err := handler(qctx, msg)
		done <- answer{v, err}
	}()

	select {
	case <-qctx.Done():
		err := &BusError{MessageType: messageType, Timeout: b.queryTimeout, Err: ErrQueryTimeout}
		if ctx.Err() != nil {
			err = &BusError{MessageType: messageType, Err: ctx.Err()}
		}
		_, _ = after(ctx, chain, query, nil, err)
		return nil, err
	case a := <-done:
		value, mwErr := after(ctx, chain, query, a.value, a.err)
		if mwErr != nil {
			return value, mwErr
		}
		return value, a.err
	}
}

// Subscribe adds handler for eventType. The returned function removes it
// and is safe to call more than once.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandler sets the one handler for a query type.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[messageType]; exists {
		return &BusError{MessageType: messageType, Err: ErrHandlerExists}
	}
	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware appends to the chain. Before hooks run in registration
// order, After hooks in reverse.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// SubscriberCount returns the number of subscribers to eventType.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

func (b *InMemoryCommBus) chain() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Middleware(nil), b.middleware...)
}

func before(ctx context.Context, chain []Middleware, msg Message) (Message, error) {
	for _, mw := range chain {
		next, err := mw.Before(ctx, msg)
		if err != nil || next == nil {
			return nil, err
		}
		msg = next
	}
	return msg, nil
}

func after(ctx context.Context, chain []Middleware, msg Message, result any, err error) (any, error) {
	for i := len(chain) - 1; i >= 0; i-- {
		r, mwErr := chain[i].After(ctx, msg, result, err)
		if mwErr != nil {
			err = mwErr
		}
		if r != nil {
			result = r
		}
	}
	return result, err
}

// SubscribeSession subscribes fn to every turn event of sessionID and
// returns one function that removes all of those subscriptions.
func SubscribeSession(bus CommBus, sessionID string, fn func(TurnEvent)) func() {
	handler := func(ctx context.Context, message Message) (any, error) {
		if te, ok := message.(TurnEvent); ok && te.Session() == sessionID {
			fn(te)
		}
		return nil, nil
	}
	unsubs := make([]func(), 0, len(TurnEventTypes))
	for _, t := range TurnEventTypes {
		unsubs = append(unsubs, bus.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

var _ CommBus = (*InMemoryCommBus)(nil)
