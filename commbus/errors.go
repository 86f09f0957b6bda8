package commbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHandler means no handler answers a query type, or middleware
	// dropped the query before it reached one.
	ErrNoHandler = errors.New("no handler registered")
	// ErrHandlerExists is returned by RegisterHandler for a taken query type.
	ErrHandlerExists = errors.New("handler already registered")
	// ErrQueryTimeout is returned when a query outlives the bus timeout.
	ErrQueryTimeout = errors.New("query timed out")
)

// BusError ties a bus failure to the message type involved. Match the cause
// with errors.Is against the sentinels above or a context error.
type BusError struct {
	MessageType string
	// Timeout is set for ErrQueryTimeout.
	Timeout time.Duration
	Err     error
}

func (e *BusError) Error() string {
	if errors.Is(e.Err, ErrQueryTimeout) {
		return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
	}
	return fmt.Sprintf("%v for %s", e.Err, e.MessageType)
}

func (e *BusError) Unwrap() error { return e.Err }
