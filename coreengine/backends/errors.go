package backends

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrorKind classifies a backend failure for retry and reporting.
type ErrorKind string

const (
	// KindUnavailable is a connectivity or timeout failure. Retried.
	KindUnavailable ErrorKind = "unavailable"
	// KindSemantic means the backend rejected the query itself. Never retried.
	KindSemantic ErrorKind = "semantic"
	// KindGeneration means no executable query could be produced.
	KindGeneration ErrorKind = "generation"
	// KindInternal covers everything else, including caller cancellation.
	KindInternal ErrorKind = "internal"
)

var (
	// ErrUnknownBackend is returned for a backend name with no registered agent.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrCircuitOpen is returned while a backend's breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrReadOnly is returned for statements that would modify data.
	ErrReadOnly = errors.New("only read-only statements are allowed")
	// ErrNotConnected is returned when an executor has no live handle.
	ErrNotConnected = errors.New("backend not connected")
	// ErrMalformedQuery is returned when query text cannot be parsed.
	ErrMalformedQuery = errors.New("malformed query")
)

// ConnectorError wraps every failure an executor or generator reports.
type ConnectorError struct {
	Backend   string
	Operation string
	Kind      ErrorKind
	Message   string
	Cause     error
}

// NewConnectorError creates a ConnectorError, deriving Kind from cause.
func NewConnectorError(backend, operation, message string, cause error) *ConnectorError {
	return &ConnectorError{
		Backend:   backend,
		Operation: operation,
		Kind:      Classify(cause),
		Message:   message,
		Cause:     cause,
	}
}

func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return e.Backend + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.Backend + "." + e.Operation + ": " + e.Message
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// Raw returns the innermost driver message, as shown to users for
// semantic failures.
func (e *ConnectorError) Raw() string {
	if e.Cause == nil {
		return e.Message
	}
	var pqErr *pq.Error
	if errors.As(e.Cause, &pqErr) {
		return pqErr.Message
	}
	var myErr *mysql.MySQLError
	if errors.As(e.Cause, &myErr) {
		return myErr.Message
	}
	return e.Cause.Error()
}

// KindOf returns the kind of err, classifying unwrapped errors on the fly.
func KindOf(err error) ErrorKind {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindUnavailable
}

// mysqlTransient are server error numbers that indicate the connection, not
// the statement, is at fault.
var mysqlTransient = map[uint16]bool{
	1040: true, // too many connections
	1053: true, // server shutdown in progress
	2002: true, // can't connect through socket
	2003: true, // can't connect to server
	2006: true, // server has gone away
	2013: true, // lost connection during query
}

// Classify maps a driver error onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrNotConnected):
		return KindUnavailable
	case errors.Is(err, ErrReadOnly), errors.Is(err, ErrMalformedQuery):
		return KindSemantic
	case errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	case errors.Is(err, context.Canceled):
		return KindInternal
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, mysql.ErrInvalidConn):
		return KindUnavailable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		if class == "08" || class == "53" || strings.HasPrefix(string(pqErr.Code), "57P") {
			return KindUnavailable
		}
		return KindSemantic
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if mysqlTransient[myErr.Number] {
			return KindUnavailable
		}
		return KindSemantic
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return KindUnavailable
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return KindSemantic
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnavailable
	}

	return KindInternal
}

// userMessage renders the error text stored on a failed envelope.
func userMessage(backend string, err error) string {
	switch KindOf(err) {
	case KindUnavailable:
		return backend + " unavailable"
	case KindSemantic:
		var ce *ConnectorError
		if errors.As(err, &ce) {
			return fmt.Sprintf("%s query failed: %s", backend, ce.Raw())
		}
		return fmt.Sprintf("%s query failed: %v", backend, err)
	default:
		return fmt.Sprintf("%s failed: %v", backend, err)
	}
}
