package envelope

import (
	"errors"
	"fmt"
)

// ErrorKind is the taxonomy every stage maps collaborator failures onto.
type ErrorKind string

const (
	ErrorKindClassificationUnavailable ErrorKind = "classification_unavailable"
	ErrorKindBackendUnavailable        ErrorKind = "backend_unavailable"
	ErrorKindQuerySemantic             ErrorKind = "query_semantic"
	ErrorKindAmbiguityExceeded         ErrorKind = "ambiguity_exceeded"
	ErrorKindDecompositionCycle        ErrorKind = "decomposition_cycle"
	ErrorKindFatal                     ErrorKind = "fatal"
	ErrorKindCancelled                 ErrorKind = "cancelled"
)

// Sentinel errors usable with errors.Is.
var (
	ErrDecompositionCycle = errors.New("decomposition contains a dependency cycle")
	ErrTurnCancelled      = errors.New("turn cancelled")
	ErrInvariantViolated  = errors.New("orchestrator invariant violated")
)

// OrchestratorError is the only error shape written to OrchestratorState.Error.
type OrchestratorError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// NewOrchestratorError creates an OrchestratorError.
func NewOrchestratorError(kind ErrorKind, stage, message string, cause error) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

func (e *OrchestratorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s at %s: %s: %v", e.Kind, e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by kind so callers need not hold the cause.
func (e *OrchestratorError) Is(target error) bool {
	switch target {
	case ErrDecompositionCycle:
		return e.Kind == ErrorKindDecompositionCycle
	case ErrTurnCancelled:
		return e.Kind == ErrorKindCancelled
	}
	return false
}

// UserMessage is the text shown to the caller for this error.
func (e *OrchestratorError) UserMessage() string {
	switch e.Kind {
	case ErrorKindDecompositionCycle:
		return "The question could not be split into an executable plan: " + e.Message
	case ErrorKindCancelled:
		return "The request was cancelled before it completed."
	default:
		return "Sorry, something went wrong while processing your request. Please try again."
	}
}

// AsOrchestratorError converts any error to an OrchestratorError, keeping
// the kind of errors that already are one.
func AsOrchestratorError(err error, stage string) *OrchestratorError {
	if err == nil {
		return nil
	}
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe
	}
	if errors.Is(err, ErrDecompositionCycle) {
		return NewOrchestratorError(ErrorKindDecompositionCycle, stage, err.Error(), err)
	}
	return NewOrchestratorError(ErrorKindFatal, stage, err.Error(), err)
}
