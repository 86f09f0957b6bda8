package runtime

import (
	"fmt"
	"runtime/debug"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// PanicError is returned by SafeExecute when fn panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// SafeExecute runs fn, converting a panic into a *PanicError. The panic and
// its stack are logged under operation.
func SafeExecute(logger observability.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered",
					"operation", operation,
					"panic", r,
					"stack", stack,
				)
			}
			err = &PanicError{Operation: operation, Value: r, Stack: stack}
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions that also return a
// value. On panic the zero value is returned.
func SafeExecuteWithResult[T any](logger observability.Logger, operation string, fn func() (T, error)) (result T, err error) {
	err = SafeExecute(logger, operation, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

// SafeGo runs fn in a goroutine with panic recovery. onPanic, if set, is
// called with the recovered value.
func SafeGo(logger observability.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("goroutine_panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
