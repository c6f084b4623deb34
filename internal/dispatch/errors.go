package dispatch

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrNoNodesAvailable is returned when no node is connected at selection time
	ErrNoNodesAvailable = errors.New("no connected nodes available")
	// ErrDispatchExhausted is matched by ExhaustedError
	ErrDispatchExhausted = errors.New("dispatch exhausted")
	// ErrUnknownAction is returned for request kinds that are not registered
	ErrUnknownAction = errors.New("unknown action")
	// ErrClosed is returned for requests issued after Close
	ErrClosed = errors.New("dispatcher closed")
)

// ExhaustedError is returned when every attempt hit a connection-level failure
type ExhaustedError struct {
	Kind   string
	Errors []error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dispatch of [%s] failed after %d attempts: %v",
		e.Kind, len(e.Errors), multierr.Combine(e.Errors...))
}

// Is matches ErrDispatchExhausted
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrDispatchExhausted
}

// Unwrap returns the per-attempt errors
func (e *ExhaustedError) Unwrap() []error {
	return e.Errors
}
