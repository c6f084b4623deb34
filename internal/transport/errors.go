package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for sends on, or pending on, a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrResponseTooLarge is returned when a node answers with a body over the size limit.
	// The node already handled the request, so it is not a connection error.
	ErrResponseTooLarge = errors.New("response too large")
)

// ConnectionError is a connection-level failure talking to a node.
// Requests that fail this way never reached a handler and may be retried elsewhere.
type ConnectionError struct {
	Address Address
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ApplicationError is an error response the node sent back for a request
type ApplicationError struct {
	NodeID  string
	Status  int
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("node %s responded with error (status %d): %s", e.NodeID, e.Status, e.Message)
}

// IsConnectionError reports whether err is a connection-level failure
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr) || errors.Is(err, ErrConnectionClosed)
}

// IsApplicationError reports whether err is an error response from a node
func IsApplicationError(err error) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr)
}
