package link

import (
	"errors"
	"fmt"
)

// Domain-specific errors for device link operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnection is returned when a link cannot be opened: no address,
	// connection refused, or handshake slower than the configured timeout.
	ErrConnection = errors.New("link: connection failed")

	// ErrNotConnected is returned when sending on a link that is not open.
	ErrNotConnected = errors.New("link: not connected")

	// ErrCommandTimeout is returned when no response arrives in time.
	ErrCommandTimeout = errors.New("link: command timed out")

	// ErrCommandRejected is matched by *RejectedError.
	ErrCommandRejected = errors.New("link: command rejected")

	// ErrReconnectExhausted is reported once a bounded reconnect policy
	// has used all of its attempts.
	ErrReconnectExhausted = errors.New("link: reconnect attempts exhausted")

	// ErrMalformedMessage is returned by codecs for frames they cannot parse.
	ErrMalformedMessage = errors.New("link: malformed message")

	// ErrConnectionLost fails commands still pending when the transport drops.
	ErrConnectionLost = errors.New("link: connection lost")

	// ErrPendingFull is returned when the pending-command table is at capacity.
	ErrPendingFull = errors.New("link: too many commands in flight")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("link: closed")
)

// RejectedError carries the remote reason for a failed command.
type RejectedError struct {
	Command string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("link: command %q rejected: %s", e.Command, e.Reason)
}

// Is makes errors.Is(err, ErrCommandRejected) true.
func (e *RejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}
