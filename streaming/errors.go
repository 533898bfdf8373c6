package streaming

import (
	"errors"
	"fmt"
)

// Error classes. Every sentinel below wraps one of them.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidOperation = errors.New("invalid operation")
)

var (
	ErrEmptyURL   = fmt.Errorf("%w: url is empty", ErrInvalidArgument)
	ErrNilConn    = fmt.Errorf("%w: connection is nil", ErrInvalidArgument)
	ErrNilRequest = fmt.Errorf("%w: request is nil", ErrInvalidArgument)

	ErrNotConnected     = fmt.Errorf("%w: not connected", ErrInvalidOperation)
	ErrAlreadyStarted   = fmt.Errorf("%w: server already started", ErrInvalidOperation)
	ErrConnectionBusy   = fmt.Errorf("%w: connection is changing state", ErrInvalidOperation)
	ErrConnectionClosed = errors.New("connection closed")
)

// closedError is the error pending requests are rejected with.
func closedError(reason error) error {
	if reason == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, reason)
}
