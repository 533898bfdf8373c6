// Package transport moves raw bytes over a duplex connection. Expected
// failures are reported as a zero-byte result so the layers above can treat
// "0 bytes" uniformly as "stream ended".
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"nhooyr.io/websocket"
)

// Sender writes bytes to a connection.
type Sender interface {
	IsConnected() bool
	// Send writes all of p. It returns (0, nil) on an expected failure.
	Send(ctx context.Context, p []byte) (int, error)
	Close() error
}

// Receiver reads bytes from a connection.
type Receiver interface {
	IsConnected() bool
	// Receive reads up to len(p) bytes. It returns (0, nil) once the
	// connection has ended.
	Receive(ctx context.Context, p []byte) (int, error)
	Close() error
}

// Transport is both halves of one connection.
type Transport interface {
	Sender
	Receiver
}

// FailureKind classifies I/O errors.
type FailureKind int

const (
	// FailureUnexpected is any error outside the known transient set. It is
	// returned to the caller.
	FailureUnexpected FailureKind = iota
	// FailureDisposed means the socket was already closed locally.
	FailureDisposed
	// FailureCancelled means the operation's context ended.
	FailureCancelled
	// FailureClosed means the peer closed or reset the connection.
	FailureClosed
)

func (k FailureKind) String() string {
	switch k {
	case FailureDisposed:
		return "disposed"
	case FailureCancelled:
		return "cancelled"
	case FailureClosed:
		return "closed"
	default:
		return "unexpected"
	}
}

// ErrClosed is returned by operations on a transport after Close.
var ErrClosed = errors.New("transport closed")

// Classify maps err onto the closed set of expected failure kinds.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureUnexpected
	case errors.Is(err, ErrClosed), errors.Is(err, net.ErrClosed):
		return FailureDisposed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCancelled
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		websocket.CloseStatus(err) != -1:
		return FailureClosed
	}
	return FailureUnexpected
}

// Expected reports whether err belongs to one of the transient kinds that are
// converted to a zero-byte result.
func Expected(err error) bool {
	return err != nil && Classify(err) != FailureUnexpected
}
