package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
)

// WebSocket carries bytes as binary WebSocket messages. Each Send is one
// message; Receive reads across message boundaries.
// It is safe for one concurrent reader and any number of writers.
type WebSocket struct {
	conn   *websocket.Conn
	closed atomic.Bool
	log    *slog.Logger

	writeMu sync.Mutex

	readMu sync.Mutex
	msg    io.Reader
}

// NewWebSocket wraps conn. The read limit is removed; frames are bounded by
// the payload layer instead.
func NewWebSocket(conn *websocket.Conn, log *slog.Logger) *WebSocket {
	if log == nil {
		log = slog.Default()
	}
	conn.SetReadLimit(-1)
	return &WebSocket{conn: conn, log: log}
}

// IsConnected reports whether the socket is still open.
func (w *WebSocket) IsConnected() bool {
	return !w.closed.Load()
}

// Send writes p as a single binary message.
func (w *WebSocket) Send(ctx context.Context, p []byte) (int, error) {
	if w.closed.Load() {
		return 0, nil
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		return 0, w.fail("send", err)
	}
	return len(p), nil
}

// Receive reads up to len(p) bytes from the current binary message, moving
// on to the next message when it is exhausted. A close frame from the peer
// completes the close handshake, disposes the socket and yields (0, nil).
func (w *WebSocket) Receive(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if w.closed.Load() {
			return 0, nil
		}
		if w.msg == nil {
			typ, r, err := w.conn.Reader(ctx)
			if err != nil {
				return 0, w.fail("receive", err)
			}
			if typ != websocket.MessageBinary {
				w.log.Warn("closing websocket after non-binary message", "type", typ.String())
				_ = w.conn.Close(websocket.StatusUnsupportedData, "binary messages only")
				w.closed.Store(true)
				return 0, nil
			}
			w.msg = r
		}

		n, err := w.msg.Read(p)
		if err == io.EOF {
			w.msg = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			w.msg = nil
			return 0, w.fail("receive", err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Close performs a normal closure. It is idempotent and ignores close
// failures.
func (w *WebSocket) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		w.log.Debug("websocket close", "err", err)
		_ = w.conn.CloseNow()
	}
	return nil
}

// fail disposes the socket and maps err onto the transport result
// convention.
func (w *WebSocket) fail(op string, err error) error {
	kind := Classify(err)
	alreadyClosed := w.closed.Swap(true)
	if !alreadyClosed {
		_ = w.conn.CloseNow()
	}
	if kind != FailureUnexpected || alreadyClosed {
		w.log.Debug("websocket ended", "op", op, "kind", kind.String(), "err", err)
		return nil
	}
	return fmt.Errorf("websocket %s: %w", op, err)
}
