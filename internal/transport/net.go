package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Net carries bytes over a stream-oriented net.Conn such as a Unix domain
// socket or an in-memory net.Pipe.
type Net struct {
	conn   net.Conn
	closed atomic.Bool
	log    *slog.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewNet wraps conn.
func NewNet(conn net.Conn, log *slog.Logger) *Net {
	if log == nil {
		log = slog.Default()
	}
	return &Net{conn: conn, log: log}
}

// IsConnected reports whether the connection is still open.
func (n *Net) IsConnected() bool {
	return !n.closed.Load()
}

// Send writes all of p.
func (n *Net) Send(ctx context.Context, p []byte) (int, error) {
	if n.closed.Load() {
		return 0, nil
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	stop := n.watch(ctx, n.conn.SetWriteDeadline)
	written, err := n.conn.Write(p)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return 0, n.fail("send", err)
	}
	return written, nil
}

// Receive reads up to len(p) bytes.
func (n *Net) Receive(ctx context.Context, p []byte) (int, error) {
	if n.closed.Load() || len(p) == 0 {
		return 0, nil
	}
	n.readMu.Lock()
	defer n.readMu.Unlock()

	stop := n.watch(ctx, n.conn.SetReadDeadline)
	read, err := n.conn.Read(p)
	stop()
	if read > 0 {
		return read, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return 0, n.fail("receive", err)
	}
	return 0, nil
}

// Close closes the connection. It is idempotent.
func (n *Net) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := n.conn.Close(); err != nil {
		n.log.Debug("net close", "err", err)
	}
	return nil
}

// watch unblocks a pending I/O call when ctx ends by moving the deadline into
// the past. The returned func must be called once the call returns.
func (n *Net) watch(ctx context.Context, setDeadline func(time.Time) error) func() {
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

func (n *Net) fail(op string, err error) error {
	kind := Classify(err)
	alreadyClosed := n.closed.Swap(true)
	if !alreadyClosed {
		_ = n.conn.Close()
	}
	if kind != FailureUnexpected || alreadyClosed {
		n.log.Debug("net transport ended", "op", op, "kind", kind.String(), "err", err)
		return nil
	}
	return fmt.Errorf("net %s: %w", op, err)
}
