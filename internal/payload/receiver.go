package payload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codewiresh/streamwire/internal/event"
	"github.com/codewiresh/streamwire/internal/protocol"
	"github.com/codewiresh/streamwire/internal/transport"
)

// ErrPeerClosed is the disconnect reason when the transport ends between
// frames.
var ErrPeerClosed = errors.New("payload: connection closed by peer")

// FrameHandler is called on the read loop for every complete frame. It must
// not block.
type FrameHandler func(h protocol.Header, body []byte)

// Receiver runs the single read loop of a connection.
type Receiver struct {
	mu        sync.Mutex
	transport transport.Receiver
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool

	disconnected event.Feed[error]
	log          *slog.Logger
}

// NewReceiver returns an unbound receiver.
func NewReceiver(log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	closed := make(chan struct{})
	close(closed)
	return &Receiver{done: closed, log: log}
}

// Connect binds the receiver to t and starts reading frames, passing each to
// handle.
func (r *Receiver) Connect(t transport.Receiver, handle FrameHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected.Load() {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.transport = t
	r.cancel = cancel
	r.done = make(chan struct{})
	r.connected.Store(true)

	go r.readLoop(ctx, t, handle, r.done)
	return nil
}

// IsConnected reports whether the read loop is running on a usable
// transport.
func (r *Receiver) IsConnected() bool {
	if !r.connected.Load() {
		return false
	}
	r.mu.Lock()
	t := r.transport
	r.mu.Unlock()
	return t != nil && t.IsConnected()
}

// OnDisconnected registers fn to run when the receiver disconnects.
func (r *Receiver) OnDisconnected(fn func(reason error)) (unsubscribe func()) {
	return r.disconnected.Subscribe(fn)
}

// Done is closed once the current read loop has exited.
func (r *Receiver) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Disconnect stops the read loop, closes the transport and notifies
// subscribers. Only the first call after a Connect has any effect.
func (r *Receiver) Disconnect(reason error) {
	if !r.connected.CompareAndSwap(true, false) {
		return
	}
	r.mu.Lock()
	t, cancel := r.transport, r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
	r.log.Debug("payload receiver disconnected", "reason", reason)
	r.disconnected.Publish(reason)
}

func (r *Receiver) readLoop(ctx context.Context, t transport.Receiver, handle FrameHandler, done chan struct{}) {
	defer close(done)

	src := &transportReader{ctx: ctx, t: t}
	for {
		f, err := protocol.ReadFrame(src)
		switch {
		case err != nil:
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrReservedFlags) || errors.Is(err, protocol.ErrPayloadTooLarge) {
				r.log.Warn("dropping connection on malformed frame header", "err", err)
			}
			r.Disconnect(err)
			return
		case f == nil:
			r.Disconnect(ErrPeerClosed)
			return
		}
		handle(f.Header, f.Payload)
	}
}

// transportReader adapts a transport to io.Reader. A zero-byte receive is
// reported as io.EOF.
type transportReader struct {
	ctx context.Context
	t   transport.Receiver
}

func (tr *transportReader) Read(p []byte) (int, error) {
	n, err := tr.t.Receive(tr.ctx, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
