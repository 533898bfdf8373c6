package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/streamwire/internal/event"
	"github.com/codewiresh/streamwire/internal/payload"
	"github.com/codewiresh/streamwire/internal/transport"
)

// State is the lifecycle state of a Client or Server.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DisconnectedEvent is published once per connected session. Reason is nil
// when the local side called Disconnect.
type DisconnectedEvent struct {
	Reason error
}

type role string

const (
	roleClient role = "client"
	roleServer role = "server"
)

// session is everything bound to one transport. A new one is built on every
// connect so nothing from a dead transport leaks into the next.
type session struct {
	transport transport.Transport
	sender    *payload.Sender
	receiver  *payload.Receiver
	adapter   *protocolAdapter

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	disconnecting atomic.Bool
	unsubscribe   []func()
}

// connection is the role-independent core shared by Client and Server.
type connection struct {
	role    role
	handler RequestHandler
	opts    options
	log     *slog.Logger
	peer    Peer

	state    atomic.Int32
	lastSend atomic.Int64

	mu      sync.Mutex
	current *session

	disconnected event.Feed[DisconnectedEvent]
}

func newConnection(r role, handler RequestHandler, opts []Option) *connection {
	o := buildOptions(opts)
	return &connection{
		role:    r,
		handler: handler,
		opts:    o,
		log:     o.log.With("role", string(r)),
	}
}

func (c *connection) State() State { return State(c.state.Load()) }

// begin claims the connection for a connect attempt.
func (c *connection) begin() error {
	if c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return nil
	}
	return ErrConnectionBusy
}

// abort releases a claim taken by begin when no transport was bound.
func (c *connection) abort() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
}

// bind starts a session on t. The caller must hold the claim from begin.
func (c *connection) bind(t transport.Transport) *session {
	s := &session{transport: t, closed: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sender = payload.NewSender(c.opts.chunkSize, c.log)
	s.receiver = payload.NewReceiver(c.log)
	s.adapter = newProtocolAdapter(s.ctx, c.handler, s.sender, c.peer, options{log: c.log, metrics: c.opts.metrics, maxConcurrent: c.opts.maxConcurrent})
	asm := payload.NewAssembler(s.adapter.onMessage, c.log)

	// Both halves are fresh, so neither Connect can fail.
	_ = s.sender.Connect(t)
	s.unsubscribe = []func(){
		s.sender.OnDisconnected(func(reason error) { c.teardown(s, reason) }),
		s.receiver.OnDisconnected(func(reason error) { c.teardown(s, reason) }),
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))
	c.opts.metrics.Connected(string(c.role))
	c.log.Debug("connection established")

	_ = s.receiver.Connect(t, asm.Handle)
	return s
}

// teardown ends s exactly once, whichever half failed first or whether the
// local side asked for it.
func (c *connection) teardown(s *session, reason error) {
	if !s.disconnecting.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	for _, unsub := range s.unsubscribe {
		unsub()
	}

	s.cancel()
	s.sender.Disconnect(reason)
	s.receiver.Disconnect(reason)
	rejected := s.adapter.rejectAll(reason)

	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))
	close(s.closed)

	if reason != nil {
		c.log.Info("connection lost", "reason", reason, "rejected", rejected)
	} else {
		c.log.Debug("connection closed", "rejected", rejected)
	}
	c.opts.metrics.Disconnected(string(c.role))
	c.disconnected.Publish(DisconnectedEvent{Reason: reason})
}

func (c *connection) active() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *connection) isConnected() bool {
	s := c.active()
	return s != nil && c.State() == StateConnected &&
		s.sender.IsConnected() && s.receiver.IsConnected()
}

func (c *connection) send(ctx context.Context, req *StreamingRequest) (*ReceiveResponse, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	s := c.active()
	if s == nil || !s.sender.IsConnected() || !s.receiver.IsConnected() {
		return nil, ErrNotConnected
	}

	start := time.Now()
	c.lastSend.Store(start.UnixNano())
	resp, err := s.adapter.sendRequest(ctx, req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.opts.metrics.RequestSent(req.Path, status, err, time.Since(start))
	return resp, err
}

func (c *connection) disconnect() {
	if s := c.active(); s != nil {
		c.teardown(s, nil)
	}
}

func (c *connection) onDisconnected(fn func(DisconnectedEvent)) func() {
	return c.disconnected.Subscribe(fn)
}

func (c *connection) lastSendTime() time.Time {
	n := c.lastSend.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
