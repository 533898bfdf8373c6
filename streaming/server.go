package streaming

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/streamwire/internal/transport"
)

// Server serves one accepted connection. Both sides may initiate requests
// once started.
type Server struct {
	conn      *connection
	transport transport.Transport
	started   atomic.Bool
}

// NewServer wraps an accepted WebSocket connection.
func NewServer(ws *websocket.Conn, handler RequestHandler, opts ...Option) (*Server, error) {
	if ws == nil {
		return nil, ErrNilConn
	}
	s := newServer(handler, opts)
	s.transport = transport.NewWebSocket(ws, s.conn.log)
	return s, nil
}

// NewNetServer wraps an accepted stream connection such as a unix socket.
func NewNetServer(nc net.Conn, handler RequestHandler, opts ...Option) (*Server, error) {
	if nc == nil {
		return nil, ErrNilConn
	}
	s := newServer(handler, opts)
	s.transport = transport.NewNet(nc, s.conn.log)
	return s, nil
}

func newServer(handler RequestHandler, opts []Option) *Server {
	s := &Server{conn: newConnection(roleServer, handler, opts)}
	s.conn.peer = s
	return s
}

// Start begins reading and blocks until the connection closes and every
// inbound request has been answered. If ctx ends first the server
// disconnects and Start returns ctx's error. A server can be started only
// once.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := s.conn.begin(); err != nil {
		return err
	}
	sess := s.conn.bind(s.transport)

	var err error
	select {
	case <-sess.closed:
	case <-ctx.Done():
		s.conn.teardown(sess, nil)
		err = ctx.Err()
	}
	<-sess.receiver.Done()
	sess.adapter.wait()
	return err
}

// Send issues req to the client and waits for its response or ctx
// cancellation.
func (s *Server) Send(ctx context.Context, req *StreamingRequest) (*ReceiveResponse, error) {
	return s.conn.send(ctx, req)
}

// Disconnect closes the connection, rejecting pending requests with
// ErrConnectionClosed.
func (s *Server) Disconnect() { s.conn.disconnect() }

// Close disconnects the server. A server that was never started closes its
// transport directly.
func (s *Server) Close() error {
	if s.started.CompareAndSwap(false, true) {
		return s.transport.Close()
	}
	s.conn.disconnect()
	return nil
}

// OnDisconnected registers fn to run once when the connection ends.
func (s *Server) OnDisconnected(fn func(DisconnectedEvent)) (unsubscribe func()) {
	return s.conn.onDisconnected(fn)
}

// IsConnected reports whether both directions of the connection are live.
func (s *Server) IsConnected() bool { return s.conn.isConnected() }

// State reports the lifecycle state.
func (s *Server) State() State { return s.conn.State() }

// LastSend returns when Send was last called, or the zero time.
func (s *Server) LastSend() time.Time { return s.conn.lastSendTime() }
