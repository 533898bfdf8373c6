// Package payload frames logical messages onto a transport and reassembles
// them on the other side.
package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codewiresh/streamwire/internal/event"
	"github.com/codewiresh/streamwire/internal/protocol"
	"github.com/codewiresh/streamwire/internal/transport"
)

var (
	// ErrNotConnected is returned when sending on a sender that has no live
	// transport.
	ErrNotConnected = errors.New("payload: not connected")
	// ErrAlreadyConnected is returned by Connect on a bound sender or
	// receiver.
	ErrAlreadyConnected = errors.New("payload: already connected")
	// ErrShortWrite means the transport accepted fewer bytes than a frame.
	ErrShortWrite = errors.New("payload: transport write ended the connection")
)

// OutgoingStream is one body stream of an outgoing message.
type OutgoingStream struct {
	ID   uuid.UUID
	Data []byte
}

// Outgoing is a request or response ready for the wire: JSON metadata plus
// the streams the metadata references, in order.
type Outgoing struct {
	Type     protocol.PayloadType
	ID       uuid.UUID
	Metadata []byte
	Streams  []OutgoingStream
}

// Sender writes messages to a transport. A message's frames are always
// written contiguously.
type Sender struct {
	turn      chan struct{}
	chunkSize int
	buf       []byte

	mu        sync.Mutex
	transport transport.Sender
	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool

	disconnected event.Feed[error]
	log          *slog.Logger
}

// errAbandoned stops a message whose caller has gone away.
var errAbandoned = errors.New("payload: message abandoned")

// NewSender returns an unbound sender that splits bodies into chunks of at
// most chunkSize bytes. A chunkSize outside (0, MaxPayloadLength] means
// MaxPayloadLength.
func NewSender(chunkSize int, log *slog.Logger) *Sender {
	if chunkSize <= 0 || chunkSize > protocol.MaxPayloadLength {
		chunkSize = protocol.MaxPayloadLength
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		turn:      make(chan struct{}, 1),
		chunkSize: chunkSize,
		buf:       make([]byte, 0, protocol.HeaderLength+chunkSize),
		log:       log,
	}
}

// Connect binds the sender to t. Frame writes run under a context that
// lives until Disconnect.
func (s *Sender) Connect(t transport.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Load() {
		return ErrAlreadyConnected
	}
	s.transport = t
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.connected.Store(true)
	return nil
}

// IsConnected reports whether the sender is bound to a usable transport.
func (s *Sender) IsConnected() bool {
	if !s.connected.Load() {
		return false
	}
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	return t != nil && t.IsConnected()
}

// OnDisconnected registers fn to run when the sender disconnects.
func (s *Sender) OnDisconnected(fn func(reason error)) (unsubscribe func()) {
	return s.disconnected.Subscribe(fn)
}

// Disconnect closes the transport and notifies subscribers. Only the first
// call after a Connect has any effect.
func (s *Sender) Disconnect(reason error) {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	t, cancel := s.transport, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
	s.log.Debug("payload sender disconnected", "reason", reason)
	s.disconnected.Publish(reason)
}

// SendMessage writes the metadata frames of msg followed by each of its
// streams.
//
// ctx bounds the whole call, including the wait behind earlier messages.
// If ctx ends while msg is being written SendMessage returns its cause at
// once. The frame already on the wire completes, the remaining frames are
// skipped and the peer is told to drop the partial message, so the
// connection stays usable.
func (s *Sender) SendMessage(ctx context.Context, msg *Outgoing) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	var abandoned atomic.Bool
	done := make(chan error, 1)
	go func() {
		defer func() { <-s.turn }()
		done <- s.writeMessage(msg, &abandoned)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abandoned.Store(true)
		return context.Cause(ctx)
	}
}

// writeMessage must be called holding the turn.
func (s *Sender) writeMessage(msg *Outgoing, abandoned *atomic.Bool) error {
	s.mu.Lock()
	t, ctx := s.transport, s.ctx
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	frames, err := s.writePayload(ctx, t, msg.Type, msg.ID, msg.Metadata, abandoned)
	if err != nil {
		if errors.Is(err, errAbandoned) && frames > 0 {
			// Partial metadata is not addressable by stream ID. Frames are
			// contiguous, so it is the only partial state the peer holds.
			s.writeCancel(ctx, t, protocol.PayloadCancelAll, uuid.Nil)
		}
		return err
	}
	for _, st := range msg.Streams {
		if _, err := s.writePayload(ctx, t, protocol.PayloadStream, st.ID, st.Data, abandoned); err != nil {
			if errors.Is(err, errAbandoned) {
				s.writeCancel(ctx, t, protocol.PayloadCancelStream, st.ID)
			}
			return err
		}
	}
	return nil
}

func (s *Sender) writeCancel(ctx context.Context, t transport.Sender, typ protocol.PayloadType, id uuid.UUID) {
	if _, err := s.writePayload(ctx, t, typ, id, nil, nil); err != nil {
		s.log.Debug("could not send cancel", "type", typ.String(), "id", id, "err", err)
		return
	}
	s.log.Debug("abandoned message cancelled", "type", typ.String(), "id", id)
}

// writePayload writes body as one or more frames and returns how many were
// written. It checks abandoned before each frame. The turn must be held.
func (s *Sender) writePayload(ctx context.Context, t transport.Sender, typ protocol.PayloadType, id uuid.UUID, body []byte, abandoned *atomic.Bool) (int, error) {
	frames := 0
	for {
		if abandoned != nil && abandoned.Load() {
			return frames, errAbandoned
		}
		if !s.connected.Load() {
			return frames, ErrNotConnected
		}

		chunk := body
		if len(chunk) > s.chunkSize {
			chunk = body[:s.chunkSize]
		}
		end := len(chunk) == len(body)

		frame, err := protocol.AppendFrame(s.buf[:0], typ, id, end, chunk)
		if err != nil {
			return frames, err
		}
		s.buf = frame

		n, err := t.Send(ctx, frame)
		if err != nil {
			s.Disconnect(err)
			return frames, fmt.Errorf("sending %s payload: %w", typ, err)
		}
		if n < len(frame) {
			s.Disconnect(ErrShortWrite)
			return frames, ErrNotConnected
		}
		frames++

		body = body[len(chunk):]
		if end {
			return frames, nil
		}
	}
}
