package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/codewiresh/streamwire/internal/protocol"
	"github.com/codewiresh/streamwire/internal/transport"
)

// pipe returns two connected in-memory transports.
func pipe(t *testing.T) (*transport.Net, *transport.Net) {
	t.Helper()
	a, b := net.Pipe()
	left, right := transport.NewNet(a, nil), transport.NewNet(b, nil)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

// readFrames reads n frames from conn in the background.
func readFrames(conn net.Conn, n int) <-chan []*protocol.Frame {
	out := make(chan []*protocol.Frame, 1)
	go func() {
		var frames []*protocol.Frame
		for i := 0; i < n; i++ {
			f, err := protocol.ReadFrame(conn)
			if err != nil || f == nil {
				break
			}
			frames = append(frames, f)
		}
		out <- frames
	}()
	return out
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

func TestSenderChunksBody(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewSender(4, nil)
	if err := s.Connect(transport.NewNet(a, nil)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	id := uuid.New()
	got := readFrames(b, 3)
	if err := s.SendMessage(context.Background(), &Outgoing{Type: protocol.PayloadRequest, ID: id, Metadata: []byte("abcdefghij")}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	frames := <-got
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	var joined []byte
	for i, f := range frames {
		if f.ID != id {
			t.Errorf("frame %d ID = %v, want %v", i, f.ID, id)
		}
		if f.End != (i == 2) {
			t.Errorf("frame %d End = %v", i, f.End)
		}
		joined = append(joined, f.Payload...)
	}
	if string(joined) != "abcdefghij" {
		t.Errorf("joined = %q", joined)
	}
}

func TestSenderEmptyStreamIsOneFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewSender(0, nil)
	s.Connect(transport.NewNet(a, nil))

	sid := uuid.New()
	got := readFrames(b, 2)
	msg := &Outgoing{Type: protocol.PayloadResponse, ID: uuid.New(), Metadata: []byte("{}"), Streams: []OutgoingStream{{ID: sid}}}
	if err := s.SendMessage(context.Background(), msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	frames := <-got
	if len(frames) != 2 || frames[1].ID != sid || !frames[1].End || frames[1].Length != 0 {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestSenderAbandonedMessageIsCancelled(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewSender(4, nil)
	s.Connect(transport.NewNet(a, nil))

	sid := uuid.New()
	msg := &Outgoing{
		Type:     protocol.PayloadRequest,
		ID:       uuid.New(),
		Metadata: []byte("meta"),
		Streams:  []OutgoingStream{{ID: sid, Data: []byte("0123456789abcdef")}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.SendMessage(ctx, msg) }()

	// Take the metadata, then stop reading so the body stalls.
	first, err := protocol.ReadFrame(b)
	if err != nil || first.ID != msg.ID {
		t.Fatalf("first frame = %+v, %v", first, err)
	}
	cancel()
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("SendMessage = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage did not return after cancel")
	}

	var streamFrames int
	for {
		f, err := protocol.ReadFrame(b)
		if err != nil || f == nil {
			t.Fatalf("ReadFrame = %+v, %v", f, err)
		}
		if f.Type == protocol.PayloadCancelStream {
			if f.ID != sid || !f.End {
				t.Errorf("cancel frame = %+v, want stream %v", f.Header, sid)
			}
			break
		}
		streamFrames++
	}
	if streamFrames >= 4 {
		t.Errorf("%d body frames written after cancel, want fewer than 4", streamFrames)
	}
	if !s.IsConnected() {
		t.Error("sender disconnected by an abandoned message")
	}
}

func TestSenderWaitForTurnHonoursContext(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewSender(0, nil)
	s.Connect(transport.NewNet(a, nil))

	blocking := &Outgoing{Type: protocol.PayloadRequest, ID: uuid.New(), Metadata: []byte("first")}
	firstDone := make(chan error, 1)
	go func() { firstDone <- s.SendMessage(context.Background(), blocking) }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	queued := &Outgoing{Type: protocol.PayloadRequest, ID: uuid.New(), Metadata: []byte("queued")}
	start := time.Now()
	if err := s.SendMessage(ctx, queued); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued SendMessage = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("queued SendMessage returned after %v", elapsed)
	}

	got := readFrames(b, 2)
	if err := <-firstDone; err != nil {
		t.Fatalf("first SendMessage: %v", err)
	}
	next := &Outgoing{Type: protocol.PayloadRequest, ID: uuid.New(), Metadata: []byte("next")}
	if err := s.SendMessage(context.Background(), next); err != nil {
		t.Fatalf("next SendMessage: %v", err)
	}
	frames := <-got
	if len(frames) != 2 || frames[0].ID != blocking.ID || frames[1].ID != next.ID {
		t.Fatalf("frames = %+v, want first then next with nothing from the expired message", frames)
	}
}

func TestSenderMessagesAreContiguous(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewSender(2, nil)
	s.Connect(transport.NewNet(a, nil))

	msg := func() *Outgoing {
		return &Outgoing{
			Type:     protocol.PayloadRequest,
			ID:       uuid.New(),
			Metadata: []byte("meta"),
			Streams:  []OutgoingStream{{ID: uuid.New(), Data: []byte("body")}},
		}
	}
	first, second := msg(), msg()

	// Each message is 2 metadata frames + 2 stream frames.
	got := readFrames(b, 8)
	var wg sync.WaitGroup
	for _, m := range []*Outgoing{first, second} {
		wg.Add(1)
		go func(m *Outgoing) {
			defer wg.Done()
			if err := s.SendMessage(context.Background(), m); err != nil {
				t.Errorf("SendMessage: %v", err)
			}
		}(m)
	}
	wg.Wait()

	frames := <-got
	if len(frames) != 8 {
		t.Fatalf("frames = %d, want 8", len(frames))
	}
	owner := func(f *protocol.Frame) uuid.UUID {
		switch f.ID {
		case first.ID, first.Streams[0].ID:
			return first.ID
		}
		return second.ID
	}
	lead := owner(frames[0])
	for i := 1; i < 4; i++ {
		if owner(frames[i]) != lead {
			t.Fatalf("frame %d belongs to another message: frames interleaved", i)
		}
	}
}

func TestSenderNotConnected(t *testing.T) {
	s := NewSender(0, nil)
	err := s.SendMessage(context.Background(), &Outgoing{Type: protocol.PayloadRequest, ID: uuid.New(), Metadata: []byte("x")})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if s.IsConnected() {
		t.Error("IsConnected = true")
	}
}

func TestSenderDisconnectFiresOnce(t *testing.T) {
	left, _ := pipe(t)
	s := NewSender(0, nil)
	s.Connect(left)

	var fired atomic.Int32
	s.OnDisconnected(func(error) { fired.Add(1) })
	s.Disconnect(nil)
	s.Disconnect(nil)

	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1", fired.Load())
	}
	if s.IsConnected() {
		t.Error("IsConnected = true after Disconnect")
	}
	if err := s.Connect(left); err != nil {
		t.Errorf("re-Connect: %v", err)
	}
}

func TestSenderWriteFailureDisconnects(t *testing.T) {
	left, right := pipe(t)
	s := NewSender(0, nil)
	s.Connect(left)

	reasons := make(chan error, 2)
	s.OnDisconnected(func(err error) { reasons <- err })

	right.Close()
	err := s.SendMessage(context.Background(), &Outgoing{Type: protocol.PayloadRequest, ID: uuid.New(), Metadata: []byte("x")})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	select {
	case <-reasons:
	case <-time.After(time.Second):
		t.Fatal("Disconnected not raised")
	}
}

// ---------------------------------------------------------------------------
// Receiver
// ---------------------------------------------------------------------------

func TestReceiverDispatchesFrames(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	frames := make(chan protocol.Header, 4)
	r := NewReceiver(nil)
	if err := r.Connect(transport.NewNet(b, nil), func(h protocol.Header, body []byte) {
		frames <- h
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Disconnect(nil)

	id := uuid.New()
	frame, err := protocol.AppendFrame(nil, protocol.PayloadStream, id, true, []byte("hi"))
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	go a.Write(frame)

	select {
	case h := <-frames:
		if h.ID != id || h.Length != 2 || !h.End {
			t.Errorf("header = %+v", h)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not dispatched")
	}
}

func TestReceiverPeerCloseDisconnectsOnce(t *testing.T) {
	a, b := net.Pipe()

	r := NewReceiver(nil)
	var fired atomic.Int32
	reason := make(chan error, 1)
	r.OnDisconnected(func(err error) {
		fired.Add(1)
		reason <- err
	})
	r.Connect(transport.NewNet(b, nil), func(protocol.Header, []byte) {})

	a.Close()
	select {
	case err := <-reason:
		if !errors.Is(err, ErrPeerClosed) {
			t.Errorf("reason = %v, want ErrPeerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Disconnected not raised")
	}
	<-r.Done()
	r.Disconnect(nil)
	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1", fired.Load())
	}
}

func TestReceiverMalformedHeaderDisconnects(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	r := NewReceiver(nil)
	reason := make(chan error, 1)
	r.OnDisconnected(func(err error) { reason <- err })
	r.Connect(transport.NewNet(b, nil), func(protocol.Header, []byte) {})

	go a.Write(bytes.Repeat([]byte{'Z'}, protocol.HeaderLength))
	select {
	case err := <-reason:
		if !errors.Is(err, protocol.ErrUnknownType) {
			t.Errorf("reason = %v, want ErrUnknownType", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Disconnected not raised")
	}
}

func TestReceiverConnectTwice(t *testing.T) {
	_, right := pipe(t)
	r := NewReceiver(nil)
	r.Connect(right, func(protocol.Header, []byte) {})
	defer r.Disconnect(nil)
	if err := r.Connect(right, func(protocol.Header, []byte) {}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

func metadata(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func intPtr(n int) *int { return &n }

func TestAssemblerRequestWithStream(t *testing.T) {
	var got []*Message
	a := NewAssembler(func(m *Message) { got = append(got, m) }, nil)

	reqID, streamID := uuid.New(), uuid.New()
	meta := metadata(t, protocol.RequestPayload{
		Verb: "POST", Path: "/api/echo",
		Streams: []protocol.StreamDescription{{ID: streamID.String(), ContentType: "text/plain", Length: intPtr(6)}},
	})
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: reqID, End: true}, meta)
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: streamID}, []byte("abc"))
	if len(got) != 0 {
		t.Fatal("delivered before stream ended")
	}
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: streamID, End: true}, []byte("def"))

	if len(got) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(got))
	}
	m := got[0]
	if m.ID != reqID || m.Request == nil || m.Request.Path != "/api/echo" {
		t.Errorf("message = %+v", m)
	}
	if len(m.Streams) != 1 || string(m.Streams[0].Data) != "abcdef" || m.Streams[0].ContentType != "text/plain" {
		t.Errorf("streams = %+v", m.Streams)
	}
	if msgs, streams := a.Pending(); msgs != 0 || streams != 0 {
		t.Errorf("Pending = (%d, %d), want (0, 0)", msgs, streams)
	}
}

func TestAssemblerDropsStreamWithoutMetadata(t *testing.T) {
	a := NewAssembler(func(*Message) { t.Fatal("unexpected delivery") }, nil)

	orphan := uuid.New()
	for i := 0; i < 64; i++ {
		a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: orphan}, make([]byte, protocol.MaxPayloadLength))
		a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: uuid.New()}, []byte("x"))
	}
	if msgs, streams := a.Pending(); msgs != 0 || streams != 0 {
		t.Errorf("Pending = (%d, %d), want (0, 0)", msgs, streams)
	}
	if n := a.Buffered(); n != 0 {
		t.Errorf("Buffered = %d, want 0", n)
	}
}

func TestAssemblerCapsPendingMessages(t *testing.T) {
	a := NewAssembler(func(*Message) {}, nil)
	a.maxPending = 4

	for i := 0; i < 10; i++ {
		a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: uuid.New()}, []byte("{"))
	}
	if msgs, _ := a.Pending(); msgs != 4 {
		t.Errorf("pending messages = %d, want 4", msgs)
	}
}

func TestAssemblerCapsBufferedBytes(t *testing.T) {
	var got []*Message
	a := NewAssembler(func(m *Message) { got = append(got, m) }, nil)
	a.maxBuffered = 256

	big, sid := uuid.New(), uuid.New()
	meta := metadata(t, protocol.RequestPayload{
		Verb: "POST", Path: "/x", Streams: []protocol.StreamDescription{{ID: sid.String()}},
	})
	if len(meta) >= a.maxBuffered {
		t.Fatalf("metadata is %d bytes, too large for the test buffer", len(meta))
	}
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: big, End: true}, meta)
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: sid}, make([]byte, 200))
	if n := a.Buffered(); n != 200 {
		t.Fatalf("Buffered = %d, want 200", n)
	}
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: sid}, make([]byte, 100))
	if msgs, streams := a.Pending(); msgs != 0 || streams != 0 {
		t.Fatalf("Pending = (%d, %d), want (0, 0) after overflow", msgs, streams)
	}
	if n := a.Buffered(); n != 0 {
		t.Errorf("Buffered = %d, want 0", n)
	}

	small, sid2 := uuid.New(), uuid.New()
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: small, End: true}, metadata(t, protocol.RequestPayload{
		Verb: "POST", Path: "/x", Streams: []protocol.StreamDescription{{ID: sid2.String()}},
	}))
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: sid2, End: true}, []byte("ok"))
	if len(got) != 1 || got[0].ID != small {
		t.Fatalf("got = %+v, want the small message", got)
	}
	if n := a.Buffered(); n != 0 {
		t.Errorf("Buffered = %d after delivery, want 0", n)
	}
}

func TestAssemblerRejectsOversizedDeclaration(t *testing.T) {
	a := NewAssembler(func(*Message) { t.Fatal("unexpected delivery") }, nil)
	a.maxBuffered = 256

	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: uuid.New(), End: true}, metadata(t, protocol.RequestPayload{
		Verb: "POST", Path: "/x", Streams: []protocol.StreamDescription{{ID: uuid.NewString(), Length: intPtr(257)}},
	}))
	if msgs, streams := a.Pending(); msgs != 0 || streams != 0 {
		t.Errorf("Pending = (%d, %d), want (0, 0)", msgs, streams)
	}
}

func TestAssemblerChunkedMetadata(t *testing.T) {
	var got []*Message
	a := NewAssembler(func(m *Message) { got = append(got, m) }, nil)

	id := uuid.New()
	meta := metadata(t, protocol.RequestPayload{Verb: "GET", Path: "/api/ping"})
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: id}, meta[:5])
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: id, End: true}, meta[5:])

	if len(got) != 1 || got[0].Request.Verb != "GET" {
		t.Fatalf("got = %+v", got)
	}
}

func TestAssemblerLengthMismatchDrops(t *testing.T) {
	var got []*Message
	a := NewAssembler(func(m *Message) { got = append(got, m) }, nil)

	id, sid := uuid.New(), uuid.New()
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: id, End: true}, metadata(t, protocol.RequestPayload{
		Verb: "POST", Path: "/x",
		Streams: []protocol.StreamDescription{{ID: sid.String(), Length: intPtr(2)}},
	}))
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: sid, End: true}, []byte("toolong"))

	if len(got) != 0 {
		t.Fatalf("delivered %d messages, want 0", len(got))
	}
	if msgs, streams := a.Pending(); msgs != 0 || streams != 0 {
		t.Errorf("Pending = (%d, %d), want (0, 0)", msgs, streams)
	}
}

func TestAssemblerInvalidMetadataDrops(t *testing.T) {
	a := NewAssembler(func(*Message) { t.Fatal("unexpected delivery") }, nil)
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: uuid.New(), End: true}, []byte("{not json"))
	if msgs, _ := a.Pending(); msgs != 0 {
		t.Errorf("pending messages = %d, want 0", msgs)
	}
}

func TestAssemblerCancelStream(t *testing.T) {
	a := NewAssembler(func(*Message) { t.Fatal("unexpected delivery") }, nil)

	id, sid := uuid.New(), uuid.New()
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: id, End: true}, metadata(t, protocol.RequestPayload{
		Verb: "POST", Path: "/x", Streams: []protocol.StreamDescription{{ID: sid.String()}},
	}))
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: sid}, []byte("part"))
	a.Handle(protocol.Header{Type: protocol.PayloadCancelStream, ID: sid, End: true}, nil)
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: sid, End: true}, []byte("rest"))

	if msgs, _ := a.Pending(); msgs != 0 {
		t.Errorf("pending messages = %d, want 0", msgs)
	}
}

func TestAssemblerCancelAll(t *testing.T) {
	a := NewAssembler(func(*Message) {}, nil)
	a.Handle(protocol.Header{Type: protocol.PayloadRequest, ID: uuid.New()}, []byte("{"))
	a.Handle(protocol.Header{Type: protocol.PayloadStream, ID: uuid.New()}, []byte("x"))
	a.Handle(protocol.Header{Type: protocol.PayloadCancelAll, End: true}, nil)
	if msgs, streams := a.Pending(); msgs != 0 || streams != 0 {
		t.Errorf("Pending = (%d, %d), want (0, 0)", msgs, streams)
	}
}

// TestSendReceiveInterleavedProperty pushes several messages through a real
// sender and receiver and checks that every body arrives intact, whatever
// the chunk size.
func TestSendReceiveInterleavedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunk := rapid.IntRange(1, 64).Draw(rt, "chunk")
		bodies := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 300), 1, 5).Draw(rt, "bodies")

		a, b := net.Pipe()
		defer a.Close()
		defer b.Close()

		delivered := make(chan *Message, len(bodies))
		asm := NewAssembler(func(m *Message) { delivered <- m }, nil)
		r := NewReceiver(nil)
		r.Connect(transport.NewNet(b, nil), asm.Handle)
		defer r.Disconnect(nil)

		s := NewSender(chunk, nil)
		s.Connect(transport.NewNet(a, nil))

		want := make(map[uuid.UUID][]byte)
		var msgs []*Outgoing
		for _, body := range bodies {
			id, sid := uuid.New(), uuid.New()
			want[id] = body
			meta, _ := json.Marshal(protocol.RequestPayload{
				Verb: "POST", Path: "/p",
				Streams: []protocol.StreamDescription{{ID: sid.String(), Length: intPtr(len(body))}},
			})
			msgs = append(msgs, &Outgoing{Type: protocol.PayloadRequest, ID: id, Metadata: meta, Streams: []OutgoingStream{{ID: sid, Data: body}}})
		}
		go func() {
			for _, msg := range msgs {
				if err := s.SendMessage(context.Background(), msg); err != nil {
					return
				}
			}
		}()

		for range bodies {
			select {
			case m := <-delivered:
				if !bytes.Equal(m.Streams[0].Data, want[m.ID]) {
					rt.Fatalf("body for %v corrupted", m.ID)
				}
			case <-time.After(2 * time.Second):
				rt.Fatal("message not delivered")
			}
		}
	})
}
