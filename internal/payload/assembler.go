package payload

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/streamwire/internal/protocol"
)

// Limits on partial state held for one connection.
const (
	maxMetadataLength    = 1 << 20
	maxStreamsPerMessage = 256
	defaultMaxPending    = 1024
	defaultMaxBuffered   = 64 << 20
)

// Stream is a fully received body stream.
type Stream struct {
	ID          uuid.UUID
	ContentType string
	Data        []byte
}

// Message is a fully reassembled request or response. Exactly one of
// Request and Response is set, according to Type.
type Message struct {
	Type     protocol.PayloadType
	ID       uuid.UUID
	Request  *protocol.RequestPayload
	Response *protocol.ResponsePayload
	Streams  []Stream
}

type partialMessage struct {
	typ       protocol.PayloadType
	id        uuid.UUID
	meta      bytes.Buffer
	parsed    bool
	request   *protocol.RequestPayload
	response  *protocol.ResponsePayload
	streamIDs []uuid.UUID
}

type partialStream struct {
	id          uuid.UUID
	contentType string
	data        bytes.Buffer
	limit       int
	done        bool
	owner       uuid.UUID
}

// Assembler demultiplexes frames by ID and delivers complete messages. Its
// Handle method is a FrameHandler.
//
// Stream frames are accepted only after the metadata that declares them.
// The number of partial messages and the bytes buffered for them are
// capped; frames past a cap are dropped with the message they belong to.
type Assembler struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*partialMessage
	streams  map[uuid.UUID]*partialStream
	buffered int

	maxPending  int
	maxBuffered int

	deliver func(*Message)
	log     *slog.Logger
}

// NewAssembler returns an assembler that calls deliver for every completed
// message. deliver runs on the caller of Handle.
func NewAssembler(deliver func(*Message), log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		messages:    make(map[uuid.UUID]*partialMessage),
		streams:     make(map[uuid.UUID]*partialStream),
		maxPending:  defaultMaxPending,
		maxBuffered: defaultMaxBuffered,
		deliver:     deliver,
		log:         log,
	}
}

// Handle feeds one frame into the assembler.
func (a *Assembler) Handle(h protocol.Header, body []byte) {
	var ready *Message

	a.mu.Lock()
	switch h.Type {
	case protocol.PayloadRequest, protocol.PayloadResponse:
		ready = a.onMetadata(h, body)
	case protocol.PayloadStream:
		ready = a.onStream(h, body)
	case protocol.PayloadCancelStream:
		if ps, ok := a.streams[h.ID]; ok {
			a.dropMessage(ps.owner)
		}
	case protocol.PayloadCancelAll:
		a.reset()
	}
	a.mu.Unlock()

	if ready != nil {
		a.deliver(ready)
	}
}

// Pending returns the number of partially received messages and streams.
func (a *Assembler) Pending() (messages, streams int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages), len(a.streams)
}

// Buffered returns the number of body and metadata bytes held for partial
// messages.
func (a *Assembler) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffered
}

func (a *Assembler) reset() {
	a.messages = make(map[uuid.UUID]*partialMessage)
	a.streams = make(map[uuid.UUID]*partialStream)
	a.buffered = 0
}

// reserve accounts for n more buffered bytes, reporting false if that would
// pass the cap.
func (a *Assembler) reserve(n int) bool {
	if a.buffered+n > a.maxBuffered {
		return false
	}
	a.buffered += n
	return true
}

func (a *Assembler) onMetadata(h protocol.Header, body []byte) *Message {
	pm, ok := a.messages[h.ID]
	if !ok {
		if len(a.messages) >= a.maxPending {
			a.log.Warn("dropping message: too many partial messages", "id", h.ID, "pending", len(a.messages))
			return nil
		}
		pm = &partialMessage{typ: h.Type, id: h.ID}
		a.messages[h.ID] = pm
	}
	if pm.parsed || pm.typ != h.Type {
		a.log.Warn("dropping unexpected metadata frame", "id", h.ID, "type", h.Type.String())
		return nil
	}
	if pm.meta.Len()+len(body) > maxMetadataLength {
		a.log.Warn("dropping message with oversized metadata", "id", h.ID)
		a.dropMessage(h.ID)
		return nil
	}
	if !a.reserve(len(body)) {
		a.log.Warn("dropping message: receive buffer full", "id", h.ID, "buffered", a.buffered)
		a.dropMessage(h.ID)
		return nil
	}
	pm.meta.Write(body)
	if !h.End {
		return nil
	}

	var descs []protocol.StreamDescription
	switch pm.typ {
	case protocol.PayloadRequest:
		var req protocol.RequestPayload
		if err := json.Unmarshal(pm.meta.Bytes(), &req); err != nil {
			a.log.Warn("dropping request with invalid metadata", "id", h.ID, "err", err)
			a.dropMessage(h.ID)
			return nil
		}
		pm.request, descs = &req, req.Streams
	default:
		var resp protocol.ResponsePayload
		if err := json.Unmarshal(pm.meta.Bytes(), &resp); err != nil {
			a.log.Warn("dropping response with invalid metadata", "id", h.ID, "err", err)
			a.dropMessage(h.ID)
			return nil
		}
		pm.response, descs = &resp, resp.Streams
	}
	pm.parsed = true
	a.buffered -= pm.meta.Len()
	pm.meta.Reset()

	if len(descs) > maxStreamsPerMessage {
		a.log.Warn("dropping message with too many streams", "id", h.ID, "streams", len(descs))
		a.dropMessage(h.ID)
		return nil
	}
	for _, d := range descs {
		sid, err := uuid.Parse(d.ID)
		if err != nil {
			a.log.Warn("dropping message with invalid stream id", "id", h.ID, "stream", d.ID)
			a.dropMessage(h.ID)
			return nil
		}
		if _, ok := a.streams[sid]; ok {
			a.log.Warn("dropping message with a stream that is already claimed", "id", h.ID, "stream", sid)
			a.dropMessage(h.ID)
			return nil
		}
		ps := &partialStream{id: sid, owner: h.ID, contentType: d.ContentType, limit: -1}
		if d.Length != nil {
			ps.limit = *d.Length
		}
		if ps.limit > a.maxBuffered {
			a.log.Warn("dropping message with a stream larger than the receive buffer", "id", h.ID, "stream", sid, "declared", ps.limit)
			a.dropMessage(h.ID)
			return nil
		}
		a.streams[sid] = ps
		pm.streamIDs = append(pm.streamIDs, sid)
	}
	return a.complete(pm)
}

func (a *Assembler) onStream(h protocol.Header, body []byte) *Message {
	ps, ok := a.streams[h.ID]
	if !ok {
		a.log.Debug("dropping stream frame with no owning message", "stream", h.ID)
		return nil
	}
	if ps.done {
		a.log.Warn("dropping frame for completed stream", "stream", h.ID)
		return nil
	}
	if !a.reserve(len(body)) {
		a.log.Warn("dropping message: receive buffer full", "id", ps.owner, "buffered", a.buffered)
		a.dropMessage(ps.owner)
		return nil
	}
	ps.data.Write(body)
	if h.End {
		ps.done = true
	}
	if !a.withinLimit(ps) {
		a.dropMessage(ps.owner)
		return nil
	}
	if !ps.done {
		return nil
	}
	pm, ok := a.messages[ps.owner]
	if !ok {
		return nil
	}
	return a.complete(pm)
}

// withinLimit reports whether ps respects its declared length, logging a
// protocol violation if it does not.
func (a *Assembler) withinLimit(ps *partialStream) bool {
	if ps.limit < 0 {
		return true
	}
	n := ps.data.Len()
	if n > ps.limit || (ps.done && n != ps.limit) {
		a.log.Warn("stream length does not match declaration", "stream", ps.id, "declared", ps.limit, "received", n)
		return false
	}
	return true
}

// complete removes pm and returns it as a Message if every stream it
// references has ended.
func (a *Assembler) complete(pm *partialMessage) *Message {
	if !pm.parsed {
		return nil
	}
	for _, sid := range pm.streamIDs {
		ps, ok := a.streams[sid]
		if !ok || !ps.done {
			return nil
		}
	}

	msg := &Message{Type: pm.typ, ID: pm.id, Request: pm.request, Response: pm.response}
	for _, sid := range pm.streamIDs {
		ps := a.streams[sid]
		msg.Streams = append(msg.Streams, Stream{ID: sid, ContentType: ps.contentType, Data: ps.data.Bytes()})
		a.buffered -= ps.data.Len()
		delete(a.streams, sid)
	}
	delete(a.messages, pm.id)
	return msg
}

func (a *Assembler) dropMessage(id uuid.UUID) {
	pm, ok := a.messages[id]
	if !ok {
		return
	}
	a.buffered -= pm.meta.Len()
	for _, sid := range pm.streamIDs {
		if ps, ok := a.streams[sid]; ok && ps.owner == id {
			a.buffered -= ps.data.Len()
			delete(a.streams, sid)
		}
	}
	delete(a.messages, id)
}
