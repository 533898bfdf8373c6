package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/codewiresh/streamwire/internal/payload"
	"github.com/codewiresh/streamwire/internal/protocol"
)

// Request verbs.
const (
	VerbGet    = "GET"
	VerbPost   = "POST"
	VerbPut    = "PUT"
	VerbDelete = "DELETE"
)

const contentTypeJSON = "application/json; charset=utf-8"

// Content is one body stream of a message.
type Content struct {
	ContentType string
	Data        []byte
}

// StreamingRequest is an outbound request.
type StreamingRequest struct {
	Verb    string
	Path    string
	Streams []Content
}

// NewRequest returns a request with no body.
func NewRequest(verb, path string) *StreamingRequest {
	return &StreamingRequest{Verb: verb, Path: path}
}

// AddStream appends a body stream and returns r.
func (r *StreamingRequest) AddStream(contentType string, data []byte) *StreamingRequest {
	r.Streams = append(r.Streams, Content{ContentType: contentType, Data: data})
	return r
}

// SetJSONBody replaces the body with the JSON encoding of v.
func (r *StreamingRequest) SetJSONBody(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	r.Streams = []Content{{ContentType: contentTypeJSON, Data: data}}
	return nil
}

// ReceiveResponse is the peer's answer to a StreamingRequest.
type ReceiveResponse struct {
	StatusCode int
	Streams    []Content
}

// Body returns the data of the first stream, or nil.
func (r *ReceiveResponse) Body() []byte { return firstBody(r.Streams) }

// ReadJSON decodes the first stream into v.
func (r *ReceiveResponse) ReadJSON(v any) error { return readJSON(r.Streams, v) }

// ReceiveRequest is a request initiated by the peer.
type ReceiveRequest struct {
	Verb    string
	Path    string
	Streams []Content
}

// Body returns the data of the first stream, or nil.
func (r *ReceiveRequest) Body() []byte { return firstBody(r.Streams) }

// ReadJSON decodes the first stream into v.
func (r *ReceiveRequest) ReadJSON(v any) error { return readJSON(r.Streams, v) }

// StreamingResponse is what a RequestHandler answers with.
type StreamingResponse struct {
	StatusCode int
	Streams    []Content
}

// NewResponse returns a response with the given status and no body.
func NewResponse(status int) *StreamingResponse {
	return &StreamingResponse{StatusCode: status}
}

// AddStream appends a body stream and returns r.
func (r *StreamingResponse) AddStream(contentType string, data []byte) *StreamingResponse {
	r.Streams = append(r.Streams, Content{ContentType: contentType, Data: data})
	return r
}

// SetJSONBody replaces the body with the JSON encoding of v.
func (r *StreamingResponse) SetJSONBody(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding response body: %w", err)
	}
	r.Streams = []Content{{ContentType: contentTypeJSON, Data: data}}
	return nil
}

func errorResponse(status int, err error) *StreamingResponse {
	return NewResponse(status).AddStream("text/plain; charset=utf-8", []byte(err.Error()))
}

func firstBody(streams []Content) []byte {
	if len(streams) == 0 {
		return nil
	}
	return streams[0].Data
}

func readJSON(streams []Content, v any) error {
	if len(streams) == 0 {
		return fmt.Errorf("message has no body")
	}
	return json.Unmarshal(streams[0].Data, v)
}

// encodeStreams assigns stream IDs and builds the matching descriptions.
func encodeStreams(streams []Content) ([]protocol.StreamDescription, []payload.OutgoingStream) {
	if len(streams) == 0 {
		return nil, nil
	}
	descs := make([]protocol.StreamDescription, len(streams))
	out := make([]payload.OutgoingStream, len(streams))
	for i, s := range streams {
		id := uuid.New()
		n := len(s.Data)
		descs[i] = protocol.StreamDescription{ID: id.String(), ContentType: s.ContentType, Length: &n}
		out[i] = payload.OutgoingStream{ID: id, Data: s.Data}
	}
	return descs, out
}

func encodeRequest(id uuid.UUID, r *StreamingRequest) (*payload.Outgoing, error) {
	descs, streams := encodeStreams(r.Streams)
	meta, err := json.Marshal(protocol.RequestPayload{Verb: r.Verb, Path: r.Path, Streams: descs})
	if err != nil {
		return nil, fmt.Errorf("encoding request metadata: %w", err)
	}
	return &payload.Outgoing{Type: protocol.PayloadRequest, ID: id, Metadata: meta, Streams: streams}, nil
}

func encodeResponse(id uuid.UUID, r *StreamingResponse) (*payload.Outgoing, error) {
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	descs, streams := encodeStreams(r.Streams)
	meta, err := json.Marshal(protocol.ResponsePayload{StatusCode: status, Streams: descs})
	if err != nil {
		return nil, fmt.Errorf("encoding response metadata: %w", err)
	}
	return &payload.Outgoing{Type: protocol.PayloadResponse, ID: id, Metadata: meta, Streams: streams}, nil
}

func decodeStreams(streams []payload.Stream) []Content {
	if len(streams) == 0 {
		return nil
	}
	out := make([]Content, len(streams))
	for i, s := range streams {
		out[i] = Content{ContentType: s.ContentType, Data: s.Data}
	}
	return out
}
