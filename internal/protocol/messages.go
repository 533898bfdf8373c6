package protocol

// StreamDescription references a stream payload that belongs to a request or
// response. Length is the total number of body bytes the stream will carry.
type StreamDescription struct {
	ID          string `json:"id"`
	ContentType string `json:"type,omitempty"`
	Length      *int   `json:"length,omitempty"`
}

// RequestPayload is the JSON metadata body of a request frame.
type RequestPayload struct {
	Verb    string              `json:"verb"`
	Path    string              `json:"path"`
	Streams []StreamDescription `json:"streams,omitempty"`
}

// ResponsePayload is the JSON metadata body of a response frame.
type ResponsePayload struct {
	StatusCode int                 `json:"statusCode"`
	Streams    []StreamDescription `json:"streams,omitempty"`
}
