package streaming

import "context"

// RequestHandler answers requests initiated by the peer. A nil handler
// means the connection accepts no inbound requests; they are answered with
// 501 Not Implemented.
type RequestHandler interface {
	ProcessRequest(ctx context.Context, req *ReceiveRequest) (*StreamingResponse, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *ReceiveRequest) (*StreamingResponse, error)

// ProcessRequest calls f.
func (f RequestHandlerFunc) ProcessRequest(ctx context.Context, req *ReceiveRequest) (*StreamingResponse, error) {
	return f(ctx, req)
}

// HandlerWithContext binds application data to a handler. data is passed to
// every call unmodified.
func HandlerWithContext[C any](data C, fn func(ctx context.Context, req *ReceiveRequest, data C) (*StreamingResponse, error)) RequestHandler {
	return RequestHandlerFunc(func(ctx context.Context, req *ReceiveRequest) (*StreamingResponse, error) {
		return fn(ctx, req, data)
	})
}

// Peer is the far end of a connection, as seen from a request handler.
type Peer interface {
	Send(ctx context.Context, req *StreamingRequest) (*ReceiveResponse, error)
	IsConnected() bool
}

type peerKey struct{}

// PeerFromContext returns the connection an inbound request arrived on.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}

func withPeer(ctx context.Context, p Peer) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, peerKey{}, p)
}
