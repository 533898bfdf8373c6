package host

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codewiresh/streamwire/internal/hub"
	"github.com/codewiresh/streamwire/streaming"
)

// broadcastTimeout bounds how long one broadcast waits for slow peers.
const broadcastTimeout = 10 * time.Second

// Paths served by the built-in routes.
const (
	PathPing      = "/api/ping"
	PathEcho      = "/api/echo"
	PathBroadcast = "/api/broadcast"
	PathPeers     = "/api/peers"
	PathNotify    = "/api/notify"
)

// RouteFunc serves one verb and path. peer is the hub ID of the caller.
type RouteFunc func(ctx context.Context, peer string, req *streaming.ReceiveRequest) (*streaming.StreamingResponse, error)

// BroadcastRecorder observes broadcast outcomes.
type BroadcastRecorder interface {
	Broadcast(delivered, failed int)
}

// BroadcastResult is the body of a /api/broadcast response.
type BroadcastResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Router dispatches inbound requests by verb and path.
type Router struct {
	hub      *hub.Hub
	recorder BroadcastRecorder
	log      *slog.Logger

	mu     sync.RWMutex
	routes map[string]map[string]RouteFunc
}

// NewRouter returns a router with the built-in routes installed. recorder
// may be nil.
func NewRouter(h *hub.Hub, recorder BroadcastRecorder, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{hub: h, recorder: recorder, log: log, routes: make(map[string]map[string]RouteFunc)}
	r.Handle(streaming.VerbGet, PathPing, r.ping)
	r.Handle(streaming.VerbPost, PathEcho, r.echo)
	r.Handle(streaming.VerbPost, PathBroadcast, r.broadcast)
	r.Handle(streaming.VerbGet, PathPeers, r.peers)
	return r
}

// Handle registers fn for verb and path, replacing any existing route.
func (r *Router) Handle(verb, path string, fn RouteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[path] == nil {
		r.routes[path] = make(map[string]RouteFunc)
	}
	r.routes[path][verb] = fn
}

// Has reports whether any route serves path.
func (r *Router) Has(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[path]
	return ok
}

// Handler returns the request handler for the peer registered as id.
func (r *Router) Handler(id string) streaming.RequestHandler {
	return streaming.HandlerWithContext(id, r.dispatch)
}

func (r *Router) dispatch(ctx context.Context, req *streaming.ReceiveRequest, peer string) (*streaming.StreamingResponse, error) {
	r.hub.Touch(peer)

	r.mu.RLock()
	verbs, ok := r.routes[req.Path]
	fn, found := verbs[req.Verb]
	r.mu.RUnlock()
	if !ok {
		return streaming.NewResponse(http.StatusNotFound), nil
	}
	if !found {
		return streaming.NewResponse(http.StatusMethodNotAllowed), nil
	}
	return fn(ctx, peer, req)
}

func (r *Router) ping(ctx context.Context, peer string, req *streaming.ReceiveRequest) (*streaming.StreamingResponse, error) {
	return streaming.NewResponse(http.StatusOK).AddStream("text/plain; charset=utf-8", []byte("pong")), nil
}

func (r *Router) echo(ctx context.Context, peer string, req *streaming.ReceiveRequest) (*streaming.StreamingResponse, error) {
	resp := streaming.NewResponse(http.StatusOK)
	for _, s := range req.Streams {
		resp.AddStream(s.ContentType, s.Data)
	}
	return resp, nil
}

func (r *Router) broadcast(ctx context.Context, peer string, req *streaming.ReceiveRequest) (*streaming.StreamingResponse, error) {
	notify := streaming.NewRequest(streaming.VerbPost, PathNotify)
	notify.Streams = req.Streams

	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	delivered, failed := r.hub.Broadcast(ctx, notify, peer)
	if r.recorder != nil {
		r.recorder.Broadcast(delivered, failed)
	}
	r.log.Debug("broadcast", "from", peer, "delivered", delivered, "failed", failed)

	resp := streaming.NewResponse(http.StatusOK)
	if err := resp.SetJSONBody(BroadcastResult{Delivered: delivered, Failed: failed}); err != nil {
		return nil, fmt.Errorf("encoding broadcast result: %w", err)
	}
	return resp, nil
}

func (r *Router) peers(ctx context.Context, peer string, req *streaming.ReceiveRequest) (*streaming.StreamingResponse, error) {
	resp := streaming.NewResponse(http.StatusOK)
	if err := resp.SetJSONBody(r.hub.IDs()); err != nil {
		return nil, err
	}
	return resp, nil
}
