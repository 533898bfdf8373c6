package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/streamwire/internal/payload"
	"github.com/codewiresh/streamwire/internal/protocol"
	"github.com/codewiresh/streamwire/internal/requests"
)

// protocolAdapter turns outbound requests into payloads and routes reassembled
// inbound messages to the pending-request table or the handler. One adapter
// lives for one connected session.
type protocolAdapter struct {
	ctx      context.Context
	handler  RequestHandler
	sender   *payload.Sender
	requests *requests.Manager[uuid.UUID, *ReceiveResponse]
	peer     Peer
	log      *slog.Logger
	metrics  Metrics

	// handlers runs inbound requests. When every slot is busy the read loop
	// waits, which stops reading from the peer.
	handlers errgroup.Group
}

func newProtocolAdapter(ctx context.Context, handler RequestHandler, sender *payload.Sender, peer Peer, o options) *protocolAdapter {
	a := &protocolAdapter{
		ctx:      ctx,
		handler:  handler,
		sender:   sender,
		requests: requests.NewManager[uuid.UUID, *ReceiveResponse](),
		peer:     peer,
		log:      o.log,
		metrics:  o.metrics,
	}
	a.handlers.SetLimit(o.maxConcurrent)
	return a
}

// sendRequest writes req and waits for the matching response. ctx bounds
// both the write and the wait. Cancelling it abandons only this request:
// a partly written message is cancelled on the wire and the connection
// stays up.
func (a *protocolAdapter) sendRequest(ctx context.Context, req *StreamingRequest) (*ReceiveResponse, error) {
	if !a.sender.IsConnected() {
		return nil, ErrNotConnected
	}

	id := uuid.New()
	out, err := encodeRequest(id, req)
	if err != nil {
		return nil, err
	}
	ch, err := a.requests.Track(id)
	if err != nil {
		return nil, err
	}

	if err := a.sender.SendMessage(ctx, out); err != nil {
		a.requests.Remove(id)
		switch {
		case errors.Is(err, payload.ErrNotConnected):
			return nil, ErrNotConnected
		case ctx.Err() != nil:
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("sending %s %s: %w", req.Verb, req.Path, err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value, nil
	case <-ctx.Done():
		a.requests.Remove(id)
		return nil, context.Cause(ctx)
	}
}

// onMessage is the assembler's delivery callback. It runs on the read loop.
func (a *protocolAdapter) onMessage(m *payload.Message) {
	switch m.Type {
	case protocol.PayloadResponse:
		resp := &ReceiveResponse{
			StatusCode: m.Response.StatusCode,
			Streams:    decodeStreams(m.Streams),
		}
		if !a.requests.Complete(m.ID, resp) {
			a.log.Debug("dropping response with no pending request", "id", m.ID, "status", resp.StatusCode)
		}
	case protocol.PayloadRequest:
		req := &ReceiveRequest{
			Verb:    m.Request.Verb,
			Path:    m.Request.Path,
			Streams: decodeStreams(m.Streams),
		}
		a.handlers.Go(func() error {
			a.serve(m.ID, req)
			return nil
		})
	}
}

// wait blocks until every inbound request has been answered. The read loop
// must have exited.
func (a *protocolAdapter) wait() {
	_ = a.handlers.Wait()
}

func (a *protocolAdapter) serve(id uuid.UUID, req *ReceiveRequest) {
	start := time.Now()

	resp := a.process(req)
	out, err := encodeResponse(id, resp)
	if err != nil {
		a.log.Error("encoding response", "path", req.Path, "err", err)
		out, _ = encodeResponse(id, errorResponse(http.StatusInternalServerError, err))
	}
	if err := a.sender.SendMessage(a.ctx, out); err != nil {
		a.log.Debug("could not send response", "path", req.Path, "err", err)
	}
	a.metrics.RequestHandled(req.Verb, req.Path, resp.StatusCode, time.Since(start))
}

func (a *protocolAdapter) process(req *ReceiveRequest) (resp *StreamingResponse) {
	if a.handler == nil {
		return NewResponse(http.StatusNotImplemented)
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("request handler panicked", "verb", req.Verb, "path", req.Path, "panic", r)
			resp = errorResponse(http.StatusInternalServerError, fmt.Errorf("handler panic: %v", r))
		}
	}()

	resp, err := a.handler.ProcessRequest(withPeer(a.ctx, a.peer), req)
	if err != nil {
		a.log.Warn("request handler failed", "verb", req.Verb, "path", req.Path, "err", err)
		return errorResponse(http.StatusInternalServerError, err)
	}
	if resp == nil {
		return NewResponse(http.StatusOK)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	return resp
}

// rejectAll fails every pending request and returns how many there were.
func (a *protocolAdapter) rejectAll(reason error) int {
	return a.requests.CancelAll(closedError(reason))
}
