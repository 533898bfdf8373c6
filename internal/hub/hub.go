// Package hub tracks the peers connected to a host and fans requests out to
// them.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/streamwire/streaming"
)

// fanout bounds concurrent deliveries in Broadcast.
const fanout = 16

// Peer is a connected endpoint the hub can push requests to.
type Peer interface {
	Send(ctx context.Context, req *streaming.StreamingRequest) (*streaming.ReceiveResponse, error)
	IsConnected() bool
	Close() error
}

type entry struct {
	peer     Peer
	lastSeen atomic.Int64
}

// Hub tracks connected peers (in-memory).
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*entry
	log   *slog.Logger
	now   func() time.Time
}

func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{peers: make(map[string]*entry), log: log, now: time.Now}
}

// Register adds p under id, replacing any peer already registered there.
func (h *Hub) Register(id string, p Peer) {
	e := &entry{peer: p}
	e.lastSeen.Store(h.now().UnixNano())

	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[id] = e
}

// Unregister removes id. It reports whether id was registered.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[id]
	delete(h.peers, id)
	return ok
}

func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[id]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// IDs returns the registered peer IDs in sorted order.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Touch marks id as active now.
func (h *Hub) Touch(id string) {
	h.mu.RLock()
	e, ok := h.peers[id]
	h.mu.RUnlock()
	if ok {
		e.lastSeen.Store(h.now().UnixNano())
	}
}

// Send delivers req to the peer registered under id.
func (h *Hub) Send(ctx context.Context, id string, req *streaming.StreamingRequest) (*streaming.ReceiveResponse, error) {
	h.mu.RLock()
	e, ok := h.peers[id]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("peer %q not connected", id)
	}
	return e.peer.Send(ctx, req)
}

// Broadcast sends req to every connected peer except the one registered as
// exclude, and waits for all of them to answer or fail. It returns how many
// peers answered with a 2xx status and how many did not.
func (h *Hub) Broadcast(ctx context.Context, req *streaming.StreamingRequest, exclude string) (delivered, failed int) {
	h.mu.RLock()
	targets := make(map[string]Peer, len(h.peers))
	for id, e := range h.peers {
		if id != exclude && e.peer.IsConnected() {
			targets[id] = e.peer
		}
	}
	h.mu.RUnlock()

	var ok, bad atomic.Int32
	var g errgroup.Group
	g.SetLimit(fanout)
	for id, p := range targets {
		g.Go(func() error {
			resp, err := p.Send(ctx, req)
			if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
				bad.Add(1)
				h.log.Debug("broadcast delivery failed", "peer", id, "path", req.Path, "err", err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(bad.Load())
}

// ReapIdle closes and removes peers that have not been touched for longer
// than maxIdle. It returns the IDs removed.
func (h *Hub) ReapIdle(maxIdle time.Duration) []string {
	cutoff := h.now().Add(-maxIdle).UnixNano()

	h.mu.Lock()
	var reaped []Peer
	var ids []string
	for id, e := range h.peers {
		if e.lastSeen.Load() < cutoff {
			reaped = append(reaped, e.peer)
			ids = append(ids, id)
			delete(h.peers, id)
		}
	}
	h.mu.Unlock()

	for i, p := range reaped {
		if err := p.Close(); err != nil {
			h.log.Debug("closing idle peer", "peer", ids[i], "err", err)
		}
	}
	slices.Sort(ids)
	return ids
}

// Run reaps idle peers every interval until ctx ends.
func (h *Hub) Run(ctx context.Context, interval, maxIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ids := h.ReapIdle(maxIdle); len(ids) > 0 {
				h.log.Info("reaped idle peers", "count", len(ids), "peers", ids)
			}
		}
	}
}
