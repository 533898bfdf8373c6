// Package host runs the streamwire daemon: it accepts connections over
// WebSocket and a Unix domain socket and serves the built-in routes on each.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/codewiresh/streamwire/internal/auth"
	"github.com/codewiresh/streamwire/internal/config"
	"github.com/codewiresh/streamwire/internal/hub"
	"github.com/codewiresh/streamwire/internal/metrics"
	"github.com/codewiresh/streamwire/streaming"
)

const shutdownTimeout = 5 * time.Second

// Host owns the listeners, the hub of connected peers and the router that
// serves them.
type Host struct {
	cfg     *config.Config
	hub     *hub.Hub
	router  *Router
	metrics *metrics.Collector
	log     *slog.Logger

	seq   atomic.Uint64
	conns sync.WaitGroup

	ready   chan struct{}
	tcpAddr net.Addr
}

// New builds a host from cfg. Metrics are collected only when cfg.Metrics
// is set. A nil log means slog.Default().
func New(cfg *config.Config, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		cfg:   cfg,
		hub:   hub.New(log),
		log:   log,
		ready: make(chan struct{}),
	}
	var recorder BroadcastRecorder
	if cfg.Metrics {
		h.metrics = metrics.NewCollector()
		recorder = h.metrics
	}
	h.router = NewRouter(h.hub, recorder, log)
	if h.metrics != nil {
		h.metrics.KnownPaths(h.router.Has)
	}
	return h
}

// Hub returns the registry of connected peers.
func (h *Host) Hub() *hub.Hub { return h.hub }

// Router returns the router, for installing extra routes before Run.
func (h *Host) Router() *Router { return h.router }

// Ready is closed once every configured listener is bound.
func (h *Host) Ready() <-chan struct{} { return h.ready }

// Addr returns the bound TCP address, or nil when TCP is disabled or the
// host is not yet ready.
func (h *Host) Addr() net.Addr {
	select {
	case <-h.ready:
		return h.tcpAddr
	default:
		return nil
	}
}

// Run binds the configured listeners and serves until ctx is cancelled. It
// waits for open connections to drain before returning.
func (h *Host) Run(ctx context.Context) error {
	var tcpLn, unixLn net.Listener
	if h.cfg.Listen != "" {
		ln, err := net.Listen("tcp", h.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", h.cfg.Listen, err)
		}
		tcpLn = ln
		h.tcpAddr = ln.Addr()
		h.log.Info("websocket server listening", "addr", ln.Addr().String())
	}
	if h.cfg.Socket != "" {
		// Remove stale socket if it exists.
		_ = os.Remove(h.cfg.Socket)
		ln, err := net.Listen("unix", h.cfg.Socket)
		if err != nil {
			if tcpLn != nil {
				tcpLn.Close()
			}
			return fmt.Errorf("listening on unix socket: %w", err)
		}
		unixLn = ln
		h.log.Info("listening on unix socket", "path", h.cfg.Socket)
		defer os.Remove(h.cfg.Socket)
	}
	close(h.ready)

	g, ctx := errgroup.WithContext(ctx)
	if tcpLn != nil {
		g.Go(func() error { return h.serveHTTP(ctx, tcpLn) })
	}
	if unixLn != nil {
		g.Go(func() error { return h.acceptUnix(ctx, unixLn) })
	}
	if idle := time.Duration(h.cfg.IdleTimeout); idle > 0 {
		g.Go(func() error { return h.hub.Run(ctx, time.Duration(h.cfg.ReapInterval), idle) })
	}

	err := g.Wait()
	h.conns.Wait()
	h.log.Info("host stopped")
	return err
}

// Handler returns the HTTP handler serving /ws, /healthz and, when enabled,
// /metrics. Connections accepted through it live until ctx is cancelled.
func (h *Host) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	var ws http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serveWebSocket(ctx, w, r)
	})
	if h.cfg.Token != "" {
		var onFail func()
		if h.metrics != nil {
			onFail = h.metrics.AuthFailed
		}
		ws = auth.Require(h.cfg.Token, ws, onFail)
	}
	mux.Handle("/ws", ws)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "peers": h.hub.Len()})
	})
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	return mux
}

func (h *Host) serveHTTP(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Shut down gracefully when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

func (h *Host) serveWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error("websocket accept error", "err", err)
		return
	}
	h.conns.Add(1)
	defer h.conns.Done()
	h.serve(ctx, "websocket", func(handler streaming.RequestHandler, opts []streaming.Option) (*streaming.Server, error) {
		return streaming.NewServer(ws, handler, opts...)
	})
}

func (h *Host) acceptUnix(ctx context.Context, ln net.Listener) error {
	// Close the listener when ctx is cancelled so Accept unblocks.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("unix listener closed: %w", err)
			}
			h.log.Error("accept error", "err", err)
			continue
		}
		h.conns.Add(1)
		go func() {
			defer h.conns.Done()
			h.serve(ctx, "unix", func(handler streaming.RequestHandler, opts []streaming.Option) (*streaming.Server, error) {
				return streaming.NewNetServer(conn, handler, opts...)
			})
		}()
	}
}

type serverFactory func(handler streaming.RequestHandler, opts []streaming.Option) (*streaming.Server, error)

// serve registers one accepted connection in the hub and blocks until it
// closes.
func (h *Host) serve(ctx context.Context, kind string, newServer serverFactory) {
	id := fmt.Sprintf("peer-%d", h.seq.Add(1))
	log := h.log.With("peer", id, "transport", kind)

	opts := []streaming.Option{
		streaming.WithLogger(log),
		streaming.WithChunkSize(h.cfg.ChunkSize),
	}
	if h.metrics != nil {
		opts = append(opts, streaming.WithMetrics(h.metrics))
	}
	srv, err := newServer(h.router.Handler(id), opts)
	if err != nil {
		log.Error("creating server", "err", err)
		return
	}

	h.hub.Register(id, srv)
	defer h.hub.Unregister(id)
	log.Info("peer connected")

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("peer connection ended", "err", err)
		return
	}
	log.Info("peer disconnected")
}
