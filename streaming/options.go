package streaming

import (
	"log/slog"
	"time"
)

// Metrics receives connection and request observations. Implementations
// must be safe for concurrent use.
type Metrics interface {
	Connected(role string)
	Disconnected(role string)
	RequestSent(path string, status int, err error, elapsed time.Duration)
	RequestHandled(verb, path string, status int, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Connected(string) {}
func (nopMetrics) Disconnected(string) {}
func (nopMetrics) RequestSent(string, int, error, time.Duration) {}
func (nopMetrics) RequestHandled(string, string, int, time.Duration) {}

// DefaultMaxConcurrentRequests is the default number of inbound requests
// served at once on one connection.
const DefaultMaxConcurrentRequests = 64

type options struct {
	log           *slog.Logger
	metrics       Metrics
	chunkSize     int
	maxConcurrent int
}

// Option configures a Client or Server.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithChunkSize caps the body bytes per frame. Values outside
// (0, 4096] select the protocol maximum.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithMaxConcurrentRequests caps the inbound requests handled at once.
// Further requests wait, and the connection stops reading until a handler
// returns. n <= 0 selects DefaultMaxConcurrentRequests.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default(), metrics: nopMetrics{}, maxConcurrent: DefaultMaxConcurrentRequests}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
