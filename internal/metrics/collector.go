// Package metrics exports connection and request metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamwire"

// unmatchedPath is the path label for requests no route serves.
const unmatchedPath = "unmatched"

// Collector records streaming activity. It satisfies streaming.Metrics.
type Collector struct {
	registry *prometheus.Registry

	connections       *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	requestsSent      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	requestsHandled   *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	authFailures      prometheus.Counter
	broadcastsTotal   prometheus.Counter
	broadcastFailures prometheus.Counter

	mu    sync.RWMutex
	known func(path string) bool
}

// NewCollector registers every metric on a fresh registry, together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently open connections.",
		}, []string{"role"}),
		connectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections opened since start.",
		}, []string{"role"}),
		requestsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Outbound requests by path and outcome.",
		}, []string{"path", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to receiving its response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		requestsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_handled_total",
			Help:      "Inbound requests answered by the local handler.",
		}, []string{"verb", "path", "status"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the local request handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		authFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connection attempts.",
		}),
		broadcastsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Broadcast requests delivered to peers.",
		}),
		broadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Broadcast requests that a peer did not answer.",
		}),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Connected(role string) {
	c.connections.WithLabelValues(role).Inc()
	c.connectionsTotal.WithLabelValues(role).Inc()
}

func (c *Collector) Disconnected(role string) {
	c.connections.WithLabelValues(role).Dec()
}

// KnownPaths limits the path label of handled requests to paths for which
// known reports true. Other paths are recorded as "unmatched".
func (c *Collector) KnownPaths(known func(path string) bool) {
	c.mu.Lock()
	c.known = known
	c.mu.Unlock()
}

func (c *Collector) RequestSent(path string, status int, err error, elapsed time.Duration) {
	outcome := strconv.Itoa(status)
	if err != nil {
		outcome = "error"
	}
	if unmatched(status) {
		path = unmatchedPath
	}
	c.requestsSent.WithLabelValues(path, outcome).Inc()
	if err == nil {
		c.requestDuration.WithLabelValues(path).Observe(elapsed.Seconds())
	}
}

// RequestHandled records an inbound request. The path comes from the peer,
// so it is labelled only when a route serves it.
func (c *Collector) RequestHandled(verb, path string, status int, elapsed time.Duration) {
	c.mu.RLock()
	known := c.known
	c.mu.RUnlock()
	if unmatched(status) || (known != nil && !known(path)) {
		path = unmatchedPath
	}
	c.requestsHandled.WithLabelValues(verb, path, strconv.Itoa(status)).Inc()
	c.handlerDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}

func unmatched(status int) bool {
	return status == http.StatusNotFound || status == http.StatusMethodNotAllowed
}

// AuthFailed counts a rejected connection attempt.
func (c *Collector) AuthFailed() { c.authFailures.Inc() }

// Broadcast counts the outcome of one broadcast fan-out.
func (c *Collector) Broadcast(delivered, failed int) {
	c.broadcastsTotal.Add(float64(delivered))
	c.broadcastFailures.Add(float64(failed))
}
