package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/codewiresh/streamwire/streaming"
)

var _ streaming.Metrics = (*Collector)(nil)

func TestConnectionGauge(t *testing.T) {
	c := NewCollector()
	c.Connected("server")
	c.Connected("server")
	c.Disconnected("server")

	if got := testutil.ToFloat64(c.connections.WithLabelValues("server")); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connectionsTotal.WithLabelValues("server")); got != 2 {
		t.Errorf("connections_total = %v, want 2", got)
	}
}

func TestRequestSentOutcome(t *testing.T) {
	c := NewCollector()
	c.RequestSent("/api/ping", 200, nil, 10*time.Millisecond)
	c.RequestSent("/api/ping", 0, errors.New("closed"), time.Millisecond)

	if got := testutil.ToFloat64(c.requestsSent.WithLabelValues("/api/ping", "200")); got != 1 {
		t.Errorf("ok requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.requestsSent.WithLabelValues("/api/ping", "error")); got != 1 {
		t.Errorf("failed requests = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.requestDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestRequestHandled(t *testing.T) {
	c := NewCollector()
	c.RequestHandled("POST", "/api/echo", 200, time.Millisecond)
	c.RequestHandled("POST", "/api/echo", 500, time.Millisecond)

	if n := testutil.CollectAndCount(c.requestsHandled); n != 2 {
		t.Errorf("handled series = %d, want 2", n)
	}
}

func TestUnroutedPathsShareOneLabel(t *testing.T) {
	c := NewCollector()
	c.KnownPaths(func(path string) bool { return path == "/api/echo" })

	c.RequestHandled("POST", "/api/echo", 200, time.Millisecond)
	for i := 0; i < 10; i++ {
		c.RequestHandled("GET", fmt.Sprintf("/random/%d", i), 200, time.Millisecond)
		c.RequestHandled("GET", fmt.Sprintf("/missing/%d", i), 404, time.Millisecond)
	}
	c.RequestHandled("DELETE", "/api/echo", 405, time.Millisecond)

	if n := testutil.CollectAndCount(c.requestsHandled); n != 4 {
		t.Errorf("handled series = %d, want 4", n)
	}
	if got := testutil.ToFloat64(c.requestsHandled.WithLabelValues("GET", unmatchedPath, "200")); got != 10 {
		t.Errorf("unmatched 200s = %v, want 10", got)
	}
	if n := testutil.CollectAndCount(c.handlerDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestRequestSentCollapsesNotFound(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 5; i++ {
		c.RequestSent(fmt.Sprintf("/gone/%d", i), 404, nil, time.Millisecond)
	}
	if got := testutil.ToFloat64(c.requestsSent.WithLabelValues(unmatchedPath, "404")); got != 5 {
		t.Errorf("unmatched 404s = %v, want 5", got)
	}
	if n := testutil.CollectAndCount(c.requestsSent); n != 1 {
		t.Errorf("sent series = %d, want 1", n)
	}
}

func TestAuthAndBroadcastCounters(t *testing.T) {
	c := NewCollector()
	c.AuthFailed()
	c.Broadcast(3, 1)

	if got := testutil.ToFloat64(c.authFailures); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.broadcastsTotal); got != 3 {
		t.Errorf("broadcast deliveries = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.broadcastFailures); got != 1 {
		t.Errorf("broadcast failures = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.Connected("client")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"streamwire_connections{role=\"client\"} 1", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	a.AuthFailed()
	if got := testutil.ToFloat64(b.authFailures); got != 0 {
		t.Errorf("second collector saw %v failures, want 0", got)
	}
}
