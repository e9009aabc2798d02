package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilTracerIsNoop(t *testing.T) {
	var tr *Tracer
	tr.HeartbeatPublished(3, nil)
	tr.HeartbeatReceived(1)
	tr.PeerDiscovered("mdns")
	tr.DialFinished(errors.New("boom"))
	tr.PeerConnected()
	tr.PeerDisconnected()
	tr.LivePeers(2)
	tr.ConnectionBlocked("strict")
}

func TestTracerCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracer(reg)

	tr.HeartbeatPublished(2, nil)
	tr.HeartbeatPublished(0, errors.New("closed"))
	tr.PeerDiscovered("mdns")
	tr.PeerDiscovered("mdns")
	tr.PeerDiscovered("bootstrap")
	tr.DialFinished(nil)
	tr.DialFinished(errors.New("unreachable"))

	if got := testutil.ToFloat64(tr.heartbeatsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("successful heartbeats = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tr.heartbeatsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed heartbeats = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tr.topicSubscribers); got != 0 {
		t.Errorf("topic subscribers = %v, want 0", got)
	}
	if got := testutil.ToFloat64(tr.discoveriesTotal.WithLabelValues("mdns")); got != 2 {
		t.Errorf("mdns discoveries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(tr.dialsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed dials = %v, want 1", got)
	}

	tr.HeartbeatReceived(3)
	tr.LivePeers(1)
	if got := testutil.ToFloat64(tr.livePeers); got != 1 {
		t.Errorf("live peers = %v, want 1", got)
	}
	tr.ConnectionBlocked("blocklist")
	if got := testutil.ToFloat64(tr.blockedTotal.WithLabelValues("blocklist")); got != 1 {
		t.Errorf("blocked connections = %v, want 1", got)
	}
}

func TestNewTracerSharesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewTracer(reg)
	b := NewTracer(reg)

	a.PeerDiscovered("mdns")
	b.PeerDiscovered("mdns")

	if got := testutil.ToFloat64(a.discoveriesTotal.WithLabelValues("mdns")); got != 2 {
		t.Fatalf("shared discoveries = %v, want 2", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracer(reg)
	tr.PeerConnected()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `i2kn_peer_connection_events_total{event="connected"} 1`) {
		t.Fatalf("metrics output missing connection counter:\n%s", rec.Body.String())
	}
}
