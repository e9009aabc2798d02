// Package metrics exposes Prometheus collectors for node liveness and
// peer-connectivity events.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricNamespace = "i2kn"

// Tracer records node events. A nil *Tracer is valid and records nothing.
type Tracer struct {
	heartbeatsTotal    *prometheus.CounterVec
	discoveriesTotal   *prometheus.CounterVec
	dialsTotal         *prometheus.CounterVec
	connectionsTotal   *prometheus.CounterVec
	blockedTotal       *prometheus.CounterVec
	topicSubscribers   prometheus.Gauge
	livePeers          prometheus.Gauge
	heartbeatsReceived prometheus.Counter
}

// NewTracer creates a Tracer and registers its collectors on reg.
// Collectors already registered on reg are shared with the new Tracer.
func NewTracer(reg prometheus.Registerer) *Tracer {
	t := &Tracer{
		heartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "heartbeats_published_total",
				Help:      "Heartbeat publish attempts",
			},
			[]string{"outcome"},
		),
		discoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "peers_discovered_total",
				Help:      "Peer discovery notifications by source",
			},
			[]string{"source"},
		),
		dialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "discovery_dials_total",
				Help:      "Dials triggered by discovery",
			},
			[]string{"outcome"},
		),
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "peer_connection_events_total",
				Help:      "Peer connect and disconnect notifications",
			},
			[]string{"event"},
		),
		blockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "connections_blocked_total",
				Help:      "Connections refused by the gater",
			},
			[]string{"reason"},
		),
		topicSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "topic_subscribers",
			Help:      "Subscribers of the heartbeat topic seen at the last tick",
		}),
		livePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "live_peers",
			Help:      "Peers whose last heartbeat is within the stale timeout",
		}),
		heartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "heartbeats_received_total",
			Help:      "Heartbeats received from other peers",
		}),
	}

	t.heartbeatsTotal = register(reg, t.heartbeatsTotal)
	t.discoveriesTotal = register(reg, t.discoveriesTotal)
	t.dialsTotal = register(reg, t.dialsTotal)
	t.connectionsTotal = register(reg, t.connectionsTotal)
	t.blockedTotal = register(reg, t.blockedTotal)
	t.topicSubscribers = register(reg, t.topicSubscribers)
	t.livePeers = register(reg, t.livePeers)
	t.heartbeatsReceived = register(reg, t.heartbeatsReceived)
	return t
}

// register adds c to reg, returning the collector already registered under
// the same descriptor if there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// HeartbeatPublished records one heartbeat publish attempt.
func (t *Tracer) HeartbeatPublished(subscribers int, err error) {
	if t == nil {
		return
	}
	t.heartbeatsTotal.WithLabelValues(outcome(err)).Inc()
	t.topicSubscribers.Set(float64(subscribers))
}

// HeartbeatReceived records a heartbeat from another peer.
func (t *Tracer) HeartbeatReceived(live int) {
	if t == nil {
		return
	}
	t.heartbeatsReceived.Inc()
	t.livePeers.Set(float64(live))
}

// LivePeers sets the number of peers currently considered alive.
func (t *Tracer) LivePeers(n int) {
	if t == nil {
		return
	}
	t.livePeers.Set(float64(n))
}

// ConnectionBlocked records a connection refused by the gater.
func (t *Tracer) ConnectionBlocked(reason string) {
	if t == nil {
		return
	}
	t.blockedTotal.WithLabelValues(reason).Inc()
}

// PeerDiscovered records a discovery notification.
func (t *Tracer) PeerDiscovered(source string) {
	if t == nil {
		return
	}
	t.discoveriesTotal.WithLabelValues(source).Inc()
}

// DialFinished records the result of a discovery-triggered dial.
func (t *Tracer) DialFinished(err error) {
	if t == nil {
		return
	}
	t.dialsTotal.WithLabelValues(outcome(err)).Inc()
}

// PeerConnected records a connect notification.
func (t *Tracer) PeerConnected() {
	if t == nil {
		return
	}
	t.connectionsTotal.WithLabelValues("connected").Inc()
}

// PeerDisconnected records a disconnect notification.
func (t *Tracer) PeerDisconnected() {
	if t == nil {
		return
	}
	t.connectionsTotal.WithLabelValues("disconnected").Inc()
}

// Handler serves the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
