// Package metrics exposes Prometheus collectors for gridlink's connection
// and dispatch activity.
//
// Components record through the package-level convenience functions, which
// lazily build a process-wide Metrics instance on first use. Hosts that
// want to scrape it mount Handler on an HTTP mux.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once           sync.Once
	defaultMetrics *Metrics
)

// Metrics bundles every collector gridlink records.
type Metrics struct {
	registry *prometheus.Registry

	// Connection lifecycle.
	ConnectedPeers    prometheus.Gauge
	ConnectsTotal     prometheus.Counter
	DisconnectsTotal  prometheus.Counter
	ConnectFailsTotal prometheus.Counter

	// Message flow.
	MessagesIn  prometheus.Counter
	MessagesOut prometheus.Counter

	// Dispatch outcomes.
	DispatchHits   prometheus.Counter
	DispatchMisses prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of peers currently connected.",
		}),
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Sessions established since start.",
		}),
		DisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Sessions torn down since start.",
		}),
		ConnectFailsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Dial attempts that failed before a session was established.",
		}),

		MessagesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "Inbound messages delivered to the facade.",
		}),
		MessagesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "Outbound messages handed to the transport.",
		}),

		DispatchHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_hits_total",
			Help:      "Messages routed to a registered handler.",
		}),
		DispatchMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_misses_total",
			Help:      "Messages dropped because no handler was registered for their id.",
		}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving this instance's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Default returns the process-wide Metrics instance.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New("gridlink")
	})
	return defaultMetrics
}

// Convenience recorders used by the facades.

// PeerConnected records a session coming up.
func PeerConnected() {
	m := Default()
	m.ConnectedPeers.Inc()
	m.ConnectsTotal.Inc()
}

// PeerDisconnected records a session going away.
func PeerDisconnected() {
	m := Default()
	m.ConnectedPeers.Dec()
	m.DisconnectsTotal.Inc()
}

// PeersDropped records n sessions going away at once, as happens when a
// server stops with peers still attached.
func PeersDropped(n int) {
	m := Default()
	m.ConnectedPeers.Sub(float64(n))
	m.DisconnectsTotal.Add(float64(n))
}

// ConnectFailed records a dial that never produced a session.
func ConnectFailed() {
	Default().ConnectFailsTotal.Inc()
}

// MessageReceived records one inbound message.
func MessageReceived() {
	Default().MessagesIn.Inc()
}

// MessageSent records one outbound message.
func MessageSent() {
	Default().MessagesOut.Inc()
}

// DispatchHit records a message routed to a handler.
func DispatchHit() {
	Default().DispatchHits.Inc()
}

// DispatchMiss records a message dropped for want of a handler.
func DispatchMiss() {
	Default().DispatchMisses.Inc()
}
