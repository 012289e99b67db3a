// Package metrics defines the Prometheus collectors exported by relaychat.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaychat"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Relay holds the collectors for the registry, broadcaster and session handler.
type Relay struct {
	ActiveConnections prometheus.Gauge
	PrunedConnections prometheus.Counter
	Broadcasts        prometheus.Counter
	Deliveries        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     prometheus.Counter
}

// NewRelay creates and registers relay metrics on the given registerer.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of connection handles currently in the registry.",
		}),
		PrunedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pruned_connections_total",
			Help:      "Total number of dead connection handles removed by prune sweeps.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Total number of fan-out operations started.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Per-recipient push attempts by result.",
		}, []string{"result"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Inbound frames by kind.",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_rate_limited_total",
			Help:      "Inbound text frames discarded by the per-session rate limit.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.PrunedConnections,
		m.Broadcasts,
		m.Deliveries,
		m.FramesReceived,
		m.FramesDropped,
	)
	return m
}

// Store holds the collectors for the durable message store.
type Store struct {
	Operations   *prometheus.CounterVec
	BreakerState prometheus.Gauge
}

// NewStore creates and registers store metrics on the given registerer.
func NewStore(reg prometheus.Registerer) *Store {
	m := &Store{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Durable store calls by operation and result.",
		}, []string{"operation", "result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "circuit_breaker_state",
			Help:      "Store circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.Operations, m.BreakerState)
	return m
}
