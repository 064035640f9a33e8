package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ctldisco"

// Metrics holds the collectors for the overlay node and the discovery actor.
// All methods are safe on a nil receiver and then record nothing.
type Metrics struct {
	Registry *prometheus.Registry

	overlayPeers     prometheus.Gauge
	overlayMessages  *prometheus.CounterVec
	overlayEvictions prometheus.Counter

	endpoints      prometheus.Gauge
	requests       prometheus.Counter
	recomputations prometheus.Counter
	disconnects    prometheus.Counter
}

// New creates the collectors and registers them in a fresh registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		overlayPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "peers",
			Help:      "Number of peers currently in the overlay directory.",
		}),
		overlayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "messages_total",
			Help:      "Overlay datagrams by message type and direction (rx, tx).",
		}, []string{"type", "direction"}),
		overlayEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "evictions_total",
			Help:      "Peers removed after leaving or timing out.",
		}),
		endpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "endpoints",
			Help:      "Length of the last published endpoint list.",
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "requests_total",
			Help:      "Service requests issued by discovery actors.",
		}),
		recomputations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "recomputations_total",
			Help:      "Endpoint list recomputations.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "disconnects_total",
			Help:      "Disconnect requests sent to owners because their endpoint vanished.",
		}),
	}

	m.Registry.MustRegister(
		m.overlayPeers,
		m.overlayMessages,
		m.overlayEvictions,
		m.endpoints,
		m.requests,
		m.recomputations,
		m.disconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) SetOverlayPeers(n int) {
	if m == nil {
		return
	}
	m.overlayPeers.Set(float64(n))
}

func (m *Metrics) MessageReceived(messageType string) {
	if m == nil {
		return
	}
	m.overlayMessages.WithLabelValues(messageType, "rx").Inc()
}

func (m *Metrics) MessageSent(messageType string) {
	if m == nil {
		return
	}
	m.overlayMessages.WithLabelValues(messageType, "tx").Inc()
}

func (m *Metrics) PeerEvicted() {
	if m == nil {
		return
	}
	m.overlayEvictions.Inc()
}

func (m *Metrics) SetEndpoints(n int) {
	if m == nil {
		return
	}
	m.endpoints.Set(float64(n))
}

func (m *Metrics) ServiceRequested() {
	if m == nil {
		return
	}
	m.requests.Inc()
}

func (m *Metrics) Recomputed() {
	if m == nil {
		return
	}
	m.recomputations.Inc()
}

func (m *Metrics) DisconnectRequested() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}
