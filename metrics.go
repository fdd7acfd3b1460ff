package chatsync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded by Metrics.
const (
	dropNotConnected = "not_connected"
	dropQueueFull    = "queue_full"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	FramesSent           *prometheus.CounterVec
	FramesDropped        *prometheus.CounterVec
	MessagesReceived     prometheus.Counter
	MessagesDeduplicated prometheus.Counter
	PersistFailures      prometheus.Counter
	ReconnectAttempts    prometheus.Counter
	Connected            prometheus.Gauge
	RoomsJoined          prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_sent_total",
				Help: "Frames written to the real-time connection by type.",
			},
			[]string{"type"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_dropped_total",
				Help: "Outbound frames dropped by type and reason.",
			},
			[]string{"type", "reason"},
		),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_received_total",
			Help: "Inbound messages appended to a timeline.",
		}),
		MessagesDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_deduplicated_total",
			Help: "Inbound echoes matched to an optimistic entry.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_persist_failures_total",
			Help: "Messages the durable store rejected after all retries.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Automatic reconnect attempts.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_connected",
			Help: "1 while the real-time session is connected.",
		}),
		RoomsJoined: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_rooms_joined",
			Help: "Conversations currently tracked in the room registry.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.FramesSent,
		m.FramesDropped,
		m.MessagesReceived,
		m.MessagesDeduplicated,
		m.PersistFailures,
		m.ReconnectAttempts,
		m.Connected,
		m.RoomsJoined,
	)
	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) setConnected(on bool) {
	if on {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
