// Package metrics provides Prometheus metrics for the chat client and dev server
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters of one client or server instance. Each instance
// owns its registry so several can coexist in a process.
type Metrics struct {
	Registry *prometheus.Registry

	// Connection manager
	Connects            prometheus.Counter
	ReconnectsScheduled prometheus.Counter
	Frames              *prometheus.CounterVec
	DecodeErrors        prometheus.Counter
	SendFailures        prometheus.Counter

	// Reconciliation store
	DuplicateMessages prometheus.Counter

	// Dev server
	ActiveClients  prometheus.Gauge
	StreamedTokens prometheus.Counter
}

// New creates and registers all metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.Connects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moon_ws_connects_total",
		Help: "Total number of websocket connections opened",
	})
	m.ReconnectsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moon_ws_reconnects_scheduled_total",
		Help: "Total number of reconnect attempts scheduled after an unexpected close",
	})
	m.Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moon_ws_frames_total",
			Help: "Total number of decoded inbound frames by kind",
		},
		[]string{"kind"},
	)
	m.DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moon_ws_decode_errors_total",
		Help: "Total number of inbound frames discarded because they could not be decoded",
	})
	m.SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moon_ws_send_failures_total",
		Help: "Total number of outbound messages rejected because the transport was not open",
	})
	m.DuplicateMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moon_store_duplicates_total",
		Help: "Total number of messages dropped because their id was already present",
	})
	m.ActiveClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moon_server_active_clients",
		Help: "Number of websocket clients connected to the dev server",
	})
	m.StreamedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moon_server_streamed_tokens_total",
		Help: "Total number of stream tokens emitted by the dev server",
	})

	m.Registry.MustRegister(
		m.Connects,
		m.ReconnectsScheduled,
		m.Frames,
		m.DecodeErrors,
		m.SendFailures,
		m.DuplicateMessages,
		m.ActiveClients,
		m.StreamedTokens,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
