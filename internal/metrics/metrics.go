// Package metrics provides Prometheus metrics for the tunnel multiplexer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tunnelmux"

// Metrics contains all Prometheus metrics for a manager.
type Metrics struct {
	TunnelsActive      prometheus.Gauge
	TunnelsCreated     *prometheus.CounterVec
	TunnelCreateErrors *prometheus.CounterVec
	TunnelCreateLatency *prometheus.HistogramVec

	ConnectionsActive *prometheus.GaugeVec
	ConnectionsOpened *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec

	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	ProtocolViolations prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registry on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance against a custom
// registry, for tests that don't want to pollute the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of currently live tunnels (forward and reverse).",
		}),
		TunnelsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_created_total",
			Help:      "Total tunnels successfully created, by direction.",
		}, []string{"direction"}),
		TunnelCreateErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_create_errors_total",
			Help:      "Total tunnel create failures, by reason.",
		}, []string{"reason"}),
		TunnelCreateLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_create_latency_seconds",
			Help:      "Latency of CreateTunnel/CreateReverseTunnel calls that succeeded.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"direction"}),

		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently live per-tunnel connections.",
		}, []string{"direction"}),
		ConnectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total connections opened, by direction.",
		}, []string{"direction"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total connection-level errors, by reason.",
		}, []string{"reason"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent as data messages, by direction.",
		}, []string{"direction"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received from data messages, by direction.",
		}, []string{"direction"}),

		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total malformed or unrecognized wire messages dropped.",
		}),
	}
}

// RecordTunnelCreated records a successful tunnel creation.
func (m *Metrics) RecordTunnelCreated(direction string, latencySeconds float64) {
	m.TunnelsActive.Inc()
	m.TunnelsCreated.WithLabelValues(direction).Inc()
	m.TunnelCreateLatency.WithLabelValues(direction).Observe(latencySeconds)
}

// RecordTunnelCreateError records a failed tunnel creation.
func (m *Metrics) RecordTunnelCreateError(reason string) {
	m.TunnelCreateErrors.WithLabelValues(reason).Inc()
}

// RecordTunnelClosed records a tunnel reaching refcount zero.
func (m *Metrics) RecordTunnelClosed() {
	m.TunnelsActive.Dec()
}

// RecordConnectionOpened records a connection being registered.
func (m *Metrics) RecordConnectionOpened(direction string) {
	m.ConnectionsActive.WithLabelValues(direction).Inc()
	m.ConnectionsOpened.WithLabelValues(direction).Inc()
}

// RecordConnectionClosed records a connection being unregistered.
func (m *Metrics) RecordConnectionClosed(direction string) {
	m.ConnectionsActive.WithLabelValues(direction).Dec()
}

// RecordConnectionError records a connection-level error.
func (m *Metrics) RecordConnectionError(reason string) {
	m.ConnectionErrors.WithLabelValues(reason).Inc()
}

// RecordBytesSent records payload bytes written to a data message.
func (m *Metrics) RecordBytesSent(direction string, n int) {
	m.BytesSent.WithLabelValues(direction).Add(float64(n))
}

// RecordBytesReceived records payload bytes read from a data message.
func (m *Metrics) RecordBytesReceived(direction string, n int) {
	m.BytesReceived.WithLabelValues(direction).Add(float64(n))
}

// RecordProtocolViolation records a dropped malformed/unknown message.
func (m *Metrics) RecordProtocolViolation() {
	m.ProtocolViolations.Inc()
}
