package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/pkg/constants"
)

// Metrics manages the Prometheus metrics and implements service.Metrics.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Admissions        *prometheus.CounterVec
	Messages          *prometheus.CounterVec
	StoreErrors       *prometheus.CounterVec
	StoreLatency      *prometheus.HistogramVec
	HeartbeatTimeouts prometheus.Counter
	FailOpenDecisions *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Number of WebSocket connections currently admitted by this process.",
		}),
		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_admissions_total",
				Help: "Total number of connection attempts by result and reason.",
			},
			[]string{"result", "reason"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_messages_total",
				Help: "Total number of inbound messages by result and reason.",
			},
			[]string{"result", "reason"},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_store_errors_total",
				Help: "Total number of failed counter store round trips.",
			},
			[]string{"operation"},
		),
		StoreLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_store_latency_seconds",
				Help:    "Latency of counter store round trips.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"operation"},
		),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_heartbeat_timeouts_total",
			Help: "Total number of connections closed for missing pongs.",
		}),
		FailOpenDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_fail_open_total",
				Help: "Total number of decisions taken without the counter store.",
			},
			[]string{"stage"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_http_requests_total",
				Help: "Total number of HTTP requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_http_request_duration_seconds",
				Help:    "Duration of HTTP requests. WebSocket routes measure the connection lifetime.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func result(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// RecordAdmission records the outcome of a connection attempt.
func (m *Metrics) RecordAdmission(allowed bool, reason constants.ReasonCode) {
	m.Admissions.WithLabelValues(result(allowed), string(reason)).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordMessage records a message verdict.
func (m *Metrics) RecordMessage(allowed bool, reason constants.ReasonCode) {
	m.Messages.WithLabelValues(result(allowed), string(reason)).Inc()
}

// RecordStoreError records a failed store round trip.
func (m *Metrics) RecordStoreError(operation string) {
	m.StoreErrors.WithLabelValues(operation).Inc()
}

// RecordStoreLatency records the duration of a store round trip.
func (m *Metrics) RecordStoreLatency(operation string, d time.Duration) {
	m.StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordHeartbeatTimeout records a heartbeat timeout.
func (m *Metrics) RecordHeartbeatTimeout() {
	m.HeartbeatTimeouts.Inc()
}

// RecordFailOpen records a decision taken without the store.
func (m *Metrics) RecordFailOpen(stage string) {
	m.FailOpenDecisions.WithLabelValues(stage).Inc()
}

var _ service.Metrics = (*Metrics)(nil)
