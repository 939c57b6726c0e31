package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting gateway metrics
type MetricsCollector interface {
	SetConnections(n int)
	SetAdminPresent(present bool)
	RecordInbound(kind string)
	RecordGateRejection(kind string)
	RecordBroadcast(kind string, recipients int)
	RecordDroppedConnection()
	RecordRelay(direction string, success bool)
	RecordBackup(success bool, duration time.Duration)
	RecordStoreError(op string)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) SetConnections(n int)                              {}
func (NoOpMetricsCollector) SetAdminPresent(present bool)                      {}
func (NoOpMetricsCollector) RecordInbound(kind string)                         {}
func (NoOpMetricsCollector) RecordGateRejection(kind string)                   {}
func (NoOpMetricsCollector) RecordBroadcast(kind string, recipients int)       {}
func (NoOpMetricsCollector) RecordDroppedConnection()                          {}
func (NoOpMetricsCollector) RecordRelay(direction string, success bool)        {}
func (NoOpMetricsCollector) RecordBackup(success bool, duration time.Duration) {}
func (NoOpMetricsCollector) RecordStoreError(op string)                        {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	connections    prometheus.Gauge
	adminPresent   prometheus.Gauge
	inbound        *prometheus.CounterVec
	gateRejections *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	dropped        prometheus.Counter
	relay          *prometheus.CounterVec
	backups        *prometheus.CounterVec
	backupDuration prometheus.Histogram
	storeErrors    *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hanoiboard",
			Name:      "connections",
			Help:      "Currently registered socket connections.",
		}),
		adminPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hanoiboard",
			Name:      "admin_present",
			Help:      "1 when a connection holds the admin role.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "inbound_messages_total",
			Help:      "Client messages received, by kind.",
		}, []string{"kind"}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "gate_rejections_total",
			Help:      "Client messages rejected by the input gate, by kind.",
		}, []string{"kind"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "broadcasts_total",
			Help:      "Broadcasts issued, by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "broadcast_deliveries_total",
			Help:      "Broadcast messages queued to connections, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "dropped_connections_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
		relay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "relay_messages_total",
			Help:      "Cross-process relay traffic, by direction and status.",
		}, []string{"direction", "status"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "backup_posts_total",
			Help:      "Backup webhook posts, by status.",
		}, []string{"status"}),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hanoiboard",
			Name:      "backup_post_duration_seconds",
			Help:      "Backup webhook post latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hanoiboard",
			Name:      "store_errors_total",
			Help:      "Instance store failures on the socket path, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.connections,
		m.adminPresent,
		m.inbound,
		m.gateRejections,
		m.broadcasts,
		m.deliveries,
		m.dropped,
		m.relay,
		m.backups,
		m.backupDuration,
		m.storeErrors,
	)
	return m
}

func (m *PrometheusMetrics) SetConnections(n int) {
	m.connections.Set(float64(n))
}

func (m *PrometheusMetrics) SetAdminPresent(present bool) {
	if present {
		m.adminPresent.Set(1)
		return
	}
	m.adminPresent.Set(0)
}

func (m *PrometheusMetrics) RecordInbound(kind string) {
	m.inbound.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) RecordGateRejection(kind string) {
	m.gateRejections.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) RecordBroadcast(kind string, recipients int) {
	m.broadcasts.WithLabelValues(kind).Inc()
	m.deliveries.WithLabelValues(kind).Add(float64(recipients))
}

func (m *PrometheusMetrics) RecordDroppedConnection() {
	m.dropped.Inc()
}

func (m *PrometheusMetrics) RecordRelay(direction string, success bool) {
	m.relay.WithLabelValues(direction, status(success)).Inc()
}

func (m *PrometheusMetrics) RecordBackup(success bool, duration time.Duration) {
	m.backups.WithLabelValues(status(success)).Inc()
	m.backupDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
