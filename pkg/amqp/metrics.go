package amqp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors of a Metrics set.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "amqp_client").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are added to every collector.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request and handshake latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry receives the collectors.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

func WithMetricsNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

func WithMetricsSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

func WithMetricsConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

func WithMetricsBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithMetricsRegistry sets the registerer; tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func WithMetricsRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "amqp_client",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics is a set of Prometheus collectors shared by every connection
// created with WithMetrics. A nil *Metrics records nothing.
type Metrics struct {
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	orphans           prometheus.Counter
	violations        prometheus.Counter
	heartbeats        prometheus.Counter
	pendingRequests   prometheus.Gauge
	requestDuration   prometheus.Histogram
	openChannels      prometheus.Gauge
	openConnections   prometheus.Gauge
	handshakeDuration prometheus.Histogram
	handshakeFailures prometheus.Counter
}

// NewMetrics creates and registers the collectors.
//
// Metrics collected:
//   - amqp_client_frames_received_total{type}
//   - amqp_client_frames_sent_total{type}
//   - amqp_client_orphan_replies_total: late replies discarded after a timeout
//   - amqp_client_protocol_violations_total
//   - amqp_client_heartbeats_sent_total
//   - amqp_client_pending_requests
//   - amqp_client_request_duration_seconds
//   - amqp_client_open_channels
//   - amqp_client_open_connections
//   - amqp_client_handshake_duration_seconds
//   - amqp_client_handshake_failures_total
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	histogram := func(name, help string) prometheus.Histogram {
		return factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		})
	}

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_received_total",
			Help:        "Frames decoded from the transport, by frame type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Frames written to the transport, by frame type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
		orphans:           counter("orphan_replies_total", "Late replies discarded because their request had expired"),
		violations:        counter("protocol_violations_total", "Connections closed after a protocol violation"),
		heartbeats:        counter("heartbeats_sent_total", "Heartbeat frames sent"),
		pendingRequests:   gauge("pending_requests", "Requests waiting for their reply"),
		requestDuration:   histogram("request_duration_seconds", "Time from registering a request to its settlement"),
		openChannels:      gauge("open_channels", "Channels registered with a connection"),
		openConnections:   gauge("open_connections", "Connections that completed the handshake and are not closed"),
		handshakeDuration: histogram("handshake_duration_seconds", "Duration of successful connection handshakes"),
		handshakeFailures: counter("handshake_failures_total", "Failed connection handshakes"),
	}
}

func frameTypeLabel(t uint8) string {
	switch t {
	case FrameMethod:
		return "method"
	case FrameHeader:
		return "header"
	case FrameBody:
		return "body"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

func (m *Metrics) frameReceived(t uint8) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameTypeLabel(t)).Inc()
}

func (m *Metrics) frameSent(t uint8) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameTypeLabel(t)).Inc()
}

func (m *Metrics) orphanDiscarded() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

func (m *Metrics) violation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) heartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

func (m *Metrics) requestFinished(req *pendingRequest) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.requestDuration.Observe(time.Since(req.started).Seconds())
}

func (m *Metrics) channelAdded() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

func (m *Metrics) channelRemoved() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}

func (m *Metrics) connectionOpened(handshake time.Duration) {
	if m == nil {
		return
	}
	m.openConnections.Inc()
	m.handshakeDuration.Observe(handshake.Seconds())
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

func (m *Metrics) handshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}
