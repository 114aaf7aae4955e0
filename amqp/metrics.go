package amqp

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects metrics for AMQP engine events
type MetricsCollector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()

	// Session and link metrics
	SessionBegun()
	SessionEnded()
	LinkAttached()
	LinkDetached()

	// Frame metrics
	FrameSent()
	FrameReceived()
	HeartbeatSent()
	ProtocolViolation()

	// Delivery metrics
	TransferSent()
	TransferReceived()
	DeliverySettled(reason SettleReason)
}

// StandardMetricsCollector provides a thread-safe metrics collector
type StandardMetricsCollector struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64

	sessionsBegun atomic.Int64
	sessionsEnded atomic.Int64
	linksAttached atomic.Int64
	linksDetached atomic.Int64

	framesSent         atomic.Int64
	framesReceived     atomic.Int64
	heartbeatsSent     atomic.Int64
	protocolViolations atomic.Int64

	transfersSent     atomic.Int64
	transfersReceived atomic.Int64
	settled           [settleReasonCount]atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

// Connection metrics
func (m *StandardMetricsCollector) ConnectionOpened() {
	m.connectionsOpened.Add(1)
}

func (m *StandardMetricsCollector) ConnectionClosed() {
	m.connectionsClosed.Add(1)
}

// Session and link metrics
func (m *StandardMetricsCollector) SessionBegun() {
	m.sessionsBegun.Add(1)
}

func (m *StandardMetricsCollector) SessionEnded() {
	m.sessionsEnded.Add(1)
}

func (m *StandardMetricsCollector) LinkAttached() {
	m.linksAttached.Add(1)
}

func (m *StandardMetricsCollector) LinkDetached() {
	m.linksDetached.Add(1)
}

// Frame metrics
func (m *StandardMetricsCollector) FrameSent() {
	m.framesSent.Add(1)
}

func (m *StandardMetricsCollector) FrameReceived() {
	m.framesReceived.Add(1)
}

func (m *StandardMetricsCollector) HeartbeatSent() {
	m.heartbeatsSent.Add(1)
}

func (m *StandardMetricsCollector) ProtocolViolation() {
	m.protocolViolations.Add(1)
}

// Delivery metrics
func (m *StandardMetricsCollector) TransferSent() {
	m.transfersSent.Add(1)
}

func (m *StandardMetricsCollector) TransferReceived() {
	m.transfersReceived.Add(1)
}

func (m *StandardMetricsCollector) DeliverySettled(reason SettleReason) {
	if int(reason) < len(m.settled) {
		m.settled[reason].Add(1)
	}
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsOpened() int64 {
	return m.connectionsOpened.Load()
}

func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}

func (m *StandardMetricsCollector) GetSessionsBegun() int64 {
	return m.sessionsBegun.Load()
}

func (m *StandardMetricsCollector) GetSessionsEnded() int64 {
	return m.sessionsEnded.Load()
}

func (m *StandardMetricsCollector) GetLinksAttached() int64 {
	return m.linksAttached.Load()
}

func (m *StandardMetricsCollector) GetLinksDetached() int64 {
	return m.linksDetached.Load()
}

func (m *StandardMetricsCollector) GetFramesSent() int64 {
	return m.framesSent.Load()
}

func (m *StandardMetricsCollector) GetFramesReceived() int64 {
	return m.framesReceived.Load()
}

func (m *StandardMetricsCollector) GetHeartbeatsSent() int64 {
	return m.heartbeatsSent.Load()
}

func (m *StandardMetricsCollector) GetProtocolViolations() int64 {
	return m.protocolViolations.Load()
}

func (m *StandardMetricsCollector) GetTransfersSent() int64 {
	return m.transfersSent.Load()
}

func (m *StandardMetricsCollector) GetTransfersReceived() int64 {
	return m.transfersReceived.Load()
}

func (m *StandardMetricsCollector) GetDeliveriesSettled(reason SettleReason) int64 {
	if int(reason) >= len(m.settled) {
		return 0
	}
	return m.settled[reason].Load()
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionOpened()                   {}
func (n *NoOpMetricsCollector) ConnectionClosed()                   {}
func (n *NoOpMetricsCollector) SessionBegun()                       {}
func (n *NoOpMetricsCollector) SessionEnded()                       {}
func (n *NoOpMetricsCollector) LinkAttached()                       {}
func (n *NoOpMetricsCollector) LinkDetached()                       {}
func (n *NoOpMetricsCollector) FrameSent()                          {}
func (n *NoOpMetricsCollector) FrameReceived()                      {}
func (n *NoOpMetricsCollector) HeartbeatSent()                      {}
func (n *NoOpMetricsCollector) ProtocolViolation()                  {}
func (n *NoOpMetricsCollector) TransferSent()                       {}
func (n *NoOpMetricsCollector) TransferReceived()                   {}
func (n *NoOpMetricsCollector) DeliverySettled(reason SettleReason) {}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}

// PrometheusMetricsCollector exports engine events as Prometheus counters
type PrometheusMetricsCollector struct {
	connections *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	links       *prometheus.CounterVec
	frames      *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	settled     *prometheus.CounterVec
	heartbeats  prometheus.Counter
	violations  prometheus.Counter
}

// NewPrometheusMetricsCollector creates the counters and registers them on reg
func NewPrometheusMetricsCollector(reg prometheus.Registerer) (*PrometheusMetricsCollector, error) {
	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "amqp",
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			labels,
		)
	}

	m := &PrometheusMetricsCollector{
		connections: counterVec("connection", "events_total", "Connection lifecycle events.", "event"),
		sessions:    counterVec("session", "events_total", "Session lifecycle events.", "event"),
		links:       counterVec("link", "events_total", "Link lifecycle events.", "event"),
		frames:      counterVec("frame", "total", "Frames sent and received.", "direction"),
		transfers:   counterVec("transfer", "total", "Transfers sent and received.", "direction"),
		settled:     counterVec("delivery", "settled_total", "Deliveries settled by reason.", "reason"),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp",
			Subsystem: "frame",
			Name:      "heartbeats_total",
			Help:      "Empty frames sent to keep the peer alive.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amqp",
			Subsystem: "connection",
			Name:      "protocol_violations_total",
			Help:      "Connections closed for protocol violations.",
		}),
	}

	collectors := []prometheus.Collector{
		m.connections, m.sessions, m.links, m.frames,
		m.transfers, m.settled, m.heartbeats, m.violations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetricsCollector) ConnectionOpened() {
	m.connections.WithLabelValues("opened").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionClosed() {
	m.connections.WithLabelValues("closed").Inc()
}

func (m *PrometheusMetricsCollector) SessionBegun() {
	m.sessions.WithLabelValues("begun").Inc()
}

func (m *PrometheusMetricsCollector) SessionEnded() {
	m.sessions.WithLabelValues("ended").Inc()
}

func (m *PrometheusMetricsCollector) LinkAttached() {
	m.links.WithLabelValues("attached").Inc()
}

func (m *PrometheusMetricsCollector) LinkDetached() {
	m.links.WithLabelValues("detached").Inc()
}

func (m *PrometheusMetricsCollector) FrameSent() {
	m.frames.WithLabelValues("out").Inc()
}

func (m *PrometheusMetricsCollector) FrameReceived() {
	m.frames.WithLabelValues("in").Inc()
}

func (m *PrometheusMetricsCollector) HeartbeatSent() {
	m.heartbeats.Inc()
}

func (m *PrometheusMetricsCollector) ProtocolViolation() {
	m.violations.Inc()
}

func (m *PrometheusMetricsCollector) TransferSent() {
	m.transfers.WithLabelValues("out").Inc()
}

func (m *PrometheusMetricsCollector) TransferReceived() {
	m.transfers.WithLabelValues("in").Inc()
}

func (m *PrometheusMetricsCollector) DeliverySettled(reason SettleReason) {
	m.settled.WithLabelValues(reason.String()).Inc()
}
