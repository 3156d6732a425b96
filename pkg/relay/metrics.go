package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of chatrelay_frames_dropped_total
const (
	DropAnonymous        = "anonymous"
	DropMalformed        = "malformed"
	DropMissingRecipient = "missing_recipient"
	DropMissingText      = "missing_text"
	DropTooLong          = "too_long"
	DropPersistFailed    = "persist_failed"
)

// Metrics holds the relay's Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Connection metrics
	activeConnections   prometheus.Gauge
	onlineIdentities    prometheus.Gauge
	connectionsAccepted *prometheus.CounterVec // by outcome
	connectionsClosed   prometheus.Counter
	queueOverflows      prometheus.Counter
	staleSends          prometheus.Counter

	// Routing metrics
	framesReceived      prometheus.Counter
	framesDropped       *prometheus.CounterVec // by reason
	messagesRouted      prometheus.Counter
	persistenceFailures prometheus.Counter
	persistDuration     prometheus.Histogram

	// Broadcast metrics
	fanout             *prometheus.HistogramVec // "chat" or "presence"
	presenceBroadcasts prometheus.Counter
}

// NewMetrics registers the relay metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Current number of registered connections, bound or anonymous",
		}),
		onlineIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_online_identities",
			Help: "Current number of identities with at least one live connection",
		}),
		connectionsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total number of handshakes by outcome",
		}, []string{"outcome"}),
		connectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_disconnections_total",
			Help: "Total number of registered connections that ended",
		}),
		queueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_queue_overflows_total",
			Help: "Total number of connections closed because their outbound queue filled",
		}),
		staleSends: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_stale_sends_total",
			Help: "Total number of sends that found the connection already closed",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_frames_received_total",
			Help: "Total number of inbound frames read from clients",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_dropped_total",
			Help: "Total number of inbound frames dropped by reason",
		}, []string{"reason"}),
		messagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_routed_total",
			Help: "Total number of chat messages persisted and fanned out",
		}),
		persistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_persistence_failures_total",
			Help: "Total number of chat messages the store rejected",
		}),
		persistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_persist_duration_seconds",
			Help:    "Time taken to persist a chat message",
			Buckets: prometheus.DefBuckets,
		}),
		fanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_fanout",
			Help:    "Number of connections that received each frame",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"type"}),
		presenceBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_presence_broadcasts_total",
			Help: "Total number of presence snapshots broadcast",
		}),
	}
}

// RecordRegistry updates the connection and identity gauges
func (m *Metrics) RecordRegistry(connections, online int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(connections))
	m.onlineIdentities.Set(float64(online))
}

// RecordHandshake counts a handshake outcome: bound, anonymous or rejected
func (m *Metrics) RecordHandshake(outcome string) {
	if m == nil {
		return
	}
	m.connectionsAccepted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
}

// RecordSendFailure counts a failed enqueue by its cause
func (m *Metrics) RecordSendFailure(err error) {
	if m == nil {
		return
	}
	if err == ErrQueueFull {
		m.queueOverflows.Inc()
		return
	}
	m.staleSends.Inc()
}

func (m *Metrics) RecordFrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// RecordFrameDropped counts a dropped inbound frame
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
	if reason == DropPersistFailed {
		m.persistenceFailures.Inc()
	}
}

// RecordPersist records how long a store call took
func (m *Metrics) RecordPersist(d time.Duration) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(d.Seconds())
}

// RecordRouted records a delivered chat message and its fan-out
func (m *Metrics) RecordRouted(delivered int) {
	if m == nil {
		return
	}
	m.messagesRouted.Inc()
	m.fanout.WithLabelValues("chat").Observe(float64(delivered))
}

// RecordPresence records one presence broadcast and its fan-out
func (m *Metrics) RecordPresence(delivered int) {
	if m == nil {
		return
	}
	m.presenceBroadcasts.Inc()
	m.fanout.WithLabelValues("presence").Observe(float64(delivered))
}
