package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a node.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Message metrics
	MessagesSentTotal     *prometheus.CounterVec
	MessagesReceivedTotal *prometheus.CounterVec
	MessagesDroppedTotal  *prometheus.CounterVec
	BytesTransferredTotal *prometheus.CounterVec
	PendingDecrypts       prometheus.Gauge
	DecryptDecisionsTotal *prometheus.CounterVec

	// Session metrics
	SessionTransitionsTotal *prometheus.CounterVec
	SessionsActive          prometheus.Gauge
	OutboxCancelledTotal    prometheus.Counter
	QUICConnectionsTotal    *prometheus.CounterVec

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram

	gatherer prometheus.Gatherer

	activeSessions int64
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	m := &Metrics{
		MessagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_messages_sent_total",
				Help: "Envelopes written to a peer",
			},
			[]string{"kind", "encrypted"},
		),

		MessagesReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_messages_received_total",
				Help: "Envelopes accepted from a peer",
			},
			[]string{"kind", "encrypted"},
		),

		MessagesDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_messages_dropped_total",
				Help: "Inbound payloads discarded",
			},
			[]string{"reason"},
		),

		BytesTransferredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_bytes_transferred_total",
				Help: "Total envelope bytes transferred",
			},
			[]string{"direction"},
		),

		PendingDecrypts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "whisperlink_pending_decrypts",
				Help: "Encrypted files awaiting a decrypt decision",
			},
		),

		DecryptDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_decrypt_decisions_total",
				Help: "Outcomes of decrypt requests",
			},
			[]string{"outcome"},
		),

		SessionTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_session_transitions_total",
				Help: "Connection state machine transitions",
			},
			[]string{"event", "to"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "whisperlink_sessions_active",
				Help: "Sessions currently open",
			},
		),

		OutboxCancelledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "whisperlink_outbox_cancelled_total",
				Help: "Queued envelopes cancelled by a close",
			},
		),

		QUICConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"direction", "result"},
		),

		CryptoOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "whisperlink_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		gatherer: gatherer,
	}

	return m
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordMessageSent updates metrics for an outbound envelope.
func (m *Metrics) RecordMessageSent(kind string, encrypted bool, bytes int) {
	if m == nil {
		return
	}
	m.MessagesSentTotal.WithLabelValues(kind, boolLabel(encrypted)).Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordMessageReceived updates metrics for an accepted inbound envelope.
func (m *Metrics) RecordMessageReceived(kind string, encrypted bool, bytes int) {
	if m == nil {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(kind, boolLabel(encrypted)).Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordMessageDropped increments the drop counter.
func (m *Metrics) RecordMessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDroppedTotal.WithLabelValues(reason).Inc()
}

// SetPendingDecrypts sets the pending request gauge.
func (m *Metrics) SetPendingDecrypts(n int) {
	if m == nil {
		return
	}
	m.PendingDecrypts.Set(float64(n))
}

// RecordDecryptDecision counts a decided decrypt request.
func (m *Metrics) RecordDecryptDecision(outcome string) {
	if m == nil {
		return
	}
	m.DecryptDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionTransition counts a transition and tracks open sessions.
func (m *Metrics) RecordSessionTransition(event, from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitionsTotal.WithLabelValues(event, to).Inc()

	switch {
	case to == "open":
		atomic.AddInt64(&m.activeSessions, 1)
	case from == "open":
		atomic.AddInt64(&m.activeSessions, -1)
	default:
		return
	}
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
}

// RecordOutboxCancelled counts envelopes discarded by a close.
func (m *Metrics) RecordOutboxCancelled(n int) {
	if m == nil || n == 0 {
		return
	}
	m.OutboxCancelledTotal.Add(float64(n))
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(direction string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(direction, result).Inc()
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
