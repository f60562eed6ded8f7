package bosh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by an Engine. A nil
// *Metrics records nothing.
type Metrics struct {
	RequestsTotal           *prometheus.CounterVec
	SessionsCreatedTotal    prometheus.Counter
	SessionsTerminatedTotal *prometheus.CounterVec
	ActiveSessions          prometheus.Gauge
	ActiveStreams           prometheus.Gauge
	StreamsTerminatedTotal  *prometheus.CounterVec
	ResponsesSentTotal      prometheus.Counter
	ResponsesReplayedTotal  prometheus.Counter
	DeliveryFailuresTotal   prometheus.Counter
	AcksDisabledTotal       prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "requests_total",
				Help:      "Total number of bodies received",
			},
			[]string{"kind"}, // kind=session-create/stream-add/stream-restart/stream-terminate/data
		),
		SessionsCreatedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "sessions_created_total",
				Help:      "Total sessions created",
			},
		),
		SessionsTerminatedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "sessions_terminated_total",
				Help:      "Total sessions terminated",
			},
			[]string{"condition"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bosh",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
		),
		ActiveStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bosh",
				Name:      "active_streams",
				Help:      "Number of active streams",
			},
		),
		StreamsTerminatedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "streams_terminated_total",
				Help:      "Total streams terminated",
			},
			[]string{"condition"},
		),
		ResponsesSentTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "responses_sent_total",
				Help:      "Total bodies written to held connections",
			},
		),
		ResponsesReplayedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "responses_replayed_total",
				Help:      "Total cached responses retransmitted",
			},
		),
		DeliveryFailuresTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "delivery_failures_total",
				Help:      "Total transport writes that failed",
			},
		),
		AcksDisabledTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "bosh",
				Name:      "acks_disabled_total",
				Help:      "Total sessions whose acknowledgements were switched off",
			},
		),
	}
}

func conditionLabel(condition string) string {
	if condition == "" {
		return "none"
	}
	return condition
}

func (m *Metrics) request(kind PacketKind) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreatedTotal.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) sessionTerminated(condition string) {
	if m == nil {
		return
	}
	m.SessionsTerminatedTotal.WithLabelValues(conditionLabel(condition)).Inc()
	m.ActiveSessions.Dec()
}

func (m *Metrics) streamAdded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) streamTerminated(condition string) {
	if m == nil {
		return
	}
	m.StreamsTerminatedTotal.WithLabelValues(conditionLabel(condition)).Inc()
	m.ActiveStreams.Dec()
}

func (m *Metrics) responseSent() {
	if m == nil {
		return
	}
	m.ResponsesSentTotal.Inc()
}

func (m *Metrics) responseReplayed() {
	if m == nil {
		return
	}
	m.ResponsesReplayedTotal.Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailuresTotal.Inc()
}

func (m *Metrics) acksDisabled() {
	if m == nil {
		return
	}
	m.AcksDisabledTotal.Inc()
}
