package application

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
)

const metricNamespace = "enrollwatch"

// Metrics holds the Prometheus collectors updated by the scheduler and the
// worker pool. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, initializing
// every known label combination to zero.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "attempts_total",
			Help:      "Polling attempts executed, by outcome.",
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "token_lookups_total",
			Help:      "Access token resolutions, by source: cached, acquired or failed.",
		}, []string{"source"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "notifications_total",
			Help:      "Notification emails, by recipient kind and result.",
		}, []string{"kind", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "queue_pending_attempts",
			Help:      "Attempts scheduled and not yet claimed.",
		}),
	}

	reg.MustRegister(m.attempts, m.tokens, m.notifications, m.queueDepth)

	for _, o := range []model.AttemptOutcome{model.OutcomeSucceeded, model.OutcomeRetrying, model.OutcomeEscalated, model.OutcomeAbandoned} {
		m.attempts.WithLabelValues(string(o))
	}
	for _, s := range []string{"cached", "acquired", "failed"} {
		m.tokens.WithLabelValues(s)
	}
	for _, k := range []string{"user", "admin"} {
		for _, r := range []string{"sent", "failed"} {
			m.notifications.WithLabelValues(k, r)
		}
	}

	return m
}

func (m *Metrics) attemptCompleted(outcome model.AttemptOutcome) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) tokenResolved(source string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(source).Inc()
}

func (m *Metrics) notificationSent(kind string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
