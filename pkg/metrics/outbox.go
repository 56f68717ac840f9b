package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics records the outbox publisher's batches.
type OutboxMetrics struct {
	batch  prometheus.Histogram
	events *prometheus.CounterVec
}

// NewOutboxMetrics registers the publisher metrics on reg. A nil reg yields
// a recorder that drops everything.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		batch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Time to claim, publish and settle one outbox batch.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox rows by event type and result: published, retry or dead_letter.",
		}, []string{"event_type", "result"}),
	}
	reg.MustRegister(m.batch, m.events)
	return m
}

func (m *OutboxMetrics) ObserveBatch(took time.Duration) {
	if m == nil || m.batch == nil {
		return
	}
	m.batch.Observe(took.Seconds())
}

func (m *OutboxMetrics) IncEvent(eventType, result string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), normalizeLabel(result)).Inc()
}
