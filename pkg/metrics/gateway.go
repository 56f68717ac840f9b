package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics covers outbound provider calls, inbound webhooks and the
// status transitions they cause.
type GatewayMetrics struct {
	calls         *prometheus.HistogramVec
	unknownStatus *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

// NewGatewayMetrics registers the gateway metrics on reg. A nil registerer
// returns a no-op recorder.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		return &GatewayMetrics{}
	}
	calls := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_call_duration_seconds",
		Help:      "Latency of outbound provider calls by gateway, operation and outcome.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"gateway", "op", "outcome"})
	unknown := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_unknown_status_total",
		Help:      "Provider status codes missing from the mapping table, mapped to pending.",
	}, []string{"gateway", "raw_status"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Inbound webhook deliveries by gateway and processing outcome.",
	}, []string{"gateway", "outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_transitions_total",
		Help:      "Reconciler outcomes by gateway and target status.",
	}, []string{"gateway", "status", "outcome"})
	reg.MustRegister(calls, unknown, webhooks, transitions)
	return &GatewayMetrics{
		calls:         calls,
		unknownStatus: unknown,
		webhooks:      webhooks,
		transitions:   transitions,
	}
}

func (g *GatewayMetrics) ObserveCall(gateway, op, outcome string, took time.Duration) {
	if g == nil || g.calls == nil {
		return
	}
	g.calls.WithLabelValues(normalizeLabel(gateway), normalizeLabel(op), normalizeLabel(outcome)).Observe(took.Seconds())
}

func (g *GatewayMetrics) IncUnknownStatus(gateway, raw string) {
	if g == nil || g.unknownStatus == nil {
		return
	}
	g.unknownStatus.WithLabelValues(normalizeLabel(gateway), normalizeLabel(raw)).Inc()
}

func (g *GatewayMetrics) IncWebhook(gateway, outcome string) {
	if g == nil || g.webhooks == nil {
		return
	}
	g.webhooks.WithLabelValues(normalizeLabel(gateway), normalizeLabel(outcome)).Inc()
}

func (g *GatewayMetrics) IncTransition(gateway, status, outcome string) {
	if g == nil || g.transitions == nil {
		return
	}
	g.transitions.WithLabelValues(normalizeLabel(gateway), normalizeLabel(status), normalizeLabel(outcome)).Inc()
}
