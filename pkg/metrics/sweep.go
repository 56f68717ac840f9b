package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mesa"

// SweepMetrics records the reconcile worker's sweep cycles.
type SweepMetrics struct {
	duration  *prometheus.HistogramVec
	runs      *prometheus.CounterVec
	items     *prometheus.CounterVec
	lockSkips prometheus.Counter
}

// NewSweepMetrics registers the sweep metrics on reg. A nil reg yields a
// recorder that drops everything.
func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	if reg == nil {
		return &SweepMetrics{}
	}
	m := &SweepMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "job_duration_seconds",
			Help:      "Duration of sweep jobs in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "job_runs_total",
			Help:      "Sweep job runs by result.",
		}, []string{"job", "result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "items_total",
			Help:      "Rows handled by sweep jobs by outcome, e.g. polled, expired, parked.",
		}, []string{"job", "outcome"}),
		lockSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "lock_skips_total",
			Help:      "Cycles skipped because another worker held the sweep lock.",
		}),
	}
	reg.MustRegister(m.duration, m.runs, m.items, m.lockSkips)
	return m
}

// ObserveJob records one job run and the per-outcome counts it reported.
func (m *SweepMetrics) ObserveJob(job string, took time.Duration, counts map[string]int, err error) {
	if m == nil || m.duration == nil {
		return
	}
	job = normalizeLabel(job)
	m.duration.WithLabelValues(job).Observe(took.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.runs.WithLabelValues(job, result).Inc()
	for outcome, n := range counts {
		if n > 0 {
			m.items.WithLabelValues(job, normalizeLabel(outcome)).Add(float64(n))
		}
	}
}

func (m *SweepMetrics) IncLockSkip() {
	if m == nil || m.lockSkips == nil {
		return
	}
	m.lockSkips.Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
