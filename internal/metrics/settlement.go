package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementCycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gomp",
		Subsystem: "settlement",
		Name:      "cycle_total",
		Help:      "Count of settlement cycles by outcome.",
	}, []string{"pool", "track", "outcome"})

	settlementCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gomp",
		Subsystem: "settlement",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of settlement cycles.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pool", "track", "outcome"})

	settlementBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gomp",
		Subsystem: "settlement",
		Name:      "blocks_total",
		Help:      "Count of blocks moved to historical storage.",
	}, []string{"pool", "track"})

	settlementRewardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gomp",
		Subsystem: "settlement",
		Name:      "reward_satoshis_total",
		Help:      "Sum of settled block rewards in satoshis.",
	}, []string{"pool", "track"})

	settlementReportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gomp",
		Subsystem: "settlement",
		Name:      "report_errors_total",
		Help:      "Count of failed settlement report deliveries by sink.",
	}, []string{"pool", "sink"})

	settlementBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gomp",
		Subsystem: "settlement",
		Name:      "breaker_open",
		Help:      "Whether a circuit breaker is open (1) or not (0).",
	}, []string{"pool", "breaker"})
)

// Settlement tracks metrics for the settlement cycles of one pool.
type Settlement struct {
	pool string
}

// NewSettlement constructs Settlement metrics for pool.
func NewSettlement(pool string) *Settlement {
	if pool == "" {
		pool = "unknown"
	}
	return &Settlement{pool: pool}
}

// ObserveCycle records a finished cycle, its duration and the settled volume.
func (m Settlement) ObserveCycle(track, outcome string, blocks int, rewardSats int64, started, finished time.Time) {
	settlementCycleTotal.WithLabelValues(m.pool, track, outcome).Inc()
	settlementCycleDuration.WithLabelValues(m.pool, track, outcome).
		Observe(finished.Sub(started).Seconds())

	if blocks > 0 {
		settlementBlocksTotal.WithLabelValues(m.pool, track).Add(float64(blocks))
	}
	if rewardSats > 0 {
		settlementRewardTotal.WithLabelValues(m.pool, track).Add(float64(rewardSats))
	}
}

// ObserveReportError records a report that could not be delivered to sink.
func (m Settlement) ObserveReportError(sink string) {
	settlementReportErrors.WithLabelValues(m.pool, sink).Inc()
}

// SetBreakerOpen records the state of a circuit breaker.
func (m Settlement) SetBreakerOpen(breaker string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	settlementBreakerOpen.WithLabelValues(m.pool, breaker).Set(value)
}
