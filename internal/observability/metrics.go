package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reconciliation engine.
type Metrics struct {
	// Quote feed
	QuoteTicksApplied prometheus.Counter
	QuoteTicksDropped prometheus.Counter
	QuoteThrottled    prometheus.Counter

	// Valuation / publishing
	RecomputeDuration  prometheus.Histogram
	SnapshotPublishes  prometheus.Counter
	SnapshotSuppressed prometheus.Counter
	Equity             prometheus.Gauge
	DailyDrawdownPct   prometheus.Gauge
	OverallDrawdownPct prometheus.Gauge

	// Mutations
	MutationsSubmitted *prometheus.CounterVec
	MutationsResolved  *prometheus.CounterVec

	// Settlement polling
	SettlementPolls     prometheus.Counter
	SettlementSettled   prometheus.Counter
	SettlementTimeouts  prometheus.Counter
	SettlementCancelled prometheus.Counter

	// Sync & push
	PushEvents        *prometheus.CounterVec
	SyncRuns          prometheus.Counter
	SyncFailures      prometheus.Counter
	PushDegraded      prometheus.Gauge
	ViolationBreaches *prometheus.CounterVec
	InvariantRejects  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		QuoteTicksApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_quote_ticks_applied_total",
			Help: "Feed ticks accepted by the quote cache",
		}),
		QuoteTicksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_quote_ticks_dropped_total",
			Help: "Feed ticks dropped as out-of-order",
		}),
		QuoteThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_quote_notifications_throttled_total",
			Help: "Change notifications suppressed by the per-symbol throttle",
		}),

		RecomputeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskwatch_recompute_duration_seconds",
			Help:    "Time to revalue positions and update drawdown",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		SnapshotPublishes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_snapshot_publishes_total",
			Help: "Coalesced snapshots published to observers",
		}),
		SnapshotSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_snapshot_suppressed_total",
			Help: "Flushes suppressed by hysteresis",
		}),
		Equity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskwatch_equity",
			Help: "Last published account equity",
		}),
		DailyDrawdownPct: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskwatch_daily_drawdown_percent",
			Help: "Last published daily drawdown",
		}),
		OverallDrawdownPct: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskwatch_overall_drawdown_percent",
			Help: "Last published overall drawdown",
		}),

		MutationsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_mutations_submitted_total",
			Help: "Trade intents submitted",
		}, []string{"kind"}),
		MutationsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_mutations_resolved_total",
			Help: "Pending mutations leaving IN_FLIGHT",
		}, []string{"kind", "result"}),

		SettlementPolls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_settlement_polls_started_total",
			Help: "Settlement poll generations started",
		}),
		SettlementSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_settlement_settled_total",
			Help: "Polls that observed the trade-log marker advance",
		}),
		SettlementTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_settlement_timeouts_total",
			Help: "Polls that exhausted their budget without observing settlement",
		}),
		SettlementCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_settlement_cancelled_total",
			Help: "Poll generations invalidated by a newer one or account switch",
		}),

		PushEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_push_events_total",
			Help: "Events received on the push channel",
		}, []string{"type"}),
		SyncRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_sync_runs_total",
			Help: "Polled snapshot reconciliations",
		}),
		SyncFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskwatch_sync_failures_total",
			Help: "Reconciliations that degraded to last-known-good",
		}),
		PushDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskwatch_push_channel_degraded",
			Help: "1 when the push channel is degraded and polling is primary",
		}),
		ViolationBreaches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_violation_breaches_total",
			Help: "Observed transitions into a locked status",
		}, []string{"kind"}),
		InvariantRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_invariant_rejections_total",
			Help: "Inputs discarded for violating a monotonic invariant",
		}, []string{"invariant"}),
	}
}
