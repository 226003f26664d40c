package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters and histograms exported at /metrics.
// The execution stage records into them through the RecordTrade,
// RecordTradeFailure and RecordRunCompletion methods below; OrderLatency and
// DailyTradedValue are registered but nothing in this module observes them.
type Metrics struct {
	TradesExecuted  *prometheus.CounterVec
	TradeFailures   *prometheus.CounterVec
	RunsCompleted   *prometheus.CounterVec
	OrderLatency    *prometheus.HistogramVec
	DailyTradedValue prometheus.Gauge
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics registers the engine's metric families against the default
// registry on its first call and returns that same handle on every call, so
// repeated calls in one process do not register the families twice.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() { sharedMetrics = newMetrics() })
	return sharedMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_engine",
			Name:      "trades_executed_total",
			Help:      "Trades that reached a terminal state, by action and outcome.",
		}, []string{"action", "status"}),

		TradeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_engine",
			Name:      "trade_failures_total",
			Help:      "Trade failures, by gating or broker failure reason.",
		}, []string{"reason"}),

		RunsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_engine",
			Name:      "runs_completed_total",
			Help:      "Rebalance runs that reached a terminal status.",
		}, []string{"status"}),

		OrderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading_engine",
			Name:      "order_fill_latency_seconds",
			Help:      "Time from order submission to terminal fill or cancel.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"side"}),

		DailyTradedValue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading_engine",
			Name:      "daily_traded_value_usd",
			Help:      "Running total of the day's traded notional value in USD.",
		}),
	}
}

// RecordTrade satisfies internal/execution's MetricsRecorder interface.
func (m *Metrics) RecordTrade(action, status string) {
	m.TradesExecuted.WithLabelValues(action, status).Inc()
}

// RecordTradeFailure satisfies internal/execution's MetricsRecorder interface.
func (m *Metrics) RecordTradeFailure(reason string) {
	m.TradeFailures.WithLabelValues(reason).Inc()
}

// RecordRunCompletion satisfies internal/execution's MetricsRecorder interface.
func (m *Metrics) RecordRunCompletion(status string) {
	m.RunsCompleted.WithLabelValues(status).Inc()
}
