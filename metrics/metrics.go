package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keeper cycle, rebalance and hedge collectors, partitioned by pool.

var (
	// Cycles
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "cycle",
		Name:      "total",
		Help:      "Total keeper cycles by result (idle, ok, error)",
	}, []string{"pool", "result"})

	CycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "cycle",
		Name:      "errors_total",
		Help:      "Total failed cycles by error kind",
	}, []string{"pool", "kind"})

	CycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lpkeeper",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Keeper cycle duration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"pool"})

	LastCycleTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lpkeeper",
		Subsystem: "cycle",
		Name:      "last_timestamp_seconds",
		Help:      "Unix time of the last completed cycle",
	}, []string{"pool"})

	// Position
	RebalancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "position",
		Name:      "rebalances_total",
		Help:      "Total completed range rebalances",
	}, []string{"pool"})

	PoolPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lpkeeper",
		Subsystem: "position",
		Name:      "pool_price",
		Help:      "Pool price in token1 per token0",
	}, []string{"pool"})

	Exposure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lpkeeper",
		Subsystem: "position",
		Name:      "exposure",
		Help:      "Estimated exposure to the volatile asset",
	}, []string{"pool", "estimator"})

	// Hedge
	HedgeOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "hedge",
		Name:      "orders_total",
		Help:      "Total hedge orders placed by side",
	}, []string{"symbol", "side"})

	HedgeSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lpkeeper",
		Subsystem: "hedge",
		Name:      "position_size",
		Help:      "Signed hedge venue position size (negative is short)",
	}, []string{"symbol"})

	// Market data
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lpkeeper",
		Subsystem: "marketdata",
		Name:      "reconnects_total",
		Help:      "Total websocket reconnect attempts",
	}, []string{"feed"})
)
