// Package metrics holds the Prometheus instruments updated by the engine
// and executor. Registered in init() and served at /metrics by the API.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maker_cycles_total",
			Help: "Trading cycles run, by market and result (executed|skipped|error)",
		},
		[]string{"market", "result"},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maker_orders_placed_total",
			Help: "Orders placed, by market, side and type",
		},
		[]string{"market", "side", "type"},
	)

	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maker_orders_cancelled_total",
			Help: "Orders cancelled, by market and reason (timeout|stop_loss|shutdown)",
		},
		[]string{"market", "reason"},
	)

	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maker_fills_total",
			Help: "Confirmed fill increments, by market and side",
		},
		[]string{"market", "side"},
	)

	SessionRealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maker_session_realized_pnl_usd",
			Help: "Realized P&L of the current session in quote units",
		},
		[]string{"market"},
	)

	RiskTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maker_risk_triggers_total",
			Help: "Risk gate activations, by market and gate (stop_loss|max_session_loss|max_day_loss)",
		},
		[]string{"market", "gate"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maker_cycle_duration_seconds",
			Help:    "Wall time of one trading cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"market"},
	)

	ActiveMarkets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maker_active_markets",
			Help: "Markets currently scheduled for trading",
		},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal, OrdersPlaced, OrdersCancelled, FillsTotal)
	prometheus.MustRegister(SessionRealizedPnL, RiskTriggers, CycleDuration, ActiveMarkets)
}
