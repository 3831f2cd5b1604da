package execution

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the trading-path instruments. The engine owns the gauges;
// the pipeline drives the intent counters.
type Metrics struct {
	IntentsReceived prometheus.Counter
	IntentsApproved prometheus.Counter
	Rejections      *prometheus.CounterVec
	OrdersPlaced    prometheus.Counter
	CycleDuration   prometheus.Histogram
	OpenPositions   prometheus.Gauge
	Equity          prometheus.Gauge
	PortfolioHeat   prometheus.Gauge
}

// NewMetrics registers the instrument set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IntentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_intents_received_total",
			Help: "Trade intents entering the validation pipeline.",
		}),
		IntentsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_intents_approved_total",
			Help: "Trade intents approved by all pipeline stages.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_intent_rejections_total",
			Help: "Trade intents rejected, by stage and reason.",
		}, []string{"stage", "reason"}),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Orders accepted by the broker.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Wall time of one trading cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Currently open positions.",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_equity",
			Help: "Account equity marked to the last known prices.",
		}),
		PortfolioHeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_portfolio_heat",
			Help: "Sum of per-position risk to stop over equity.",
		}),
	}
	reg.MustRegister(m.IntentsReceived, m.IntentsApproved, m.Rejections,
		m.OrdersPlaced, m.CycleDuration, m.OpenPositions, m.Equity, m.PortfolioHeat)
	return m
}
