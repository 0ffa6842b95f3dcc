// Package metrics holds the Prometheus collectors of the trading core.
//
// Exposed series:
//   - tradecore_venue_requests_total{op,result}  venue calls by outcome kind
//   - tradecore_venue_request_seconds{op}        venue call latency
//   - tradecore_orders_total{side,type}          orders accepted by the venue
//   - tradecore_exits_total{reason}              exits by sell reason
//   - tradecore_timed_out_orders_total{side,action}
//   - tradecore_open_positions                   open positions after a pass
//   - tradecore_open_stake                       stake committed to open positions
//   - tradecore_wallet_free{currency}            free balance per currency
//   - tradecore_worker_state                     0 stopped, 1 running, 2 halted
//   - tradecore_pass_seconds                     duration of one worker pass
//   - tradecore_pass_errors_total{kind}          pass failures by error kind
//
// Collectors are registered in init() and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	VenueRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_venue_requests_total",
			Help: "Venue calls by operation and outcome",
		},
		[]string{"op", "result"},
	)

	VenueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradecore_venue_request_seconds",
			Help:    "Venue call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_orders_total",
			Help: "Orders accepted by the venue",
		},
		[]string{"side", "type"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_exits_total",
			Help: "Exits split by sell reason",
		},
		[]string{"reason"},
	)

	TimedOutOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_timed_out_orders_total",
			Help: "Unfilled orders handled by the timeout sweep",
		},
		[]string{"side", "action"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_open_positions",
			Help: "Open positions after the last pass",
		},
	)

	OpenStake = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_open_stake",
			Help: "Stake committed to open positions",
		},
	)

	WalletFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecore_wallet_free",
			Help: "Free balance per currency from the last wallet refresh",
		},
		[]string{"currency"},
	)

	WorkerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_worker_state",
			Help: "Worker state: 0 stopped, 1 running, 2 halted",
		},
	)

	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradecore_pass_seconds",
			Help:    "Duration of one worker pass",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	PassErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_pass_errors_total",
			Help: "Worker pass failures by error kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		VenueRequests,
		VenueLatency,
		Orders,
		Exits,
		TimedOutOrders,
		OpenPositions,
		OpenStake,
		WalletFree,
		WorkerState,
		PassDuration,
		PassErrors,
	)
}
