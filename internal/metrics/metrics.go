// Package metrics holds the Prometheus collectors shared by the exchange
// components. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fracex"

var (
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_placed_total",
		Help:      "Orders accepted, by side and type.",
	}, []string{"side", "type"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_rejected_total",
		Help:      "Orders rejected at placement, by reason.",
	}, []string{"reason"})

	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_cancelled_total",
		Help:      "Orders cancelled, by origin (user or expiry).",
	}, []string{"origin"})

	TradesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_settled_total",
		Help:      "Trades settled.",
	})

	TradeNotional = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trade_notional_total",
		Help:      "Sum of settled trade amounts.",
	})

	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_failures_total",
		Help:      "Matched pairs whose settlement transaction failed.",
	})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_pass_duration_seconds",
		Help:      "Duration of one matching pass for an asset.",
		Buckets:   prometheus.DefBuckets,
	})

	MatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "match_queue_depth",
		Help:      "Assets waiting in the match queue.",
	})

	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_retries_total",
		Help:      "Ledger transactions retried after a serialization conflict.",
	})

	SimulatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "simulator_runs_total",
		Help:      "Daily market runs, by result.",
	}, []string{"result"})

	SimulatorAssetFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "simulator_asset_failures_total",
		Help:      "Assets whose daily price update failed.",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected live-feed clients.",
	})
)
