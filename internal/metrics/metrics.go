package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal tracks completed keeper cycles by result
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_cycles_total",
			Help: "Total number of keeper cycles",
		},
		[]string{"result"},
	)

	// CycleDuration tracks how long one cycle takes
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_cycle_duration_seconds",
			Help:    "Keeper cycle duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// CyclePhase exposes the orchestrator's current phase as a one-hot gauge
	CyclePhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_cycle_phase",
			Help: "1 for the phase the keeper is currently in",
		},
		[]string{"phase"},
	)

	// ChargeAttemptsTotal tracks charge decisions by outcome
	ChargeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_charge_attempts_total",
			Help: "Charge attempts by outcome",
		},
		[]string{"outcome"},
	)

	// FailuresTotal tracks recorded failures per kind
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_failures_total",
			Help: "Failures recorded in the backoff store",
		},
		[]string{"kind"},
	)

	// KnownSubscriptions tracks the discovered subscription count
	KnownSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_known_subscriptions",
			Help: "Number of discovered subscriptions",
		},
	)

	// RetryRecords tracks subscriptions currently backing off
	RetryRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_retry_records",
			Help: "Number of subscriptions with a retry record",
		},
	)

	// InFlightTxs tracks submitted transactions awaiting an outcome
	InFlightTxs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_in_flight_txs",
			Help: "Number of in-flight collect transactions",
		},
	)

	// ScannedBlock tracks the scan cursor
	ScannedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_last_scanned_block",
			Help: "Last block whose Subscribed logs were incorporated",
		},
	)

	// ChainLatestBlock tracks the latest block height of the chain
	ChainLatestBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_chain_latest_block",
			Help: "Latest block height reported by the RPC endpoint",
		},
	)

	// ScanLag tracks confirmed blocks not yet scanned
	ScanLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_scan_lag_blocks",
			Help: "Confirmed blocks behind the chain head after the last scan",
		},
	)

	// RPCCallsTotal tracks RPC calls per method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"method"},
	)

	// RPCErrorsTotal tracks RPC errors per method and class
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"method", "class"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)
