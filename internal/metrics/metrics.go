// Package metrics exposes ledger state and processing counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger"

// Order flow
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders sent to the venue by ticker, kind and outcome",
	}, []string{"ticker", "kind", "status"})

	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_total",
		Help:      "Execution reports by ticker and result (applied, unmatched, rejected)",
	}, []string{"ticker", "result"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_total",
		Help:      "Position changes applied to inventories",
	}, []string{"inventory", "ticker", "side"})

	FilledQuantity = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "filled_quantity_total",
		Help:      "Absolute quantity filled",
	}, []string{"inventory", "ticker", "side"})
)

// Ledger state
var (
	Position = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "position",
		Help:      "Signed position",
	}, []string{"inventory", "ticker"})

	AvgPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "avg_price",
		Help:      "Volume-weighted entry price of the open position",
	}, []string{"inventory", "ticker"})

	RealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realized_pnl",
		Help:      "Realized PnL before fees",
	}, []string{"inventory", "ticker"})

	RealizedFee = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realized_fee",
		Help:      "Fees charged",
	}, []string{"inventory", "ticker"})

	TotalPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "total_pnl",
		Help:      "Realized PnL net of fees plus unrealized PnL at the last mark",
	}, []string{"inventory", "ticker"})

	OpenedQuantity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "opened_quantity",
		Help:      "Aggregate open order quantity per side",
	}, []string{"inventory", "ticker", "side"})
)

// Integrity
var (
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invariant_violations_total",
		Help:      "Fatal accounting faults by inventory and kind",
	}, []string{"inventory", "kind"})

	InventoryHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inventory_halted",
		Help:      "1 if the inventory stopped accepting mutations",
	}, []string{"inventory"})

	AuditDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "audit_duration_seconds",
		Help:      "Time spent recomputing ledgers in the periodic audit",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)

// Latency
var (
	ReportLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "report_latency_seconds",
		Help:      "Time to route and apply one execution report",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	})
)

// System
var (
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last audit pass",
	})

	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 if the venue connection is up",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Non-fatal errors by type",
	}, []string{"type"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information",
	}, []string{"version", "commit", "build_date"})
)

// SetBuildInfo publishes the build labels.
func SetBuildInfo(version, commit, buildDate string) {
	BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
