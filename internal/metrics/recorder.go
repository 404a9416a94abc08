package metrics

import (
	"time"

	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/types"
)

// Report results
const (
	ResultApplied   = "applied"
	ResultUnmatched = "unmatched"
	ResultRejected  = "rejected"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrder records an order request and its outcome.
func (r *Recorder) RecordOrder(ticker string, kind types.OrderKind, status string) {
	OrdersTotal.WithLabelValues(ticker, kind.String(), status).Inc()
}

// RecordReport records how an execution report was handled.
func (r *Recorder) RecordReport(ticker, result string) {
	ReportsTotal.WithLabelValues(ticker, result).Inc()
}

// RecordViolation records a fatal accounting fault.
func (r *Recorder) RecordViolation(inventory, kind string) {
	InvariantViolations.WithLabelValues(inventory, kind).Inc()
}

// RecordHalted records whether an inventory is halted.
func (r *Recorder) RecordHalted(inventory string, halted bool) {
	if halted {
		InventoryHalted.WithLabelValues(inventory).Set(1)
	} else {
		InventoryHalted.WithLabelValues(inventory).Set(0)
	}
}

// RecordSnapshot publishes an inventory snapshot.
func (r *Recorder) RecordSnapshot(s ledger.Snapshot) {
	Position.WithLabelValues(s.Name, s.Ticker).Set(s.Pos.InexactFloat64())
	AvgPrice.WithLabelValues(s.Name, s.Ticker).Set(s.Price.InexactFloat64())
	RealizedPnL.WithLabelValues(s.Name, s.Ticker).Set(s.RealizedPnL.InexactFloat64())
	RealizedFee.WithLabelValues(s.Name, s.Ticker).Set(s.RealizedFee.InexactFloat64())
	TotalPnL.WithLabelValues(s.Name, s.Ticker).Set(s.TotalPnL.InexactFloat64())
	OpenedQuantity.WithLabelValues(s.Name, s.Ticker, "buy").Set(s.OpenedBuy.InexactFloat64())
	OpenedQuantity.WithLabelValues(s.Name, s.Ticker, "sell").Set(s.OpenedSell.InexactFloat64())
}

// RecordReportLatency records report processing latency.
func (r *Recorder) RecordReportLatency(duration time.Duration) {
	ReportLatency.Observe(duration.Seconds())
}

// RecordAuditDuration records the duration of an audit pass.
func (r *Recorder) RecordAuditDuration(duration time.Duration) {
	AuditDuration.Observe(duration.Seconds())
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordBrokerStatus records broker connection status.
func (r *Recorder) RecordBrokerStatus(connected bool) {
	if connected {
		BrokerConnected.Set(1)
	} else {
		BrokerConnected.Set(0)
	}
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveReport observes the elapsed time as report latency.
func (t *Timer) ObserveReport() {
	ReportLatency.Observe(t.Elapsed().Seconds())
}

// ObserveAudit observes the elapsed time as audit duration.
func (t *Timer) ObserveAudit() {
	AuditDuration.Observe(t.Elapsed().Seconds())
}
