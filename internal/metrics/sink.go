package metrics

import (
	"github.com/tathienbao/order-ledger/internal/ledger"
)

// Sink is a ledger.AuditSink that counts fills and tracks the position
// gauges from each fill record.
type Sink struct{}

// NewSink creates a metrics audit sink.
func NewSink() *Sink {
	return &Sink{}
}

// RecordFill updates fill counters and position gauges.
func (s *Sink) RecordFill(rec ledger.FillRecord) {
	side := "buy"
	if rec.PosDelta.IsNegative() {
		side = "sell"
	}

	FillsTotal.WithLabelValues(rec.Name, rec.Ticker, side).Inc()
	FilledQuantity.WithLabelValues(rec.Name, rec.Ticker, side).Add(rec.PosDelta.Abs().InexactFloat64())

	Position.WithLabelValues(rec.Name, rec.Ticker).Set(rec.Pos.InexactFloat64())
	AvgPrice.WithLabelValues(rec.Name, rec.Ticker).Set(rec.AvgPrice.InexactFloat64())
	RealizedPnL.WithLabelValues(rec.Name, rec.Ticker).Set(rec.RealizedPnL.InexactFloat64())
	RealizedFee.WithLabelValues(rec.Name, rec.Ticker).Set(rec.RealizedFee.InexactFloat64())
	TotalPnL.WithLabelValues(rec.Name, rec.Ticker).Set(rec.TotalPnL.InexactFloat64())
}

var _ ledger.AuditSink = (*Sink)(nil)
