package ledger

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// FillRecord is the audit record emitted after every position change.
// TotalPnL always equals RealizedPnL - RealizedFee + UnrealizedPnL, with
// UnrealizedPnL marked at the fill price.
type FillRecord struct {
	UID           string // Empty when the position was changed directly
	Name          string
	Ticker        string
	PosDelta      decimal.Decimal
	Price         decimal.Decimal
	Pos           decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	RealizedFee   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TotalPnL      decimal.Decimal
	Timestamp     time.Time
}

// AuditSink receives fill records. RecordFill runs inside the inventory's
// mutation, so implementations must not call back into the inventory.
type AuditSink interface {
	RecordFill(rec FillRecord)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(rec FillRecord)

// RecordFill calls f(rec).
func (f AuditFunc) RecordFill(rec FillRecord) {
	f(rec)
}

// MultiSink fans a record out to several sinks in order.
type MultiSink []AuditSink

// RecordFill forwards rec to every non-nil sink.
func (m MultiSink) RecordFill(rec FillRecord) {
	for _, s := range m {
		if s != nil {
			s.RecordFill(rec)
		}
	}
}

// LogSink writes fill records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// RecordFill logs the fill, the resulting position and the PnL decomposition.
func (s *LogSink) RecordFill(rec FillRecord) {
	s.logger.Info("FIL",
		"uid", rec.UID,
		"name", rec.Name,
		"ticker", rec.Ticker,
		"pos_delta", rec.PosDelta,
		"price", rec.Price,
		"pos", rec.Pos,
		"avg_price", rec.AvgPrice,
		"pnl", rec.TotalPnL,
		"realized_pnl", rec.RealizedPnL,
		"realized_fee", rec.RealizedFee,
		"unrealized_pnl", rec.UnrealizedPnL,
	)
}

type discardSink struct{}

func (discardSink) RecordFill(FillRecord) {}
