package alerting

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/ledger"
)

// SessionSummary is the final ledger state of a session.
type SessionSummary struct {
	Started     time.Time
	Ended       time.Time
	Inventories []ledger.Snapshot
	Halted      []string
	Applied     int
	Unmatched   int

	RealizedPnL decimal.Decimal
	RealizedFee decimal.Decimal
	TotalPnL    decimal.Decimal
	OpenOrders  decimal.Decimal // Sum of open buy and sell quantity
}

// NewSessionSummary totals the snapshots of every inventory.
func NewSessionSummary(started, ended time.Time, snaps []ledger.Snapshot, halted []string, applied, unmatched int) SessionSummary {
	s := SessionSummary{
		Started:     started,
		Ended:       ended,
		Inventories: slices.Clone(snaps),
		Halted:      slices.Clone(halted),
		Applied:     applied,
		Unmatched:   unmatched,
	}
	slices.SortFunc(s.Inventories, func(a, b ledger.Snapshot) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.Sort(s.Halted)

	for _, snap := range s.Inventories {
		s.RealizedPnL = s.RealizedPnL.Add(snap.RealizedPnL)
		s.RealizedFee = s.RealizedFee.Add(snap.RealizedFee)
		s.TotalPnL = s.TotalPnL.Add(snap.TotalPnL)
		s.OpenOrders = s.OpenOrders.Add(snap.OpenedBuy).Add(snap.OpenedSell)
	}
	return s
}

// Duration returns how long the session ran.
func (s SessionSummary) Duration() time.Duration {
	return s.Ended.Sub(s.Started)
}

// Fields returns the totals as alert fields.
func (s SessionSummary) Fields() []any {
	fields := []any{
		"inventories", len(s.Inventories),
		"reports_applied", s.Applied,
		"reports_unmatched", s.Unmatched,
		"realized_pnl", s.RealizedPnL.StringFixed(2),
		"fees", s.RealizedFee.StringFixed(2),
		"total_pnl", s.TotalPnL.StringFixed(2),
	}
	if len(s.Halted) > 0 {
		fields = append(fields, "halted", strings.Join(s.Halted, ","))
	}
	return fields
}

// Format renders the summary as plain text, one inventory per line.
func (s SessionSummary) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session %s (%s)\n", s.Started.Format("2006-01-02 15:04:05"), s.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "Reports: %d applied, %d unmatched\n", s.Applied, s.Unmatched)
	for _, snap := range s.Inventories {
		fmt.Fprintf(&b, "%-12s %-8s pos %s @ %s  realized %s  fee %s  total %s (mark %s)\n",
			snap.Name,
			snap.Ticker,
			snap.Pos.String(),
			snap.Price.StringFixed(4),
			snap.RealizedPnL.StringFixed(2),
			snap.RealizedFee.StringFixed(2),
			snap.TotalPnL.StringFixed(2),
			snap.Mark.String(),
		)
	}
	fmt.Fprintf(&b, "Total PnL: %s (realized %s, fees %s)",
		s.TotalPnL.StringFixed(2),
		s.RealizedPnL.StringFixed(2),
		s.RealizedFee.StringFixed(2),
	)
	if len(s.Halted) > 0 {
		fmt.Fprintf(&b, "\nHALTED: %s", strings.Join(s.Halted, ", "))
	}
	return b.String()
}
