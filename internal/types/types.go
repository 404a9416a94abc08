// Package types defines shared types used across the ledger.
package types

import (
	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells, the multiplier that turns
// a filled quantity into a signed position delta.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ParseSide parses a venue side: "BUY", "buy" or "B" and "SELL", "sell" or "S".
// Mixed case such as "Buy" is rejected.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY", "buy", "B":
		return SideBuy, true
	case "SELL", "sell", "S":
		return SideSell, true
	default:
		return SideBuy, false
	}
}

// OrderType represents how an order is priced.
type OrderType int

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderType parses "LIMIT", "limit" or "LMT" and "MARKET", "market" or "MKT".
func ParseOrderType(s string) (OrderType, bool) {
	switch s {
	case "LIMIT", "limit", "LMT":
		return OrderTypeLimit, true
	case "MARKET", "market", "MKT":
		return OrderTypeMarket, true
	default:
		return OrderTypeLimit, false
	}
}

// OrderKind distinguishes a fresh order from the derived cancel/replace
// requests that point back at an origin order.
type OrderKind int

const (
	KindNew OrderKind = iota
	KindCancel
	KindReplace
)

func (k OrderKind) String() string {
	switch k {
	case KindNew:
		return "NEW"
	case KindCancel:
		return "CANCEL"
	case KindReplace:
		return "REPLACE"
	default:
		return "UNKNOWN"
	}
}

// OrderState represents where an order is in its lifecycle.
type OrderState int

const (
	OrderStateCreated OrderState = iota
	OrderStateAcknowledged
	OrderStatePartialFill
	OrderStateExhausted
)

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "CREATED"
	case OrderStateAcknowledged:
		return "ACKNOWLEDGED"
	case OrderStatePartialFill:
		return "PARTIAL_FILL"
	case OrderStateExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order can no longer change.
func (s OrderState) IsFinal() bool {
	return s == OrderStateExhausted
}

// InstrumentSpec defines the accounting parameters of a traded instrument.
type InstrumentSpec struct {
	Ticker   string
	TickSize decimal.Decimal // Minimum price increment
	Unit     decimal.Decimal // Contract multiplier
	Fee      decimal.Decimal // Fixed fee per unit traded
	FeeRate  decimal.Decimal // Proportional fee on notional
}

// Common instrument specifications.
var (
	InstrumentMES = InstrumentSpec{
		Ticker:   "MES",
		TickSize: decimal.RequireFromString("0.25"),
		Unit:     decimal.RequireFromString("5"),
		Fee:      decimal.RequireFromString("0.62"),
		FeeRate:  decimal.Zero,
	}

	InstrumentMGC = InstrumentSpec{
		Ticker:   "MGC",
		TickSize: decimal.RequireFromString("0.10"),
		Unit:     decimal.RequireFromString("10"),
		Fee:      decimal.RequireFromString("0.62"),
		FeeRate:  decimal.Zero,
	}

	InstrumentBTCUSDT = InstrumentSpec{
		Ticker:   "BTCUSDT",
		TickSize: decimal.RequireFromString("0.01"),
		Unit:     decimal.RequireFromString("1"),
		Fee:      decimal.Zero,
		FeeRate:  decimal.RequireFromString("0.001"),
	}

	// Samsung Electronics on KRX.
	InstrumentKRX005930 = InstrumentSpec{
		Ticker:   "005930",
		TickSize: decimal.RequireFromString("100"),
		Unit:     decimal.RequireFromString("1"),
		Fee:      decimal.Zero,
		FeeRate:  decimal.RequireFromString("0.00015"),
	}
)

// GetInstrumentSpec returns the specification for a ticker.
func GetInstrumentSpec(ticker string) (InstrumentSpec, bool) {
	switch ticker {
	case "MES":
		return InstrumentMES, true
	case "MGC":
		return InstrumentMGC, true
	case "BTCUSDT":
		return InstrumentBTCUSDT, true
	case "005930":
		return InstrumentKRX005930, true
	default:
		return InstrumentSpec{}, false
	}
}
