package ledger

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/types"
)

// Config identifies an inventory and holds the instrument's accounting
// parameters.
type Config struct {
	Name     string          // Logical book label, e.g. the strategy name
	Ticker   string
	TickSize decimal.Decimal // > 0
	Unit     decimal.Decimal // Contract multiplier, > 0
	Fee      decimal.Decimal // Fixed fee per unit traded, >= 0
	FeeRate  decimal.Decimal // Fee rate on notional, >= 0
}

// ConfigFromSpec builds an inventory config from an instrument spec.
func ConfigFromSpec(name string, spec types.InstrumentSpec) Config {
	return Config{
		Name:     name,
		Ticker:   spec.Ticker,
		TickSize: spec.TickSize,
		Unit:     spec.Unit,
		Fee:      spec.Fee,
		FeeRate:  spec.FeeRate,
	}
}

// Validate checks the accounting parameters.
func (c Config) Validate() error {
	var errs []string

	if c.Ticker == "" {
		errs = append(errs, "ticker is required")
	}
	if !c.TickSize.IsPositive() {
		errs = append(errs, "tick size must be positive")
	}
	if !c.Unit.IsPositive() {
		errs = append(errs, "unit must be positive")
	}
	if c.Fee.IsNegative() {
		errs = append(errs, "fee must not be negative")
	}
	if c.FeeRate.IsNegative() {
		errs = append(errs, "fee rate must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Inventory is the per-instrument ledger. It owns the orders registered
// with it, aggregates their open quantity per side, and accumulates the
// signed position, its average entry price and realized PnL and fees.
//
// After every mutation:
//
//	pos        == sum(filled of buys) - sum(filled of sells)
//	openedBuy  == sum(opened of buys)
//	openedSell == sum(opened of sells)
//
// Not safe for concurrent use.
type Inventory struct {
	cfg  Config
	sink AuditSink
	now  func() time.Time

	orders      map[string]*Order
	realizedPnL decimal.Decimal
	realizedFee decimal.Decimal
	pos         decimal.Decimal
	price       decimal.Decimal
	openedBuy   decimal.Decimal
	openedSell  decimal.Decimal
	timestamp   time.Time
}

// NewInventory creates an empty inventory. A nil sink discards audit records.
func NewInventory(cfg Config, sink AuditSink) (*Inventory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = discardSink{}
	}

	return &Inventory{
		cfg:       cfg,
		sink:      sink,
		now:       time.Now,
		orders:    make(map[string]*Order),
		timestamp: time.Now(),
	}, nil
}

// Name returns the inventory name.
func (inv *Inventory) Name() string { return inv.cfg.Name }

// Ticker returns the instrument this inventory trades.
func (inv *Inventory) Ticker() string { return inv.cfg.Ticker }

// TickSize returns the minimum price increment.
func (inv *Inventory) TickSize() decimal.Decimal { return inv.cfg.TickSize }

// Unit returns the contract multiplier applied to PnL and fees.
func (inv *Inventory) Unit() decimal.Decimal { return inv.cfg.Unit }

// Config returns the accounting parameters.
func (inv *Inventory) Config() Config { return inv.cfg }

// Pos returns the signed position, positive when long.
func (inv *Inventory) Pos() decimal.Decimal { return inv.pos }

// Price returns the volume-weighted entry price of the position.
func (inv *Inventory) Price() decimal.Decimal { return inv.price }

// RealizedPnL returns PnL locked in by reductions and reversals.
func (inv *Inventory) RealizedPnL() decimal.Decimal { return inv.realizedPnL }

// RealizedFee returns the fees charged on every fill so far.
func (inv *Inventory) RealizedFee() decimal.Decimal { return inv.realizedFee }

// OpenedBuy returns the open quantity across buy orders.
func (inv *Inventory) OpenedBuy() decimal.Decimal { return inv.openedBuy }

// OpenedSell returns the open quantity across sell orders.
func (inv *Inventory) OpenedSell() decimal.Decimal { return inv.openedSell }

// Timestamp returns the time of the last position change.
func (inv *Inventory) Timestamp() time.Time { return inv.timestamp }

// Len returns the number of registered orders.
func (inv *Inventory) Len() int { return len(inv.orders) }

// Order returns the registered order with the given uid.
func (inv *Inventory) Order(uid string) (*Order, bool) {
	o, ok := inv.orders[uid]
	return o, ok
}

// Origin resolves the origin of a cancel or replace order.
func (inv *Inventory) Origin(o *Order) (*Order, bool) {
	if o.origin == "" {
		return nil, false
	}
	return inv.Order(o.origin)
}

// Orders returns a copy of the order index.
func (inv *Inventory) Orders() map[string]*Order {
	return maps.Clone(inv.orders)
}

// BidAdjust rounds price down to the tick grid.
func (inv *Inventory) BidAdjust(price decimal.Decimal) decimal.Decimal {
	return price.Div(inv.cfg.TickSize).Floor().Mul(inv.cfg.TickSize)
}

// AskAdjust rounds price up to the tick grid.
func (inv *Inventory) AskAdjust(price decimal.Decimal) decimal.Decimal {
	return price.Div(inv.cfg.TickSize).Ceil().Mul(inv.cfg.TickSize)
}

// BidMin returns the lower of bid and price rounded down to a tick.
func (inv *Inventory) BidMin(bid, price decimal.Decimal) decimal.Decimal {
	return decimal.Min(bid, inv.BidAdjust(price))
}

// AskMax returns the higher of ask and price rounded up to a tick.
func (inv *Inventory) AskMax(ask, price decimal.Decimal) decimal.Decimal {
	return decimal.Max(ask, inv.AskAdjust(price))
}

// UnrealizedPnL marks the open position at price.
func (inv *Inventory) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(inv.price).Mul(inv.pos).Mul(inv.cfg.Unit)
}

// TotalPnL is realized PnL net of fees plus the position marked at price.
func (inv *Inventory) TotalPnL(price decimal.Decimal) decimal.Decimal {
	return inv.realizedPnL.Sub(inv.realizedFee).Add(inv.UnrealizedPnL(price))
}

// AddOrder registers an acknowledged order and adds its open quantity to
// the aggregate of its side.
func (inv *Inventory) AddOrder(o *Order) error {
	if o.ticker != inv.cfg.Ticker {
		return fmt.Errorf("%w: inventory %s, order %s", types.ErrTickerMismatch, inv.cfg.Ticker, o.ticker)
	}
	if o.uid == "" {
		return fmt.Errorf("add order: %w", types.ErrNotAcknowledged)
	}
	if _, ok := inv.orders[o.uid]; ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicateUID, o.uid)
	}

	inv.orders[o.uid] = o
	switch o.side {
	case types.SideBuy:
		inv.openedBuy = inv.openedBuy.Add(o.opened)
	case types.SideSell:
		inv.openedSell = inv.openedSell.Add(o.opened)
	}
	return nil
}

// FilledPosition applies a signed position change at price, realizing PnL
// on any reduced or reversed quantity and charging fees on all of it.
func (inv *Inventory) FilledPosition(posDelta, price decimal.Decimal) {
	inv.applyPosition("", posDelta, price)
}

func (inv *Inventory) applyPosition(uid string, posDelta, price decimal.Decimal) {
	unit := inv.cfg.Unit

	switch {
	case inv.pos.Sign()*posDelta.Sign() > 0:
		// Adding in the same direction blends the entry price.
		pos := inv.pos.Add(posDelta)
		inv.price = inv.price.Mul(inv.pos).Add(price.Mul(posDelta)).Div(pos)
		inv.pos = pos
	case posDelta.Abs().LessThanOrEqual(inv.pos.Abs()):
		inv.realizedPnL = inv.realizedPnL.Add(inv.price.Sub(price).Mul(posDelta).Mul(unit))
		inv.pos = inv.pos.Add(posDelta)
	default:
		// Reversal: close the whole position, open the rest at price.
		inv.realizedPnL = inv.realizedPnL.Add(price.Sub(inv.price).Mul(inv.pos).Mul(unit))
		inv.price = price
		inv.pos = inv.pos.Add(posDelta)
	}

	fee := inv.cfg.Fee.Add(price.Mul(unit).Mul(inv.cfg.FeeRate))
	inv.realizedFee = inv.realizedFee.Add(fee.Mul(posDelta.Abs()))
	inv.timestamp = inv.now()

	unrealized := inv.UnrealizedPnL(price)
	inv.sink.RecordFill(FillRecord{
		UID:           uid,
		Name:          inv.cfg.Name,
		Ticker:        inv.cfg.Ticker,
		PosDelta:      posDelta,
		Price:         price,
		Pos:           inv.pos,
		AvgPrice:      inv.price,
		RealizedPnL:   inv.realizedPnL,
		RealizedFee:   inv.realizedFee,
		UnrealizedPnL: unrealized,
		TotalPnL:      inv.realizedPnL.Sub(inv.realizedFee).Add(unrealized),
		Timestamp:     inv.timestamp,
	})
}

// FilledTotal applies a cumulative execution report to a registered order
// and moves the position by whatever quantity newly filled.
func (inv *Inventory) FilledTotal(o *Order, totalFilled, totalFilledPrice, totalOpened decimal.Decimal) error {
	if registered, ok := inv.orders[o.uid]; !ok || registered != o {
		return fmt.Errorf("%w: %q in %s/%s", types.ErrUnknownOrder, o.uid, inv.cfg.Name, inv.cfg.Ticker)
	}

	filled, filledPrice, opened, err := o.FilledTotal(totalFilled, totalFilledPrice, totalOpened)
	if err != nil {
		return fmt.Errorf("order %s: %w", o.uid, err)
	}

	switch o.side {
	case types.SideBuy:
		inv.openedBuy = inv.openedBuy.Sub(opened)
	case types.SideSell:
		inv.openedSell = inv.openedSell.Sub(opened)
	}

	posDelta := filled.Mul(o.side.Sign())
	if !posDelta.IsZero() {
		inv.applyPosition(o.uid, posDelta, filledPrice)
	}
	return nil
}

// CheckValidity recomputes position and open quantities from every order
// and compares them with the incrementally maintained ledger. It walks all
// orders and belongs off the per-report path.
func (inv *Inventory) CheckValidity() error {
	var filledBuy, filledSell, openedBuy, openedSell decimal.Decimal
	for _, o := range inv.orders {
		switch o.side {
		case types.SideBuy:
			filledBuy = filledBuy.Add(o.filled)
			openedBuy = openedBuy.Add(o.opened)
		case types.SideSell:
			filledSell = filledSell.Add(o.filled)
			openedSell = openedSell.Add(o.opened)
		}
	}

	if pos := filledBuy.Sub(filledSell); !inv.pos.Equal(pos) {
		return fmt.Errorf("%w: pos %s, filled buy %s, filled sell %s", types.ErrLedgerDrift, inv.pos, filledBuy, filledSell)
	}
	if !inv.openedBuy.Equal(openedBuy) {
		return fmt.Errorf("%w: opened buy %s, orders %s", types.ErrLedgerDrift, inv.openedBuy, openedBuy)
	}
	if !inv.openedSell.Equal(openedSell) {
		return fmt.Errorf("%w: opened sell %s, orders %s", types.ErrLedgerDrift, inv.openedSell, openedSell)
	}
	return nil
}

// Snapshot is a point-in-time copy of an inventory's ledger.
type Snapshot struct {
	Name          string
	Ticker        string
	Pos           decimal.Decimal
	Price         decimal.Decimal
	RealizedPnL   decimal.Decimal
	RealizedFee   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TotalPnL      decimal.Decimal
	OpenedBuy     decimal.Decimal
	OpenedSell    decimal.Decimal
	Orders        int
	Mark          decimal.Decimal
	Timestamp     time.Time
}

// Snapshot copies the ledger, marking the position at mark.
func (inv *Inventory) Snapshot(mark decimal.Decimal) Snapshot {
	return Snapshot{
		Name:          inv.cfg.Name,
		Ticker:        inv.cfg.Ticker,
		Pos:           inv.pos,
		Price:         inv.price,
		RealizedPnL:   inv.realizedPnL,
		RealizedFee:   inv.realizedFee,
		UnrealizedPnL: inv.UnrealizedPnL(mark),
		TotalPnL:      inv.TotalPnL(mark),
		OpenedBuy:     inv.openedBuy,
		OpenedSell:    inv.openedSell,
		Orders:        len(inv.orders),
		Mark:          mark,
		Timestamp:     inv.timestamp,
	}
}
