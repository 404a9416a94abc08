// Package ledger tracks orders, fills, positions and PnL per instrument.
//
// The package is synchronous and lock-free. Mutations of one Inventory
// (and of the Orders it owns) must be serialized by the caller; see the
// dispatch package for the runtime that does this.
package ledger

import (
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/types"
)

// Order is a single order's identity, request parameters and fill state.
//
// Cancel and replace requests are Orders too. They carry the uid of their
// origin instead of a pointer to it, so the origin can be looked up in the
// owning Inventory (Inventory.Origin) for as long as the audit record lives.
type Order struct {
	side      types.Side
	otype     types.OrderType
	kind      types.OrderKind
	ticker    string
	qty       decimal.Decimal
	price     decimal.Decimal
	createdAt time.Time
	origin    string

	// Set by Acknowledge and the fill events.
	rawData     map[string]any
	uid         string
	filled      decimal.Decimal
	filledPrice decimal.Decimal
	opened      decimal.Decimal
}

// NewOrder creates a new order in the Created state.
func NewOrder(side types.Side, otype types.OrderType, ticker string, qty, price decimal.Decimal) *Order {
	return &Order{
		side:      side,
		otype:     otype,
		kind:      types.KindNew,
		ticker:    ticker,
		qty:       qty,
		price:     price,
		createdAt: time.Now(),
	}
}

// NewBuy creates a buy order.
func NewBuy(otype types.OrderType, ticker string, qty, price decimal.Decimal) *Order {
	return NewOrder(types.SideBuy, otype, ticker, qty, price)
}

// NewSell creates a sell order.
func NewSell(otype types.OrderType, ticker string, qty, price decimal.Decimal) *Order {
	return NewOrder(types.SideSell, otype, ticker, qty, price)
}

// NewCancel creates a cancel request for an acknowledged origin order.
// It carries price 0 and the origin's quantity.
func NewCancel(origin *Order, otype types.OrderType) (*Order, error) {
	if origin.uid == "" {
		return nil, fmt.Errorf("cancel: %w", types.ErrNotAcknowledged)
	}
	o := NewOrder(origin.side, otype, origin.ticker, origin.qty, decimal.Zero)
	o.kind = types.KindCancel
	o.origin = origin.uid
	return o, nil
}

// NewReplace creates a replace request moving an acknowledged origin order
// to a new price. It carries the origin's quantity.
func NewReplace(origin *Order, otype types.OrderType, price decimal.Decimal) (*Order, error) {
	if origin.uid == "" {
		return nil, fmt.Errorf("replace: %w", types.ErrNotAcknowledged)
	}
	o := NewOrder(origin.side, otype, origin.ticker, origin.qty, price)
	o.kind = types.KindReplace
	o.origin = origin.uid
	return o, nil
}

// Side returns the order direction.
func (o *Order) Side() types.Side { return o.side }

// Type returns how the order is priced.
func (o *Order) Type() types.OrderType { return o.otype }

// Kind tells a new order from a cancel or replace request.
func (o *Order) Kind() types.OrderKind { return o.kind }

// Ticker returns the traded instrument.
func (o *Order) Ticker() string { return o.ticker }

// Qty returns the original order quantity.
func (o *Order) Qty() decimal.Decimal { return o.qty }

// Price returns the original limit price, 0 for cancels.
func (o *Order) Price() decimal.Decimal { return o.price }

// CreatedAt returns when the order was constructed.
func (o *Order) CreatedAt() time.Time { return o.createdAt }

// Origin returns the uid of the order a cancel or replace acts on, empty
// for new orders.
func (o *Order) Origin() string { return o.origin }

// UID returns the venue order id, empty until acknowledged.
func (o *Order) UID() string { return o.uid }

// Filled returns the cumulative filled quantity.
func (o *Order) Filled() decimal.Decimal { return o.filled }

// Opened returns the quantity still open at the venue.
func (o *Order) Opened() decimal.Decimal { return o.opened }

// IsAcknowledged reports whether the venue has assigned a uid.
func (o *Order) IsAcknowledged() bool { return o.uid != "" }

// FilledPrice returns the volume-weighted fill price, 0 when nothing filled.
func (o *Order) FilledPrice() decimal.Decimal {
	if o.filled.IsZero() {
		return decimal.Zero
	}
	return o.filledPrice
}

// RawData returns a copy of the broker acknowledgment payload.
func (o *Order) RawData() map[string]any {
	return maps.Clone(o.rawData)
}

// RawValue returns a single field of the acknowledgment payload.
func (o *Order) RawValue(key string) (any, bool) {
	v, ok := o.rawData[key]
	return v, ok
}

// State derives the lifecycle state from the order's fields.
func (o *Order) State() types.OrderState {
	switch {
	case o.uid == "":
		return types.OrderStateCreated
	case o.opened.IsZero():
		return types.OrderStateExhausted
	case o.filled.IsPositive():
		return types.OrderStatePartialFill
	default:
		return types.OrderStateAcknowledged
	}
}

// Acknowledge moves the order from Created to Acknowledged. It is called
// once, after the broker accepted the request. opened is the requested
// quantity for new and replace orders and 0 for cancels.
func (o *Order) Acknowledge(rawData map[string]any, uid string, opened decimal.Decimal) error {
	if o.uid != "" {
		return fmt.Errorf("%w: uid %s, got %s", types.ErrAlreadyAcknowledged, o.uid, uid)
	}
	if uid == "" {
		return fmt.Errorf("%w: empty uid", types.ErrInvalidAck)
	}
	if opened.IsNegative() {
		return fmt.Errorf("%w: opened %s", types.ErrInvalidAck, opened)
	}

	o.rawData = maps.Clone(rawData)
	o.uid = uid
	o.opened = opened
	return nil
}

// FilledEvent applies an incremental fill. When opened is not Valid it
// defaults to filled. filled and opened are independent: a venue may drop
// more open quantity than it filled (an IOC remainder), so they are not
// required to match. Nothing is mutated when a bound is violated.
func (o *Order) FilledEvent(filled, filledPrice decimal.Decimal, opened decimal.NullDecimal) error {
	if filled.IsNegative() || filled.GreaterThan(o.opened) {
		return fmt.Errorf("%w: filled %s, opened %s", types.ErrFillOutOfBounds, filled, o.opened)
	}
	reduce := filled
	if opened.Valid {
		reduce = opened.Decimal
	}
	if reduce.IsNegative() || reduce.GreaterThan(o.opened) {
		return fmt.Errorf("%w: reduce %s, opened %s", types.ErrFillOutOfBounds, reduce, o.opened)
	}

	if filled.IsPositive() {
		total := o.filled.Add(filled)
		o.filledPrice = o.filled.Mul(o.filledPrice).
			Add(filled.Mul(filledPrice)).
			Div(total)
		o.filled = total
	}
	if reduce.IsPositive() {
		o.opened = o.opened.Sub(reduce)
	}
	return nil
}

// FilledTotal reconciles a cumulative report (total filled, average price of
// everything filled so far, quantity still open) against the order. It
// returns the deltas it applied: the incremental fill, its back-solved
// price, and the reduction of open quantity.
func (o *Order) FilledTotal(totalFilled, totalFilledPrice, totalOpened decimal.Decimal) (filled, filledPrice, opened decimal.Decimal, err error) {
	if totalFilled.LessThan(o.filled) {
		return decimal.Zero, decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: total filled %s < filled %s", types.ErrNonMonotonicReport, totalFilled, o.filled)
	}
	if o.opened.LessThan(totalOpened) {
		return decimal.Zero, decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: total opened %s > opened %s", types.ErrNonMonotonicReport, totalOpened, o.opened)
	}

	filled = totalFilled.Sub(o.filled)
	filledPrice = decimal.Zero
	if filled.IsPositive() {
		filledPrice = totalFilled.Mul(totalFilledPrice).
			Sub(o.filled.Mul(o.filledPrice)).
			Div(filled)
	}
	opened = o.opened.Sub(totalOpened)

	if err := o.FilledEvent(filled, filledPrice, decimal.NewNullDecimal(opened)); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return filled, filledPrice, opened, nil
}
