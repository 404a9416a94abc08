// Package paper provides a simulated venue for paper trading and replay.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/broker"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/types"
	"golang.org/x/time/rate"
)

// Config holds paper venue configuration.
type Config struct {
	SlippageTicks      int // Applied to market order fills
	MaxOrdersPerSecond int
	ReportBuffer       int
}

// DefaultConfig returns default paper venue config.
func DefaultConfig() Config {
	return Config{
		SlippageTicks:      1,
		MaxOrdersPerSecond: 50,
		ReportBuffer:       1024,
	}
}

// RestingOrder is the venue-side view of an order.
type RestingOrder struct {
	ID       string
	Ticker   string
	Side     types.Side
	Type     types.OrderType
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Filled   decimal.Decimal
	Opened   decimal.Decimal
	notional decimal.Decimal
}

// AvgPrice returns the average fill price, 0 when nothing filled.
func (r *RestingOrder) AvgPrice() decimal.Decimal {
	if r.Filled.IsZero() {
		return decimal.Zero
	}
	return r.notional.Div(r.Filled)
}

func (r *RestingOrder) fill(qty, price decimal.Decimal) {
	r.Filled = r.Filled.Add(qty)
	r.notional = r.notional.Add(qty.Mul(price))
	r.Opened = r.Opened.Sub(qty)
}

func (r *RestingOrder) report(now time.Time) broker.ExecutionReport {
	return broker.ExecutionReport{
		UID:              r.ID,
		Ticker:           r.Ticker,
		TotalFilled:      r.Filled,
		TotalFilledPrice: r.AvgPrice(),
		TotalOpened:      r.Opened,
		Timestamp:        now,
	}
}

// Broker implements broker.Broker against an in-memory order book. Fills
// happen only when SimulateTrade is called.
type Broker struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	// State
	state atomic.Int32

	// Orders
	ordersMu sync.Mutex
	orders   map[string]*RestingOrder
	queue    []*RestingOrder // Insertion order, for deterministic matching

	// Reports
	sendMu  sync.RWMutex
	reports chan broker.ExecutionReport

	// Shutdown
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

// NewBroker creates a new paper venue.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxOrdersPerSecond <= 0 {
		cfg.MaxOrdersPerSecond = DefaultConfig().MaxOrdersPerSecond
	}
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = DefaultConfig().ReportBuffer
	}

	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxOrdersPerSecond), cfg.MaxOrdersPerSecond),
		orders:  make(map[string]*RestingOrder),
		reports: make(chan broker.ExecutionReport, cfg.ReportBuffer),
		done:    make(chan struct{}),
	}
	b.state.Store(int32(broker.StateDisconnected))

	return b
}

// Connect simulates connecting to the venue.
func (b *Broker) Connect(ctx context.Context) error {
	b.state.Store(int32(broker.StateConnected))
	b.logger.Info("paper broker connected")
	return nil
}

// Disconnect stops accepting requests. Pending report sends are abandoned.
func (b *Broker) Disconnect() error {
	b.state.Store(int32(broker.StateDisconnected))
	b.doneOnce.Do(func() { close(b.done) })
	b.logger.Info("paper broker disconnected")
	return nil
}

// State returns connection state.
func (b *Broker) State() broker.ConnectionState {
	return broker.ConnectionState(b.state.Load())
}

// IsConnected returns true if connected.
func (b *Broker) IsConnected() bool {
	return b.State() == broker.StateConnected
}

// Reports returns the execution report stream.
func (b *Broker) Reports() <-chan broker.ExecutionReport {
	return b.reports
}

func (b *Broker) admit(ctx context.Context) error {
	if !b.IsConnected() {
		return broker.ErrNotConnected
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrRateLimited, err)
	}
	return nil
}

func rawData(r *RestingOrder) map[string]any {
	return map[string]any{
		"orderId": r.ID,
		"symbol":  r.Ticker,
		"side":    r.Side.String(),
		"type":    r.Type.String(),
		"price":   r.Price.String(),
		"origQty": r.Qty.String(),
	}
}

// SubmitOrder rests a new order. Market orders fill against the next
// trade on their ticker.
func (b *Broker) SubmitOrder(ctx context.Context, o *ledger.Order) (broker.Ack, error) {
	if err := b.admit(ctx); err != nil {
		return broker.Ack{}, err
	}
	if o.Kind() != types.KindNew {
		return broker.Ack{}, fmt.Errorf("%w: submit got %s order", broker.ErrOrderRejected, o.Kind())
	}
	if !o.Qty().IsPositive() {
		return broker.Ack{}, fmt.Errorf("%w: qty %s", broker.ErrOrderRejected, o.Qty())
	}
	if o.Type() == types.OrderTypeLimit && !o.Price().IsPositive() {
		return broker.Ack{}, fmt.Errorf("%w: limit price %s", broker.ErrOrderRejected, o.Price())
	}

	r := &RestingOrder{
		ID:     uuid.NewString(),
		Ticker: o.Ticker(),
		Side:   o.Side(),
		Type:   o.Type(),
		Price:  o.Price(),
		Qty:    o.Qty(),
		Opened: o.Qty(),
	}
	b.rest(r)

	b.logger.Info("paper order accepted",
		"order_id", r.ID,
		"ticker", r.Ticker,
		"side", r.Side,
		"type", r.Type,
		"qty", r.Qty,
		"price", r.Price,
	)

	return broker.Ack{RawData: rawData(r), UID: r.ID, Opened: r.Qty}, nil
}

func (b *Broker) rest(r *RestingOrder) {
	b.ordersMu.Lock()
	b.orders[r.ID] = r
	b.queue = append(b.queue, r)
	b.ordersMu.Unlock()
}

// originID resolves the venue id of an acknowledged origin order.
func originID(origin *ledger.Order) (string, error) {
	v, ok := origin.RawValue("orderId")
	if !ok {
		return "", fmt.Errorf("%w: origin %s has no orderId", broker.ErrUnknownOrder, origin.UID())
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: origin %s orderId %v", broker.ErrUnknownOrder, origin.UID(), v)
	}
	return id, nil
}

// pull removes the open remainder of an order and returns its final report.
func (b *Broker) pull(id string) (*RestingOrder, broker.ExecutionReport, error) {
	b.ordersMu.Lock()
	defer b.ordersMu.Unlock()

	r, ok := b.orders[id]
	if !ok {
		return nil, broker.ExecutionReport{}, fmt.Errorf("%w: %s", broker.ErrUnknownOrder, id)
	}
	if r.Opened.IsZero() {
		return nil, broker.ExecutionReport{}, fmt.Errorf("%w: %s has nothing open", broker.ErrOrderRejected, id)
	}
	r.Opened = decimal.Zero
	return r, r.report(time.Now()), nil
}

// CancelOrder cancels the open remainder of origin. The cancel itself is
// acknowledged with nothing open; the origin gets a final report.
func (b *Broker) CancelOrder(ctx context.Context, cancel, origin *ledger.Order) (broker.Ack, error) {
	if err := b.admit(ctx); err != nil {
		return broker.Ack{}, err
	}
	id, err := originID(origin)
	if err != nil {
		return broker.Ack{}, err
	}

	r, rep, err := b.pull(id)
	if err != nil {
		return broker.Ack{}, err
	}
	if err := b.emit(ctx, rep); err != nil {
		return broker.Ack{}, err
	}

	b.logger.Info("paper order canceled",
		"order_id", id,
		"filled", r.Filled,
	)

	cancelID := "C_" + id
	return broker.Ack{
		RawData: map[string]any{
			"orderId":     cancelID,
			"origOrderId": id,
			"symbol":      r.Ticker,
			"side":        r.Side.String(),
			"type":        cancel.Type().String(),
		},
		UID:    cancelID,
		Opened: decimal.Zero,
	}, nil
}

// ReplaceOrder cancels the open remainder of origin and rests a new order
// for the replace request's quantity at its price.
func (b *Broker) ReplaceOrder(ctx context.Context, replace, origin *ledger.Order) (broker.Ack, error) {
	if err := b.admit(ctx); err != nil {
		return broker.Ack{}, err
	}
	if replace.Type() == types.OrderTypeLimit && !replace.Price().IsPositive() {
		return broker.Ack{}, fmt.Errorf("%w: limit price %s", broker.ErrOrderRejected, replace.Price())
	}
	id, err := originID(origin)
	if err != nil {
		return broker.Ack{}, err
	}

	old, rep, err := b.pull(id)
	if err != nil {
		return broker.Ack{}, err
	}
	if err := b.emit(ctx, rep); err != nil {
		return broker.Ack{}, err
	}

	r := &RestingOrder{
		ID:     uuid.NewString(),
		Ticker: old.Ticker,
		Side:   old.Side,
		Type:   replace.Type(),
		Price:  replace.Price(),
		Qty:    replace.Qty(),
		Opened: replace.Qty(),
	}
	b.rest(r)

	b.logger.Info("paper order replaced",
		"order_id", r.ID,
		"orig_order_id", id,
		"price", r.Price,
		"qty", r.Qty,
	)

	raw := rawData(r)
	raw["origOrderId"] = id
	return broker.Ack{RawData: raw, UID: r.ID, Opened: r.Qty}, nil
}

// SimulateTrade prints a trade of qty at price on ticker. Resting limit
// orders that cross fill at their own price in arrival order until qty is
// used up. Market orders fill at price plus slippage and any remainder is
// canceled. It returns the number of reports sent.
func (b *Broker) SimulateTrade(ctx context.Context, ticker string, price, qty decimal.Decimal) (int, error) {
	if !b.IsConnected() {
		return 0, broker.ErrNotConnected
	}

	slippage := decimal.Zero
	if spec, ok := types.GetInstrumentSpec(ticker); ok {
		slippage = spec.TickSize.Mul(decimal.NewFromInt(int64(b.cfg.SlippageTicks)))
	}

	now := time.Now()
	var reps []broker.ExecutionReport

	b.ordersMu.Lock()
	remaining := qty
	live := b.queue[:0]
	for _, r := range b.queue {
		if r.Ticker != ticker || r.Opened.IsZero() {
			if r.Opened.IsPositive() {
				live = append(live, r)
			}
			continue
		}

		switch r.Type {
		case types.OrderTypeMarket:
			fillPrice := price.Add(slippage.Mul(r.Side.Sign()))
			if n := decimal.Min(r.Opened, remaining); n.IsPositive() {
				r.fill(n, fillPrice)
				remaining = remaining.Sub(n)
			}
			r.Opened = decimal.Zero
			reps = append(reps, r.report(now))
		default:
			crosses := (r.Side == types.SideBuy && price.LessThanOrEqual(r.Price)) ||
				(r.Side == types.SideSell && price.GreaterThanOrEqual(r.Price))
			if crosses && remaining.IsPositive() {
				n := decimal.Min(r.Opened, remaining)
				r.fill(n, r.Price)
				remaining = remaining.Sub(n)
				reps = append(reps, r.report(now))
			}
		}

		if r.Opened.IsPositive() {
			live = append(live, r)
		}
	}
	b.queue = live
	b.ordersMu.Unlock()

	for _, rep := range reps {
		if err := b.emit(ctx, rep); err != nil {
			return 0, err
		}
		b.logger.Debug("paper fill",
			"order_id", rep.UID,
			"ticker", rep.Ticker,
			"total_filled", rep.TotalFilled,
			"avg_price", rep.TotalFilledPrice,
			"total_opened", rep.TotalOpened,
		)
	}

	return len(reps), nil
}

// emit sends a report, blocking while the buffer is full.
func (b *Broker) emit(ctx context.Context, rep broker.ExecutionReport) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		return broker.ErrShutdown
	}

	select {
	case b.reports <- rep:
		return nil
	case <-b.done:
		return broker.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenOrders returns copies of the orders with quantity still open.
func (b *Broker) OpenOrders() []RestingOrder {
	b.ordersMu.Lock()
	defer b.ordersMu.Unlock()

	var orders []RestingOrder
	for _, r := range b.queue {
		if r.Opened.IsPositive() {
			orders = append(orders, *r)
		}
	}
	return orders
}

// Shutdown disconnects and closes the report stream.
func (b *Broker) Shutdown(ctx context.Context) error {
	if err := b.Disconnect(); err != nil {
		return err
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.reports)
	}
	return nil
}

// Ensure Broker implements broker.Broker
var _ broker.Broker = (*Broker)(nil)
