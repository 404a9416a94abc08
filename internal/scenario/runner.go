package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/broker/paper"
	"github.com/tathienbao/order-ledger/internal/dispatch"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/types"
)

// Result is the outcome of a scenario run.
type Result struct {
	Started   time.Time
	Ended     time.Time
	Events    int
	Orders    int // Acknowledged orders, including cancels and replaces
	Trades    int
	Rejected  int
	Applied   int64
	Unmatched int64
	Halted    []string
	Marks     map[string]decimal.Decimal // Last trade price per ticker
	Snapshots []ledger.Snapshot
}

type placed struct {
	order *ledger.Order
	inv   *ledger.Inventory
}

// Runner replays events through a paper venue. Orders are routed to the
// inventory trading their ticker, so each ticker has at most one inventory.
type Runner struct {
	disp     *dispatch.Dispatcher
	venue    *paper.Broker
	logger   *slog.Logger
	byTicker map[string]*ledger.Inventory
}

// NewRunner creates a runner. Every inventory must already be registered
// with disp.
func NewRunner(disp *dispatch.Dispatcher, venue *paper.Broker, invs []*ledger.Inventory, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	byTicker := make(map[string]*ledger.Inventory, len(invs))
	for _, inv := range invs {
		if other, ok := byTicker[inv.Ticker()]; ok {
			return nil, fmt.Errorf("%w: %s and %s both trade %s",
				types.ErrDuplicateInventory, other.Name(), inv.Name(), inv.Ticker())
		}
		byTicker[inv.Ticker()] = inv
	}

	return &Runner{
		disp:     disp,
		venue:    venue,
		logger:   logger,
		byTicker: byTicker,
	}, nil
}

// Run replays events, then shuts the venue down and waits until every
// report has been applied. The venue cannot be reused afterwards.
func (r *Runner) Run(ctx context.Context, events []Event) (*Result, error) {
	if !r.venue.IsConnected() {
		if err := r.venue.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect venue: %w", err)
		}
	}

	res := &Result{
		Started: time.Now(),
		Marks:   make(map[string]decimal.Decimal),
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- r.disp.Run(ctx, r.venue.Reports())
	}()

	refs := make(map[string]placed)
	var runErr error
	stopped := false

	for _, ev := range events {
		select {
		case runErr = <-runDone:
			stopped = true
		default:
		}
		if stopped {
			break
		}

		res.Events++
		if err := r.apply(ctx, ev, refs, res); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				runErr = err
				break
			}
			res.Rejected++
			r.logger.Warn("scenario event failed",
				"action", ev.Action,
				"ref", ev.Ref,
				"ticker", ev.Ticker,
				"err", err,
			)
		}
	}

	// Closing the report stream lets the dispatcher drain and return.
	if err := r.venue.Shutdown(ctx); err != nil {
		r.logger.Warn("venue shutdown failed", "err", err)
	}
	if !stopped {
		if err := <-runDone; err != nil && runErr == nil {
			runErr = err
		}
	}

	res.Ended = time.Now()
	res.Applied, res.Unmatched = r.disp.Stats()
	res.Halted = r.disp.Halted()
	res.Snapshots = r.disp.Snapshots(res.Marks)

	r.logger.Info("scenario finished",
		"events", res.Events,
		"orders", res.Orders,
		"trades", res.Trades,
		"rejected", res.Rejected,
		"applied", res.Applied,
		"unmatched", res.Unmatched,
		"halted", len(res.Halted),
	)

	return res, runErr
}

func (r *Runner) apply(ctx context.Context, ev Event, refs map[string]placed, res *Result) error {
	switch ev.Action {
	case ActionTrade:
		n, err := r.venue.SimulateTrade(ctx, ev.Ticker, ev.Price, ev.Qty)
		if err != nil {
			return err
		}
		res.Trades++
		res.Marks[ev.Ticker] = ev.Price
		r.logger.Debug("trade", "ticker", ev.Ticker, "price", ev.Price, "qty", ev.Qty, "reports", n)
		return nil

	case ActionOrder:
		inv, ok := r.byTicker[ev.Ticker]
		if !ok {
			return fmt.Errorf("%w: no inventory trades %s", types.ErrInventoryNotFound, ev.Ticker)
		}
		ref := ev.Ref
		if ref == "" {
			ref = uuid.NewString()
		}
		if _, dup := refs[ref]; dup {
			return fmt.Errorf("ref %s already used", ref)
		}

		order := ledger.NewOrder(ev.Side, ev.Type, ev.Ticker, ev.Qty, ev.Price)
		if err := r.disp.Submit(ctx, r.venue, inv, order); err != nil {
			return err
		}
		refs[ref] = placed{order: order, inv: inv}
		res.Orders++
		return nil

	case ActionCancel, ActionReplace:
		p, ok := refs[ev.Ref]
		if !ok {
			return fmt.Errorf("unknown ref %s", ev.Ref)
		}

		var (
			derived *ledger.Order
			err     error
		)
		if ev.Action == ActionCancel {
			derived, err = ledger.NewCancel(p.order, ev.Type)
		} else {
			derived, err = ledger.NewReplace(p.order, ev.Type, ev.Price)
		}
		if err != nil {
			return err
		}
		if err := r.disp.Submit(ctx, r.venue, p.inv, derived); err != nil {
			return err
		}
		res.Orders++
		if ev.Action == ActionReplace {
			refs[ev.Ref] = placed{order: derived, inv: p.inv}
		}
		return nil
	}

	return fmt.Errorf("unknown action %q", ev.Action)
}
