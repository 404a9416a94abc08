// Package dispatch is the runtime around the ledger. It routes venue acks
// and execution reports to inventories, serializes mutations per inventory,
// halts an inventory on its first invariant violation and audits every
// ledger in the background.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/alerting"
	"github.com/tathienbao/order-ledger/internal/broker"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/metrics"
	"github.com/tathienbao/order-ledger/internal/types"
)

// Config holds dispatcher configuration.
type Config struct {
	AuditInterval time.Duration
	// FailFast makes Run return on the first invariant violation instead
	// of halting only the affected inventory.
	FailFast bool
	// UnmatchedAlertEvery sends an alert every N unmatched reports. 0 disables.
	UnmatchedAlertEvery int64
}

// DefaultConfig returns default dispatcher config.
func DefaultConfig() Config {
	return Config{
		AuditInterval:       30 * time.Second,
		UnmatchedAlertEvery: 1000,
	}
}

// EventAlerter sends predefined alert events.
type EventAlerter interface {
	AlertEvent(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) error
}

// slot guards one inventory. Its mutex is always taken before the book lock.
type slot struct {
	mu     sync.Mutex
	inv    *ledger.Inventory
	halted error
}

// Dispatcher serializes ledger mutations per inventory. Different
// inventories are processed in parallel.
type Dispatcher struct {
	cfg      Config
	logger   *slog.Logger
	alerter  EventAlerter
	recorder *metrics.Recorder

	bookMu sync.RWMutex
	book   *ledger.Book

	slotsMu sync.RWMutex
	byName  map[string]*slot
	byInv   map[*ledger.Inventory]*slot

	applied   atomic.Int64
	unmatched atomic.Int64

	// Lifecycle
	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a dispatcher. A nil alerter disables alerts.
func New(cfg Config, alerter EventAlerter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = DefaultConfig().AuditInterval
	}

	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		book:     ledger.NewBook(),
		byName:   make(map[string]*slot),
		byInv:    make(map[*ledger.Inventory]*slot),
	}
}

// Register adds an inventory. Names are unique.
func (d *Dispatcher) Register(inv *ledger.Inventory) error {
	d.slotsMu.Lock()
	defer d.slotsMu.Unlock()

	if _, ok := d.byName[inv.Name()]; ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicateInventory, inv.Name())
	}

	s := &slot{inv: inv}
	d.byName[inv.Name()] = s
	d.byInv[inv] = s
	d.recorder.RecordHalted(inv.Name(), false)

	d.logger.Info("inventory registered",
		"inventory", inv.Name(),
		"ticker", inv.Ticker(),
	)
	return nil
}

func (d *Dispatcher) slotFor(inv *ledger.Inventory) (*slot, error) {
	d.slotsMu.RLock()
	defer d.slotsMu.RUnlock()

	s, ok := d.byInv[inv]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrInventoryNotFound, inv.Name())
	}
	return s, nil
}

func (d *Dispatcher) slotNamed(name string) (*slot, error) {
	d.slotsMu.RLock()
	defer d.slotsMu.RUnlock()

	s, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrInventoryNotFound, name)
	}
	return s, nil
}

func (d *Dispatcher) slots() []*slot {
	d.slotsMu.RLock()
	defer d.slotsMu.RUnlock()

	out := make([]*slot, 0, len(d.byName))
	for _, s := range d.byName {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *slot) int {
		switch {
		case a.inv.Name() < b.inv.Name():
			return -1
		case a.inv.Name() > b.inv.Name():
			return 1
		}
		return 0
	})
	return out
}

// Submit sends order to the venue and records the acknowledgment. Cancel
// and replace orders are resolved against their origin in inv.
func (d *Dispatcher) Submit(ctx context.Context, brk broker.Broker, inv *ledger.Inventory, order *ledger.Order) error {
	s, err := d.slotFor(inv)
	if err != nil {
		return err
	}

	// A halted inventory sends nothing to the venue: an order placed now
	// could never be indexed and its fills would be lost.
	s.mu.Lock()
	halted := s.halted
	origin, ok := inv.Origin(order)
	s.mu.Unlock()
	if halted != nil {
		return fmt.Errorf("%w: %s", types.ErrInventoryHalted, inv.Name())
	}
	if order.Kind() != types.KindNew && !ok {
		return fmt.Errorf("%w: origin %q of %s order", types.ErrUnknownOrder, order.Origin(), order.Kind())
	}

	// The venue may emit reports synchronously, so no inventory lock is
	// held across the call.
	var ack broker.Ack
	switch order.Kind() {
	case types.KindCancel:
		ack, err = brk.CancelOrder(ctx, order, origin)
	case types.KindReplace:
		ack, err = brk.ReplaceOrder(ctx, order, origin)
	default:
		ack, err = brk.SubmitOrder(ctx, order)
	}
	if err != nil {
		d.recorder.RecordOrder(order.Ticker(), order.Kind(), "rejected")
		d.recorder.RecordError("venue_reject")
		d.alert(ctx, alerting.EventOrderRejected, "Order rejected",
			"inventory", inv.Name(),
			"ticker", order.Ticker(),
			"kind", order.Kind().String(),
			"err", err.Error(),
		)
		return fmt.Errorf("submit %s: %w", order.Kind(), err)
	}

	return d.Acknowledge(ctx, inv, order, ack)
}

// Acknowledge applies a venue ack to order and indexes it under inv.
func (d *Dispatcher) Acknowledge(ctx context.Context, inv *ledger.Inventory, order *ledger.Order, ack broker.Ack) error {
	s, err := d.slotFor(inv)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return fmt.Errorf("%w: %s", types.ErrInventoryHalted, inv.Name())
	}

	if err := order.Acknowledge(ack.RawData, ack.UID, ack.Opened); err != nil {
		return d.fail(ctx, s, err)
	}

	d.bookMu.Lock()
	err = d.book.Add(order, inv)
	d.bookMu.Unlock()
	if err != nil {
		return d.fail(ctx, s, err)
	}

	d.recorder.RecordOrder(order.Ticker(), order.Kind(), "acked")
	d.logger.Debug("order acknowledged",
		"inventory", inv.Name(),
		"order_id", ack.UID,
		"kind", order.Kind(),
		"side", order.Side(),
		"qty", order.Qty(),
		"price", order.Price(),
		"opened", ack.Opened,
	)
	return nil
}

// HandleReport routes one cumulative execution report. Reports for uids
// the session never acknowledged are counted and dropped.
func (d *Dispatcher) HandleReport(ctx context.Context, rep broker.ExecutionReport) error {
	timer := metrics.NewTimer()

	d.bookMu.RLock()
	order, inv, ok := d.book.Get(rep.UID)
	d.bookMu.RUnlock()

	if !ok {
		n := d.unmatched.Add(1)
		d.recorder.RecordReport(rep.Ticker, metrics.ResultUnmatched)
		d.logger.Debug("unmatched report",
			"order_id", rep.UID,
			"ticker", rep.Ticker,
		)
		if every := d.cfg.UnmatchedAlertEvery; every > 0 && n%every == 0 {
			d.alert(ctx, alerting.EventUnmatchedReports, "Reports for unknown orders",
				"count", n,
				"last_order_id", rep.UID,
			)
		}
		return nil
	}

	s, err := d.slotFor(inv)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		d.recorder.RecordReport(rep.Ticker, metrics.ResultRejected)
		return fmt.Errorf("%w: %s", types.ErrInventoryHalted, inv.Name())
	}

	if err := inv.FilledTotal(order, rep.TotalFilled, rep.TotalFilledPrice, rep.TotalOpened); err != nil {
		d.recorder.RecordReport(rep.Ticker, metrics.ResultRejected)
		return d.fail(ctx, s, err)
	}

	d.applied.Add(1)
	d.recorder.RecordReport(rep.Ticker, metrics.ResultApplied)
	timer.ObserveReport()
	return nil
}

// Run applies reports until the stream closes or ctx is done. Reports for
// halted inventories are skipped.
func (d *Dispatcher) Run(ctx context.Context, reports <-chan broker.ExecutionReport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rep, ok := <-reports:
			if !ok {
				return nil
			}
			err := d.HandleReport(ctx, rep)
			switch {
			case err == nil:
			case errors.Is(err, types.ErrInventoryHalted):
				d.logger.Warn("report skipped", "order_id", rep.UID, "err", err)
			case errors.Is(err, types.ErrInvariantViolation) && !d.cfg.FailFast:
				// Already halted and alerted.
			default:
				return err
			}
		}
	}
}

// fail halts the inventory on an invariant violation and returns err
// annotated with the inventory name.
func (d *Dispatcher) fail(ctx context.Context, s *slot, err error) error {
	name := s.inv.Name()
	if !errors.Is(err, types.ErrInvariantViolation) {
		return fmt.Errorf("inventory %s: %w", name, err)
	}

	s.halted = err
	kind := ViolationKind(err)
	d.recorder.RecordViolation(name, kind)
	d.recorder.RecordHalted(name, true)

	d.logger.Error("invariant violation",
		"inventory", name,
		"ticker", s.inv.Ticker(),
		"kind", kind,
		"err", err,
	)
	d.alert(ctx, alerting.EventInvariantViolation, "Ledger invariant violated",
		"inventory", name,
		"kind", kind,
		"err", err.Error(),
	)
	d.alert(ctx, alerting.EventInventoryHalted, "Inventory halted",
		"inventory", name,
		"ticker", s.inv.Ticker(),
	)

	return fmt.Errorf("inventory %s: %w", name, err)
}

func (d *Dispatcher) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if d.alerter == nil {
		return
	}
	if err := d.alerter.AlertEvent(ctx, event, message, fields...); err != nil {
		d.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}

// ViolationKind names the invariant an error violated, for metrics labels.
func ViolationKind(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{types.ErrTickerMismatch, "ticker_mismatch"},
		{types.ErrDuplicateUID, "duplicate_uid"},
		{types.ErrNonMonotonicReport, "non_monotonic_report"},
		{types.ErrFillOutOfBounds, "fill_out_of_bounds"},
		{types.ErrLedgerDrift, "ledger_drift"},
		{types.ErrAlreadyAcknowledged, "already_acknowledged"},
		{types.ErrNotAcknowledged, "not_acknowledged"},
		{types.ErrInvalidAck, "invalid_ack"},
		{types.ErrUnknownOrder, "unknown_order"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "other"
}

// Audit recomputes every live ledger from its orders, halting any that
// drifted, and publishes snapshots marked at the average price.
func (d *Dispatcher) Audit(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveAudit()

	var errs []error
	for _, s := range d.slots() {
		s.mu.Lock()
		if s.halted == nil {
			if err := s.inv.CheckValidity(); err != nil {
				errs = append(errs, d.fail(ctx, s, err))
			}
			d.recorder.RecordSnapshot(s.inv.Snapshot(s.inv.Price()))
		}
		s.mu.Unlock()
	}

	d.recorder.RecordHeartbeat()
	return errors.Join(errs...)
}

// Start launches the periodic audit loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("starting dispatcher", "audit_interval", d.cfg.AuditInterval)

	d.wg.Add(1)
	go d.auditLoop(ctx)

	return nil
}

func (d *Dispatcher) auditLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			if err := d.Audit(ctx); err != nil {
				d.logger.Error("audit failed", "err", err)
			}
		}
	}
}

// Stop stops the audit loop and waits for it to exit.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

// IsRunning returns true while the audit loop runs.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// View runs fn with exclusive access to the named inventory.
func (d *Dispatcher) View(name string, fn func(inv *ledger.Inventory)) error {
	s, err := d.slotNamed(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.inv)
	return nil
}

// Inventory returns the registered inventory with the given name. Callers
// must not mutate it outside Submit, Acknowledge and HandleReport.
func (d *Dispatcher) Inventory(name string) (*ledger.Inventory, error) {
	s, err := d.slotNamed(name)
	if err != nil {
		return nil, err
	}
	return s.inv, nil
}

// Lookup returns the acknowledged order with the given uid and the
// inventory that owns it.
func (d *Dispatcher) Lookup(uid string) (*ledger.Order, *ledger.Inventory, bool) {
	d.bookMu.RLock()
	defer d.bookMu.RUnlock()
	return d.book.Get(uid)
}

// Snapshots copies every ledger. marks maps tickers to mark prices;
// inventories without a mark are marked at their average price.
func (d *Dispatcher) Snapshots(marks map[string]decimal.Decimal) []ledger.Snapshot {
	var snaps []ledger.Snapshot
	for _, s := range d.slots() {
		s.mu.Lock()
		mark, ok := marks[s.inv.Ticker()]
		if !ok {
			mark = s.inv.Price()
		}
		snaps = append(snaps, s.inv.Snapshot(mark))
		s.mu.Unlock()
	}
	return snaps
}

// Halted returns the names of halted inventories.
func (d *Dispatcher) Halted() []string {
	var names []string
	for _, s := range d.slots() {
		s.mu.Lock()
		if s.halted != nil {
			names = append(names, s.inv.Name())
		}
		s.mu.Unlock()
	}
	return names
}

// HaltReason returns the violation that halted the named inventory.
func (d *Dispatcher) HaltReason(name string) error {
	s, err := d.slotNamed(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Stats returns how many reports were applied and how many matched no order.
func (d *Dispatcher) Stats() (applied, unmatched int64) {
	return d.applied.Load(), d.unmatched.Load()
}
