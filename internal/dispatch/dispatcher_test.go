package dispatch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/alerting"
	"github.com/tathienbao/order-ledger/internal/broker"
	"github.com/tathienbao/order-ledger/internal/broker/paper"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newInventory(t *testing.T, name, ticker string) *ledger.Inventory {
	t.Helper()
	spec, ok := types.GetInstrumentSpec(ticker)
	if !ok {
		t.Fatalf("no instrument spec for %s", ticker)
	}
	inv, err := ledger.NewInventory(ledger.ConfigFromSpec(name, spec), nil)
	if err != nil {
		t.Fatalf("NewInventory() error = %v", err)
	}
	return inv
}

type fixture struct {
	disp  *Dispatcher
	venue *paper.Broker
	mock  *alerting.MockAlerter
	mes   *ledger.Inventory
	mgc   *ledger.Inventory
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	mock := alerting.NewMockAlerter()
	disp := New(cfg, alerting.NewMultiAlerter(nil, mock), nil)

	venue := paper.NewBroker(paper.DefaultConfig(), nil)
	if err := venue.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	f := &fixture{
		disp:  disp,
		venue: venue,
		mock:  mock,
		mes:   newInventory(t, "mm-mes", "MES"),
		mgc:   newInventory(t, "mm-mgc", "MGC"),
	}
	for _, inv := range []*ledger.Inventory{f.mes, f.mgc} {
		if err := disp.Register(inv); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	return f
}

// drain applies every buffered report.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case rep := <-f.venue.Reports():
			if err := f.disp.HandleReport(context.Background(), rep); err != nil {
				t.Fatalf("HandleReport() error = %v", err)
			}
		default:
			return
		}
	}
}

func TestDispatcher_Register(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	err := f.disp.Register(newInventory(t, "mm-mes", "MES"))
	if !errors.Is(err, types.ErrDuplicateInventory) {
		t.Errorf("Register(duplicate) error = %v, want ErrDuplicateInventory", err)
	}

	stray := newInventory(t, "stray", "MES")
	err = f.disp.Submit(context.Background(), f.venue, stray, ledger.NewBuy(types.OrderTypeLimit, "MES", d("1"), d("4400")))
	if !errors.Is(err, types.ErrInventoryNotFound) {
		t.Errorf("Submit(unregistered) error = %v, want ErrInventoryNotFound", err)
	}
}

func TestDispatcher_SubmitAndFill(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	buy := ledger.NewBuy(types.OrderTypeLimit, "MES", d("3"), d("4400"))
	if err := f.disp.Submit(ctx, f.venue, f.mes, buy); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !f.mes.OpenedBuy().Equal(d("3")) {
		t.Errorf("OpenedBuy = %s, want 3", f.mes.OpenedBuy())
	}

	order, inv, ok := f.disp.Lookup(buy.UID())
	if !ok || order != buy || inv != f.mes {
		t.Fatalf("Lookup(%s) = %v, %v, %v", buy.UID(), order, inv, ok)
	}

	if _, err := f.venue.SimulateTrade(ctx, "MES", d("4399.75"), d("2")); err != nil {
		t.Fatalf("SimulateTrade() error = %v", err)
	}
	f.drain(t)

	if !f.mes.Pos().Equal(d("2")) {
		t.Errorf("Pos = %s, want 2", f.mes.Pos())
	}
	if !f.mes.Price().Equal(d("4400")) {
		t.Errorf("Price = %s, want 4400", f.mes.Price())
	}
	if !f.mes.OpenedBuy().Equal(d("1")) {
		t.Errorf("OpenedBuy = %s, want 1", f.mes.OpenedBuy())
	}

	cancel, err := ledger.NewCancel(buy, types.OrderTypeLimit)
	if err != nil {
		t.Fatalf("NewCancel() error = %v", err)
	}
	if err := f.disp.Submit(ctx, f.venue, f.mes, cancel); err != nil {
		t.Fatalf("Submit(cancel) error = %v", err)
	}
	f.drain(t)

	if !f.mes.OpenedBuy().IsZero() {
		t.Errorf("OpenedBuy after cancel = %s, want 0", f.mes.OpenedBuy())
	}
	if buy.State() != types.OrderStateExhausted {
		t.Errorf("origin state = %v, want exhausted", buy.State())
	}
	if err := f.mes.CheckValidity(); err != nil {
		t.Errorf("CheckValidity() error = %v", err)
	}

	applied, unmatched := f.disp.Stats()
	if applied != 2 || unmatched != 0 {
		t.Errorf("Stats() = %d, %d, want 2, 0", applied, unmatched)
	}
}

func TestDispatcher_SubmitRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	bad := ledger.NewBuy(types.OrderTypeLimit, "MES", d("0"), d("4400"))
	err := f.disp.Submit(context.Background(), f.venue, f.mes, bad)
	if !errors.Is(err, broker.ErrOrderRejected) {
		t.Fatalf("Submit() error = %v, want ErrOrderRejected", err)
	}
	if bad.IsAcknowledged() {
		t.Error("rejected order must stay unacknowledged")
	}
	if !slices.Contains(f.mock.Events(), alerting.EventOrderRejected) {
		t.Errorf("events = %v, want order_rejected", f.mock.Events())
	}
}

func TestDispatcher_UnmatchedReport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnmatchedAlertEvery = 2
	f := newFixture(t, cfg)

	rep := broker.ExecutionReport{UID: "someone-else", Ticker: "MES", TotalFilled: d("1"), TotalFilledPrice: d("4400")}
	for range 2 {
		if err := f.disp.HandleReport(context.Background(), rep); err != nil {
			t.Fatalf("HandleReport() error = %v", err)
		}
	}

	if _, unmatched := f.disp.Stats(); unmatched != 2 {
		t.Errorf("unmatched = %d, want 2", unmatched)
	}
	if !f.mes.Pos().IsZero() {
		t.Errorf("Pos = %s, want 0", f.mes.Pos())
	}
	if !slices.Contains(f.mock.Events(), alerting.EventUnmatchedReports) {
		t.Errorf("events = %v, want unmatched_reports", f.mock.Events())
	}
}

func TestDispatcher_ViolationHaltsInventory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	buy := ledger.NewBuy(types.OrderTypeLimit, "MES", d("5"), d("4400"))
	sell := ledger.NewSell(types.OrderTypeLimit, "MGC", d("5"), d("2000"))
	for _, p := range []struct {
		inv   *ledger.Inventory
		order *ledger.Order
	}{{f.mes, buy}, {f.mgc, sell}} {
		if err := f.disp.Submit(ctx, f.venue, p.inv, p.order); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	ok := broker.ExecutionReport{UID: buy.UID(), Ticker: "MES", TotalFilled: d("3"), TotalFilledPrice: d("4400"), TotalOpened: d("2")}
	if err := f.disp.HandleReport(ctx, ok); err != nil {
		t.Fatalf("HandleReport() error = %v", err)
	}

	back := ok
	back.TotalFilled = d("2")
	back.TotalOpened = d("3")
	err := f.disp.HandleReport(ctx, back)
	if !errors.Is(err, types.ErrNonMonotonicReport) || !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("HandleReport(non-monotonic) error = %v", err)
	}

	if got := f.disp.Halted(); !slices.Equal(got, []string{"mm-mes"}) {
		t.Errorf("Halted() = %v, want [mm-mes]", got)
	}
	if reason := f.disp.HaltReason("mm-mes"); !errors.Is(reason, types.ErrNonMonotonicReport) {
		t.Errorf("HaltReason() = %v", reason)
	}

	// The ledger keeps its last consistent state.
	if !f.mes.Pos().Equal(d("3")) {
		t.Errorf("Pos = %s, want 3", f.mes.Pos())
	}

	if err := f.disp.HandleReport(ctx, ok); !errors.Is(err, types.ErrInventoryHalted) {
		t.Errorf("HandleReport(halted) error = %v, want ErrInventoryHalted", err)
	}

	// Other inventories keep running.
	mgcFill := broker.ExecutionReport{UID: sell.UID(), Ticker: "MGC", TotalFilled: d("5"), TotalFilledPrice: d("2000")}
	if err := f.disp.HandleReport(ctx, mgcFill); err != nil {
		t.Errorf("HandleReport(mgc) error = %v", err)
	}
	if !f.mgc.Pos().Equal(d("-5")) {
		t.Errorf("mgc Pos = %s, want -5", f.mgc.Pos())
	}

	events := f.mock.Events()
	for _, want := range []alerting.AlertEvent{alerting.EventInvariantViolation, alerting.EventInventoryHalted} {
		if !slices.Contains(events, want) {
			t.Errorf("events = %v, missing %s", events, want)
		}
	}
}

func TestDispatcher_SubmitOnHalted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	buy := ledger.NewBuy(types.OrderTypeLimit, "MES", d("5"), d("4400"))
	if err := f.disp.Submit(ctx, f.venue, f.mes, buy); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	over := broker.ExecutionReport{UID: buy.UID(), Ticker: "MES", TotalFilled: d("10"), TotalFilledPrice: d("4400")}
	if err := f.disp.HandleReport(ctx, over); !errors.Is(err, types.ErrFillOutOfBounds) {
		t.Fatalf("HandleReport(out of bounds) error = %v, want ErrFillOutOfBounds", err)
	}

	before := len(f.venue.OpenOrders())
	booked := f.mes.Len()

	cancel, err := ledger.NewCancel(buy, types.OrderTypeLimit)
	if err != nil {
		t.Fatalf("NewCancel() error = %v", err)
	}
	orders := []*ledger.Order{
		ledger.NewBuy(types.OrderTypeLimit, "MES", d("1"), d("4390")),
		ledger.NewSell(types.OrderTypeMarket, "MES", d("1"), decimal.Zero),
		cancel,
	}
	for _, o := range orders {
		if err := f.disp.Submit(ctx, f.venue, f.mes, o); !errors.Is(err, types.ErrInventoryHalted) {
			t.Errorf("Submit(%s %s) error = %v, want ErrInventoryHalted", o.Kind(), o.Type(), err)
		}
		if o.IsAcknowledged() {
			t.Errorf("%s order acknowledged on a halted inventory", o.Kind())
		}
	}

	if after := len(f.venue.OpenOrders()); after != before {
		t.Errorf("venue open orders = %d, want %d", after, before)
	}
	if f.mes.Len() != booked {
		t.Errorf("inventory orders = %d, want %d", f.mes.Len(), booked)
	}

	// The healthy inventory still trades.
	sell := ledger.NewSell(types.OrderTypeLimit, "MGC", d("1"), d("2000"))
	if err := f.disp.Submit(ctx, f.venue, f.mgc, sell); err != nil {
		t.Errorf("Submit(mgc) error = %v", err)
	}
}

func TestViolationKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{types.ErrLedgerDrift, "ledger_drift"},
		{types.ErrFillOutOfBounds, "fill_out_of_bounds"},
		{types.ErrDuplicateUID, "duplicate_uid"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := ViolationKind(tt.err); got != tt.want {
				t.Errorf("ViolationKind(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestDispatcher_Run(t *testing.T) {
	tests := []struct {
		name     string
		failFast bool
		wantErr  bool
	}{
		{"halts and continues", false, false},
		{"fail fast", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FailFast = tt.failFast
			f := newFixture(t, cfg)
			ctx := context.Background()

			buy := ledger.NewBuy(types.OrderTypeLimit, "MES", d("2"), d("4400"))
			if err := f.disp.Submit(ctx, f.venue, f.mes, buy); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}

			reports := make(chan broker.ExecutionReport, 3)
			reports <- broker.ExecutionReport{UID: buy.UID(), Ticker: "MES", TotalFilled: d("3"), TotalFilledPrice: d("4400")}
			reports <- broker.ExecutionReport{UID: buy.UID(), Ticker: "MES", TotalFilled: d("1"), TotalFilledPrice: d("4400"), TotalOpened: d("1")}
			reports <- broker.ExecutionReport{UID: "unknown", Ticker: "MES"}
			close(reports)

			err := f.disp.Run(ctx, reports)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, types.ErrFillOutOfBounds) {
				t.Errorf("Run() error = %v, want ErrFillOutOfBounds", err)
			}
			if len(f.disp.Halted()) != 1 {
				t.Errorf("Halted() = %v, want one inventory", f.disp.Halted())
			}
		})
	}
}

func TestDispatcher_RunContextCancel(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.disp.Run(ctx, make(chan broker.ExecutionReport))
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// Orders and reports for two inventories interleave from many goroutines.
// Each ledger must end exactly where a serial run would.
func TestDispatcher_ConcurrentInventories(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	runErr := make(chan error, 1)
	go func() {
		runErr <- f.disp.Run(ctx, f.venue.Reports())
	}()

	const perSide = 20
	var wg sync.WaitGroup
	for i := range perSide {
		wg.Add(2)
		go func() {
			defer wg.Done()
			o := ledger.NewBuy(types.OrderTypeLimit, "MES", d("1"), d("4400"))
			if err := f.disp.Submit(ctx, f.venue, f.mes, o); err != nil {
				t.Errorf("Submit(mes %d) error = %v", i, err)
			}
		}()
		go func() {
			defer wg.Done()
			o := ledger.NewSell(types.OrderTypeLimit, "MGC", d("1"), d("2000"))
			if err := f.disp.Submit(ctx, f.venue, f.mgc, o); err != nil {
				t.Errorf("Submit(mgc %d) error = %v", i, err)
			}
		}()
	}
	wg.Wait()

	for i := range perSide {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.venue.SimulateTrade(ctx, "MES", d("4400"), d("1")); err != nil {
				t.Errorf("SimulateTrade(mes %d) error = %v", i, err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.venue.SimulateTrade(ctx, "MGC", d("2000"), d("1")); err != nil {
				t.Errorf("SimulateTrade(mgc %d) error = %v", i, err)
			}
		}()
	}
	wg.Wait()

	if err := f.venue.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[string]decimal.Decimal{"mm-mes": d("20"), "mm-mgc": d("-20")}
	for _, snap := range f.disp.Snapshots(nil) {
		if !snap.Pos.Equal(want[snap.Name]) {
			t.Errorf("%s Pos = %s, want %s", snap.Name, snap.Pos, want[snap.Name])
		}
		if !snap.OpenedBuy.IsZero() || !snap.OpenedSell.IsZero() {
			t.Errorf("%s still has open quantity %s/%s", snap.Name, snap.OpenedBuy, snap.OpenedSell)
		}
	}
	if err := f.disp.Audit(ctx); err != nil {
		t.Errorf("Audit() error = %v", err)
	}
	if applied, _ := f.disp.Stats(); applied != 2*perSide {
		t.Errorf("applied = %d, want %d", applied, 2*perSide)
	}
}

func TestDispatcher_Snapshots(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	buy := ledger.NewBuy(types.OrderTypeLimit, "MES", d("2"), d("4400"))
	if err := f.disp.Submit(ctx, f.venue, f.mes, buy); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := f.venue.SimulateTrade(ctx, "MES", d("4400"), d("2")); err != nil {
		t.Fatalf("SimulateTrade() error = %v", err)
	}
	f.drain(t)

	snaps := f.disp.Snapshots(map[string]decimal.Decimal{"MES": d("4410")})
	if len(snaps) != 2 || snaps[0].Name != "mm-mes" {
		t.Fatalf("Snapshots() = %+v", snaps)
	}
	// 2 contracts * 10 points * 5 unit, less 2 * 0.62 fees.
	if !snaps[0].TotalPnL.Equal(d("98.76")) {
		t.Errorf("TotalPnL = %s, want 98.76", snaps[0].TotalPnL)
	}
	if !snaps[1].Mark.Equal(snaps[1].Price) {
		t.Errorf("unmarked inventory Mark = %s, want avg price", snaps[1].Mark)
	}

	var pos decimal.Decimal
	if err := f.disp.View("mm-mes", func(inv *ledger.Inventory) { pos = inv.Pos() }); err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if !pos.Equal(d("2")) {
		t.Errorf("View pos = %s, want 2", pos)
	}
	if err := f.disp.View("missing", func(*ledger.Inventory) {}); !errors.Is(err, types.ErrInventoryNotFound) {
		t.Errorf("View(missing) error = %v", err)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuditInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.disp.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.disp.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	if !f.disp.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	time.Sleep(20 * time.Millisecond)

	if err := f.disp.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if f.disp.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := f.disp.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if len(f.disp.Halted()) != 0 {
		t.Errorf("audit halted %v", f.disp.Halted())
	}
}
