package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/broker/paper"
	"github.com/tathienbao/order-ledger/internal/dispatch"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const session = `timestamp,action,ref,ticker,side,type,qty,price
2026-03-02 14:30:00,order,b1,MES,BUY,LIMIT,4,4400
2026-03-02 14:30:01,order,s1,MES,SELL,LIMIT,2,4410
2026-03-02 14:30:02,trade,,MES,,,3,4399.75
2026-03-02 14:30:03,replace,s1,MES,,LIMIT,,4405
2026-03-02 14:30:04,trade,,MES,,,5,4406
2026-03-02 14:30:05,cancel,b1,MES,,,,
# market sell fills one tick through the print
2026-03-02 14:30:06,order,m1,MGC,SELL,MARKET,1,
2026-03-02 14:30:07,trade,,MGC,,,1,2000.0
`

func TestParseCSV(t *testing.T) {
	events, err := ParseCSV(strings.NewReader(session))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if len(events) != 8 {
		t.Fatalf("events = %d, want 8", len(events))
	}

	first := events[0]
	if first.Action != ActionOrder || first.Ref != "b1" || first.Side != types.SideBuy ||
		first.Type != types.OrderTypeLimit || !first.Qty.Equal(d("4")) || !first.Price.Equal(d("4400")) {
		t.Errorf("events[0] = %+v", first)
	}
	if events[3].Action != ActionReplace || !events[3].Price.Equal(d("4405")) {
		t.Errorf("events[3] = %+v", events[3])
	}
	if events[5].Action != ActionCancel || events[5].Type != types.OrderTypeLimit {
		t.Errorf("events[5] = %+v", events[5])
	}
	if events[6].Type != types.OrderTypeMarket || !events[6].Price.IsZero() {
		t.Errorf("events[6] = %+v", events[6])
	}
	if events[7].Timestamp.Second() != 7 {
		t.Errorf("events[7] timestamp = %v", events[7].Timestamp)
	}
}

func TestParseCSV_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		row     string
		wantErr string
	}{
		{"short row", "2026-03-02 14:30:00,order,b1,MES", "want 8 fields"},
		{"bad timestamp", "yesterday,order,b1,MES,BUY,LIMIT,1,10", "timestamp"},
		{"bad side", "1700000000,order,b1,MES,LONG,LIMIT,1,10", "unknown side"},
		{"bad type", "1700000000,order,b1,MES,BUY,STOP,1,10", "unknown order type"},
		{"limit without price", "1700000000,order,b1,MES,BUY,LIMIT,1,", "parse price"},
		{"cancel without ref", "1700000000,cancel,,MES,,,,", "needs a ref"},
		{"trade without qty", "1700000000,trade,,MES,,,,10", "parse qty"},
		{"unknown action", "1700000000,amend,b1,MES,BUY,LIMIT,1,10", "unknown action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.row + "\n"))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseCSV() error = %v, want containing %q", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "line 1") {
				t.Errorf("error %v should name the line", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.csv")
	if err := os.WriteFile(path, []byte(session), 0644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	events, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 8 {
		t.Errorf("events = %d, want 8", len(events))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("Load(missing) should fail")
	}
}

func newRunner(t *testing.T) (*Runner, []*ledger.Inventory) {
	t.Helper()

	disp := dispatch.New(dispatch.DefaultConfig(), nil, nil)
	var invs []*ledger.Inventory
	for _, spec := range []types.InstrumentSpec{types.InstrumentMES, types.InstrumentMGC} {
		inv, err := ledger.NewInventory(ledger.ConfigFromSpec("mm-"+strings.ToLower(spec.Ticker), spec), nil)
		if err != nil {
			t.Fatalf("NewInventory() error = %v", err)
		}
		if err := disp.Register(inv); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		invs = append(invs, inv)
	}

	r, err := NewRunner(disp, paper.NewBroker(paper.DefaultConfig(), nil), invs, nil)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r, invs
}

func TestRunner_Session(t *testing.T) {
	events, err := ParseCSV(strings.NewReader(session))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}

	r, invs := newRunner(t)
	res, err := r.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Events != 8 || res.Orders != 5 || res.Trades != 3 || res.Rejected != 0 {
		t.Errorf("counts = events %d orders %d trades %d rejected %d, want 8/5/3/0",
			res.Events, res.Orders, res.Trades, res.Rejected)
	}
	if res.Applied != 5 || res.Unmatched != 0 {
		t.Errorf("reports = %d applied %d unmatched, want 5/0", res.Applied, res.Unmatched)
	}
	if len(res.Halted) != 0 {
		t.Errorf("halted = %v", res.Halted)
	}

	snaps := make(map[string]ledger.Snapshot)
	for _, s := range res.Snapshots {
		snaps[s.Name] = s
	}

	// Bought 3 @ 4400, sold 2 @ 4405: +50 realized, 5 contracts of fees,
	// 1 left marked at the last print 4406.
	mes := snaps["mm-mes"]
	tests := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"mes pos", mes.Pos, "1"},
		{"mes price", mes.Price, "4400"},
		{"mes realized", mes.RealizedPnL, "50"},
		{"mes fee", mes.RealizedFee, "3.1"},
		{"mes mark", mes.Mark, "4406"},
		{"mes total", mes.TotalPnL, "76.9"},
		{"mes opened buy", mes.OpenedBuy, "0"},
		{"mes opened sell", mes.OpenedSell, "0"},
		{"mgc pos", snaps["mm-mgc"].Pos, "-1"},
		{"mgc price", snaps["mm-mgc"].Price, "1999.9"},
		{"mgc total", snaps["mm-mgc"].TotalPnL, "-1.62"},
	}
	for _, tt := range tests {
		if !tt.got.Equal(d(tt.want)) {
			t.Errorf("%s = %s, want %s", tt.name, tt.got, tt.want)
		}
	}

	for _, inv := range invs {
		if err := inv.CheckValidity(); err != nil {
			t.Errorf("%s CheckValidity() error = %v", inv.Name(), err)
		}
	}
}

func TestRunner_RejectedEventsContinue(t *testing.T) {
	events, err := ParseCSV(strings.NewReader(`1700000000,cancel,ghost,MES,,,,
1700000001,order,x1,ESZ5,BUY,LIMIT,1,10
1700000002,order,b1,MES,BUY,LIMIT,1,4400
1700000003,order,b1,MES,BUY,LIMIT,1,4400
1700000004,trade,,MES,,,1,4400
1700000005,cancel,b1,MES,,,,
`))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}

	r, _ := newRunner(t)
	res, err := r.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// ghost ref, unknown ticker, reused ref, cancel of a filled order.
	if res.Rejected != 4 {
		t.Errorf("Rejected = %d, want 4", res.Rejected)
	}
	if res.Orders != 1 || res.Applied != 1 {
		t.Errorf("orders %d applied %d, want 1/1", res.Orders, res.Applied)
	}
}

func TestNewRunner_DuplicateTicker(t *testing.T) {
	disp := dispatch.New(dispatch.DefaultConfig(), nil, nil)
	var invs []*ledger.Inventory
	for _, name := range []string{"a", "b"} {
		inv, err := ledger.NewInventory(ledger.ConfigFromSpec(name, types.InstrumentMES), nil)
		if err != nil {
			t.Fatalf("NewInventory() error = %v", err)
		}
		invs = append(invs, inv)
	}

	_, err := NewRunner(disp, paper.NewBroker(paper.DefaultConfig(), nil), invs, nil)
	if !errors.Is(err, types.ErrDuplicateInventory) {
		t.Errorf("NewRunner() error = %v, want ErrDuplicateInventory", err)
	}
}
