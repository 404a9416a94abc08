// Package persistence journals ledger activity to durable storage.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/ledger"
	"github.com/tathienbao/order-ledger/internal/types"
)

// Repository defines the interface for the ledger journal.
type Repository interface {
	// Fill operations
	SaveFill(ctx context.Context, fill ledger.FillRecord) error
	GetFills(ctx context.Context, from, to time.Time) ([]ledger.FillRecord, error)
	GetFillsByTicker(ctx context.Context, ticker string, limit int) ([]ledger.FillRecord, error)

	// Order operations
	SaveOrder(ctx context.Context, order OrderRecord) error
	GetOrder(ctx context.Context, uid string) (*OrderRecord, error)
	GetOpenOrders(ctx context.Context, inventory string) ([]OrderRecord, error)

	// Inventory snapshot operations
	SaveSnapshot(ctx context.Context, session string, snap ledger.Snapshot) error
	GetLatestSnapshot(ctx context.Context, inventory string) (*ledger.Snapshot, error)
	GetSnapshotHistory(ctx context.Context, inventory string, from, to time.Time) ([]ledger.Snapshot, error)

	// Session operations
	SaveSession(ctx context.Context, session SessionRecord) error
	GetLatestSession(ctx context.Context) (*SessionRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// OrderRecord is the journaled state of an acknowledged order.
type OrderRecord struct {
	UID         string
	Inventory   string
	Ticker      string
	Kind        types.OrderKind
	Side        types.Side
	Type        types.OrderType
	Origin      string
	Qty         decimal.Decimal
	Price       decimal.Decimal
	Filled      decimal.Decimal
	FilledPrice decimal.Decimal
	Opened      decimal.Decimal
	State       types.OrderState
	RawData     map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewOrderRecord copies an order owned by inventory.
func NewOrderRecord(inventory string, o *ledger.Order) OrderRecord {
	return OrderRecord{
		UID:         o.UID(),
		Inventory:   inventory,
		Ticker:      o.Ticker(),
		Kind:        o.Kind(),
		Side:        o.Side(),
		Type:        o.Type(),
		Origin:      o.Origin(),
		Qty:         o.Qty(),
		Price:       o.Price(),
		Filled:      o.Filled(),
		FilledPrice: o.FilledPrice(),
		Opened:      o.Opened(),
		State:       o.State(),
		RawData:     o.RawData(),
		CreatedAt:   o.CreatedAt(),
	}
}

// SessionRecord summarizes one run of the ledger.
type SessionRecord struct {
	ID        string
	Started   time.Time
	Ended     time.Time
	Applied   int64
	Unmatched int64
	Halted    []string
	TotalPnL  decimal.Decimal
}
