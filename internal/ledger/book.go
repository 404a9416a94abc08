package ledger

import (
	"fmt"

	"github.com/tathienbao/order-ledger/internal/types"
)

type bookEntry struct {
	order *Order
	inv   *Inventory
}

// Book maps broker uids to the order and the inventory that owns it, so an
// execution report carrying only a uid can be routed. Entries are never
// removed; the book lives as long as the session.
//
// Not safe for concurrent use.
type Book struct {
	entries map[string]bookEntry
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{entries: make(map[string]bookEntry)}
}

// Add registers order with inv and indexes it by uid. Orders without a uid
// are not indexed yet and Add does nothing. The book is left unchanged when
// the inventory rejects the order.
func (b *Book) Add(o *Order, inv *Inventory) error {
	if o.uid == "" {
		return nil
	}
	if o.ticker != inv.cfg.Ticker {
		return fmt.Errorf("book: %w: order %s is %s, inventory %s is %s",
			types.ErrTickerMismatch, o.uid, o.ticker, inv.cfg.Name, inv.cfg.Ticker)
	}
	if _, ok := b.entries[o.uid]; ok {
		return fmt.Errorf("book: %w: %s", types.ErrDuplicateUID, o.uid)
	}
	if err := inv.AddOrder(o); err != nil {
		return fmt.Errorf("book: %w", err)
	}
	b.entries[o.uid] = bookEntry{order: o, inv: inv}
	return nil
}

// Get looks up a uid. A miss is reported with ok == false; reports for
// orders this session never placed are expected.
func (b *Book) Get(uid string) (*Order, *Inventory, bool) {
	e, ok := b.entries[uid]
	if !ok {
		return nil, nil, false
	}
	return e.order, e.inv, true
}

// Len returns the number of indexed orders.
func (b *Book) Len() int {
	return len(b.entries)
}
