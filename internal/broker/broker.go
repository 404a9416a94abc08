// Package broker defines the venue interface the ledger is fed from.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/ledger"
)

// Common broker errors.
var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrOrderRejected = errors.New("order rejected by broker")
	ErrRateLimited   = errors.New("rate limited by broker")
	ErrUnknownOrder  = errors.New("order not known to broker")
	ErrShutdown      = errors.New("broker shut down")
)

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Ack is a venue's acceptance of a request. It carries everything
// ledger.Order.Acknowledge needs.
type Ack struct {
	RawData map[string]any
	UID     string
	Opened  decimal.Decimal // Requested qty for new/replace orders, 0 for cancels
}

// ExecutionReport is a cumulative fill report for one venue order.
// Totals only ever move one way: TotalFilled up, TotalOpened down.
type ExecutionReport struct {
	UID              string
	Ticker           string
	TotalFilled      decimal.Decimal
	TotalFilledPrice decimal.Decimal // Average price of everything filled so far
	TotalOpened      decimal.Decimal
	Timestamp        time.Time
}

// IsTerminal reports whether nothing remains open on the order.
func (r ExecutionReport) IsTerminal() bool {
	return r.TotalOpened.IsZero()
}

// Broker defines the interface for venue connectivity.
type Broker interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool

	// Order execution. Cancel and replace requests are derived orders;
	// origin is the acknowledged order they act on.
	SubmitOrder(ctx context.Context, order *ledger.Order) (Ack, error)
	CancelOrder(ctx context.Context, cancel, origin *ledger.Order) (Ack, error)
	ReplaceOrder(ctx context.Context, replace, origin *ledger.Order) (Ack, error)

	// Reports streams cumulative execution reports. It is closed by Shutdown.
	Reports() <-chan ExecutionReport

	// Graceful shutdown
	Shutdown(ctx context.Context) error
}
