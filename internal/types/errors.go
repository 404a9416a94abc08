package types

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation is wrapped by every fatal accounting fault. Callers
// classify with errors.Is(err, ErrInvariantViolation) and must stop
// processing the affected inventory.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// Fatal ledger errors.
var (
	ErrTickerMismatch      = fmt.Errorf("%w: ticker mismatch", ErrInvariantViolation)
	ErrDuplicateUID        = fmt.Errorf("%w: duplicate order uid", ErrInvariantViolation)
	ErrNonMonotonicReport  = fmt.Errorf("%w: non-monotonic cumulative report", ErrInvariantViolation)
	ErrFillOutOfBounds     = fmt.Errorf("%w: fill quantity out of bounds", ErrInvariantViolation)
	ErrLedgerDrift         = fmt.Errorf("%w: ledger drift", ErrInvariantViolation)
	ErrAlreadyAcknowledged = fmt.Errorf("%w: order already acknowledged", ErrInvariantViolation)
	ErrNotAcknowledged     = fmt.Errorf("%w: order not acknowledged", ErrInvariantViolation)
	ErrInvalidAck          = fmt.Errorf("%w: invalid acknowledgment", ErrInvariantViolation)
	ErrUnknownOrder        = fmt.Errorf("%w: order not registered in inventory", ErrInvariantViolation)
)

// Non-fatal errors.
var (
	ErrInventoryHalted    = errors.New("inventory halted after invariant violation")
	ErrDuplicateInventory = errors.New("inventory already registered")
	ErrInventoryNotFound  = errors.New("inventory not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
