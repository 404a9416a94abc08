package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/tathienbao/order-ledger/internal/ledger"
)

// Journal is a ledger.AuditSink that writes every fill to a repository.
// Write failures are logged; they never fail the ledger mutation.
type Journal struct {
	repo    Repository
	logger  *slog.Logger
	timeout time.Duration
}

// NewJournal creates a journal writing to repo.
func NewJournal(repo Repository, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{repo: repo, logger: logger, timeout: 5 * time.Second}
}

// RecordFill saves rec.
func (j *Journal) RecordFill(rec ledger.FillRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.repo.SaveFill(ctx, rec); err != nil {
		j.logger.Error("failed to journal fill",
			"inventory", rec.Name,
			"order_id", rec.UID,
			"err", err,
		)
	}
}

// SaveOrders journals the current state of every order in inv.
func (j *Journal) SaveOrders(ctx context.Context, inv *ledger.Inventory) error {
	for _, o := range inv.Orders() {
		if err := j.repo.SaveOrder(ctx, NewOrderRecord(inv.Name(), o)); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession journals the final snapshots and the session summary.
func (j *Journal) SaveSession(ctx context.Context, session SessionRecord, snaps []ledger.Snapshot) error {
	for _, snap := range snaps {
		if err := j.repo.SaveSnapshot(ctx, session.ID, snap); err != nil {
			return err
		}
	}
	return j.repo.SaveSession(ctx, session)
}
