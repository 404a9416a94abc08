package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/order-ledger/internal/ledger"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	// Run migrations
	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL DEFAULT '',
			inventory TEXT NOT NULL,
			ticker TEXT NOT NULL,
			pos_delta TEXT NOT NULL,
			price TEXT NOT NULL,
			pos TEXT NOT NULL,
			avg_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			realized_fee TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			total_pnl TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_ticker ON fills(ticker)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_timestamp ON fills(timestamp)`,

		`CREATE TABLE IF NOT EXISTS orders (
			uid TEXT PRIMARY KEY,
			inventory TEXT NOT NULL,
			ticker TEXT NOT NULL,
			kind INTEGER NOT NULL,
			side INTEGER NOT NULL,
			type INTEGER NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			qty TEXT NOT NULL,
			price TEXT NOT NULL,
			filled TEXT NOT NULL DEFAULT '0',
			filled_price TEXT NOT NULL DEFAULT '0',
			opened TEXT NOT NULL DEFAULT '0',
			state INTEGER NOT NULL,
			raw_data TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_inventory ON orders(inventory)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state)`,

		`CREATE TABLE IF NOT EXISTS inventory_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			inventory TEXT NOT NULL,
			ticker TEXT NOT NULL,
			pos TEXT NOT NULL,
			avg_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			realized_fee TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			total_pnl TEXT NOT NULL,
			opened_buy TEXT NOT NULL,
			opened_sell TEXT NOT NULL,
			orders INTEGER NOT NULL DEFAULT 0,
			mark TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_inventory ON inventory_snapshots(inventory, timestamp)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started DATETIME NOT NULL,
			ended DATETIME NOT NULL,
			applied INTEGER NOT NULL DEFAULT 0,
			unmatched INTEGER NOT NULL DEFAULT 0,
			halted TEXT NOT NULL DEFAULT '',
			total_pnl TEXT NOT NULL DEFAULT '0'
		)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveFill appends a fill record to the journal.
func (r *SQLiteRepository) SaveFill(ctx context.Context, fill ledger.FillRecord) error {
	query := `INSERT INTO fills
		(uid, inventory, ticker, pos_delta, price, pos, avg_price, realized_pnl, realized_fee, unrealized_pnl, total_pnl, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		fill.UID,
		fill.Name,
		fill.Ticker,
		fill.PosDelta.String(),
		fill.Price.String(),
		fill.Pos.String(),
		fill.AvgPrice.String(),
		fill.RealizedPnL.String(),
		fill.RealizedFee.String(),
		fill.UnrealizedPnL.String(),
		fill.TotalPnL.String(),
		fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	return nil
}

const fillColumns = `uid, inventory, ticker, pos_delta, price, pos, avg_price, realized_pnl, realized_fee, unrealized_pnl, total_pnl, timestamp`

// GetFills returns fills in a time range, oldest first.
func (r *SQLiteRepository) GetFills(ctx context.Context, from, to time.Time) ([]ledger.FillRecord, error) {
	query := `SELECT ` + fillColumns + ` FROM fills WHERE timestamp BETWEEN ? AND ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return r.scanFills(rows)
}

// GetFillsByTicker returns the most recent fills for a ticker, oldest
// first. limit <= 0 returns every fill.
func (r *SQLiteRepository) GetFillsByTicker(ctx context.Context, ticker string, limit int) ([]ledger.FillRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT * FROM (SELECT id, ` + fillColumns + ` FROM fills WHERE ticker = ? ORDER BY id DESC LIMIT ?) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("query fills by ticker: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fills []ledger.FillRecord
	for rows.Next() {
		var id int64
		f, err := scanFill(rows, &id)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}

	return fills, rows.Err()
}

func (r *SQLiteRepository) scanFills(rows *sql.Rows) ([]ledger.FillRecord, error) {
	var fills []ledger.FillRecord
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}

	return fills, rows.Err()
}

func scanFill(rows *sql.Rows, prefix ...any) (ledger.FillRecord, error) {
	var f ledger.FillRecord
	var posDelta, price, pos, avgPrice, realizedPnL, realizedFee, unrealizedPnL, totalPnL string

	dest := append(prefix, &f.UID, &f.Name, &f.Ticker, &posDelta, &price, &pos, &avgPrice,
		&realizedPnL, &realizedFee, &unrealizedPnL, &totalPnL, &f.Timestamp)
	if err := rows.Scan(dest...); err != nil {
		return f, fmt.Errorf("scan row: %w", err)
	}

	f.PosDelta, _ = decimal.NewFromString(posDelta)
	f.Price, _ = decimal.NewFromString(price)
	f.Pos, _ = decimal.NewFromString(pos)
	f.AvgPrice, _ = decimal.NewFromString(avgPrice)
	f.RealizedPnL, _ = decimal.NewFromString(realizedPnL)
	f.RealizedFee, _ = decimal.NewFromString(realizedFee)
	f.UnrealizedPnL, _ = decimal.NewFromString(unrealizedPnL)
	f.TotalPnL, _ = decimal.NewFromString(totalPnL)

	return f, nil
}

// SaveOrder inserts or updates an order by uid.
func (r *SQLiteRepository) SaveOrder(ctx context.Context, order OrderRecord) error {
	raw, err := json.Marshal(order.RawData)
	if err != nil {
		return fmt.Errorf("marshal raw data: %w", err)
	}

	query := `INSERT OR REPLACE INTO orders
		(uid, inventory, ticker, kind, side, type, origin, qty, price, filled, filled_price, opened, state, raw_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	_, err = r.db.ExecContext(ctx, query,
		order.UID,
		order.Inventory,
		order.Ticker,
		order.Kind,
		order.Side,
		order.Type,
		order.Origin,
		order.Qty.String(),
		order.Price.String(),
		order.Filled.String(),
		order.FilledPrice.String(),
		order.Opened.String(),
		order.State,
		string(raw),
		order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

const orderColumns = `uid, inventory, ticker, kind, side, type, origin, qty, price, filled, filled_price, opened, state, raw_data, created_at, updated_at`

// GetOrder returns the order with the given uid, or nil.
func (r *SQLiteRepository) GetOrder(ctx context.Context, uid string) (*OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE uid = ?`, uid)
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders, err := r.scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// GetOpenOrders returns orders of an inventory with open quantity.
func (r *SQLiteRepository) GetOpenOrders(ctx context.Context, inventory string) ([]OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE inventory = ? AND opened != '0' ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, inventory)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return r.scanOrders(rows)
}

func (r *SQLiteRepository) scanOrders(rows *sql.Rows) ([]OrderRecord, error) {
	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		var qty, price, filled, filledPrice, opened string
		var raw sql.NullString

		if err := rows.Scan(&o.UID, &o.Inventory, &o.Ticker, &o.Kind, &o.Side, &o.Type, &o.Origin,
			&qty, &price, &filled, &filledPrice, &opened, &o.State, &raw, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		o.Qty, _ = decimal.NewFromString(qty)
		o.Price, _ = decimal.NewFromString(price)
		o.Filled, _ = decimal.NewFromString(filled)
		o.FilledPrice, _ = decimal.NewFromString(filledPrice)
		o.Opened, _ = decimal.NewFromString(opened)
		if raw.Valid && raw.String != "null" {
			if err := json.Unmarshal([]byte(raw.String), &o.RawData); err != nil {
				return nil, fmt.Errorf("unmarshal raw data of %s: %w", o.UID, err)
			}
		}

		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// SaveSnapshot stores an inventory snapshot taken during session.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, session string, snap ledger.Snapshot) error {
	query := `INSERT INTO inventory_snapshots
		(session_id, inventory, ticker, pos, avg_price, realized_pnl, realized_fee, unrealized_pnl, total_pnl, opened_buy, opened_sell, orders, mark, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		session,
		snap.Name,
		snap.Ticker,
		snap.Pos.String(),
		snap.Price.String(),
		snap.RealizedPnL.String(),
		snap.RealizedFee.String(),
		snap.UnrealizedPnL.String(),
		snap.TotalPnL.String(),
		snap.OpenedBuy.String(),
		snap.OpenedSell.String(),
		snap.Orders,
		snap.Mark.String(),
		snap.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	return nil
}

const snapshotColumns = `inventory, ticker, pos, avg_price, realized_pnl, realized_fee, unrealized_pnl, total_pnl, opened_buy, opened_sell, orders, mark, timestamp`

// GetLatestSnapshot returns the most recent snapshot of an inventory, or nil.
func (r *SQLiteRepository) GetLatestSnapshot(ctx context.Context, inventory string) (*ledger.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM inventory_snapshots WHERE inventory = ? ORDER BY id DESC LIMIT 1`

	rows, err := r.db.QueryContext(ctx, query, inventory)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snaps, err := r.scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

// GetSnapshotHistory returns snapshots of an inventory in a time range.
func (r *SQLiteRepository) GetSnapshotHistory(ctx context.Context, inventory string, from, to time.Time) ([]ledger.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM inventory_snapshots
		WHERE inventory = ? AND timestamp BETWEEN ? AND ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, inventory, from, to)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return r.scanSnapshots(rows)
}

func (r *SQLiteRepository) scanSnapshots(rows *sql.Rows) ([]ledger.Snapshot, error) {
	var snaps []ledger.Snapshot
	for rows.Next() {
		var s ledger.Snapshot
		var pos, price, realizedPnL, realizedFee, unrealizedPnL, totalPnL, openedBuy, openedSell, mark string

		if err := rows.Scan(&s.Name, &s.Ticker, &pos, &price, &realizedPnL, &realizedFee, &unrealizedPnL,
			&totalPnL, &openedBuy, &openedSell, &s.Orders, &mark, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		s.Pos, _ = decimal.NewFromString(pos)
		s.Price, _ = decimal.NewFromString(price)
		s.RealizedPnL, _ = decimal.NewFromString(realizedPnL)
		s.RealizedFee, _ = decimal.NewFromString(realizedFee)
		s.UnrealizedPnL, _ = decimal.NewFromString(unrealizedPnL)
		s.TotalPnL, _ = decimal.NewFromString(totalPnL)
		s.OpenedBuy, _ = decimal.NewFromString(openedBuy)
		s.OpenedSell, _ = decimal.NewFromString(openedSell)
		s.Mark, _ = decimal.NewFromString(mark)

		snaps = append(snaps, s)
	}

	return snaps, rows.Err()
}

// SaveSession inserts or updates a session summary.
func (r *SQLiteRepository) SaveSession(ctx context.Context, session SessionRecord) error {
	query := `INSERT OR REPLACE INTO sessions (id, started, ended, applied, unmatched, halted, total_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.Started,
		session.Ended,
		session.Applied,
		session.Unmatched,
		strings.Join(session.Halted, ","),
		session.TotalPnL.String(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// GetLatestSession returns the most recently started session, or nil.
func (r *SQLiteRepository) GetLatestSession(ctx context.Context) (*SessionRecord, error) {
	query := `SELECT id, started, ended, applied, unmatched, halted, total_pnl
		FROM sessions ORDER BY started DESC LIMIT 1`

	var s SessionRecord
	var halted, totalPnL string

	err := r.db.QueryRowContext(ctx, query).Scan(
		&s.ID,
		&s.Started,
		&s.Ended,
		&s.Applied,
		&s.Unmatched,
		&halted,
		&totalPnL,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	if halted != "" {
		s.Halted = strings.Split(halted, ",")
	}
	s.TotalPnL, _ = decimal.NewFromString(totalPnL)

	return &s, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
