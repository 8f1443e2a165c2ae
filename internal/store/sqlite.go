package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"tradesvc/internal/domain"
)

// Compile-time interface checks.
var _ Ledger = (*SQLiteStore)(nil)
var _ EventStore = (*SQLiteStore)(nil)

// SQLiteStore implements the Ledger and EventStore on a SQLite database.
// The pool is capped at one connection: SQLite allows a single writer, and
// funnelling all access through one connection turns every transaction into
// a strictly serialized unit.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	limit_price     TEXT NOT NULL DEFAULT '',
	filled_qty      TEXT NOT NULL DEFAULT '0',
	avg_price       TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	client_id       TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	client_id  TEXT NOT NULL,
	key        TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (client_id, key)
);

CREATE TABLE IF NOT EXISTS fills (
	id           TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	qty          TEXT NOT NULL,
	price        TEXT NOT NULL,
	fee          TEXT NOT NULL DEFAULT '0',
	realized_pnl TEXT NOT NULL DEFAULT '0',
	ts           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills(ts);

CREATE TABLE IF NOT EXISTS positions (
	symbol       TEXT PRIMARY KEY,
	qty          TEXT NOT NULL DEFAULT '0',
	avg_price    TEXT NOT NULL DEFAULT '0',
	realized_pnl TEXT NOT NULL DEFAULT '0',
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id              TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	event           TEXT NOT NULL,
	payload         BLOB NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_status     INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	next_attempt_at INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	UNIQUE (order_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_due ON webhook_events(status, next_attempt_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// the schema, and returns a ready-to-use store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Ledger transactions
// ---------------------------------------------------------------------------

// CreateOrder persists a new order, its idempotency record, and an optional
// lifecycle event in one transaction.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order *domain.Order, event *domain.EventBody) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := order.CreatedAt.UnixNano()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (client_id, key, order_id, created_at) VALUES (?, ?, ?, ?)`,
			order.ClientID, order.IdempotencyKey, order.ID, now)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("inserting idempotency record: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO orders (id, symbol, side, type, qty, limit_price, filled_qty, avg_price,
			                     status, reason, client_id, idempotency_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.Symbol, string(order.Side), string(order.Type),
			order.Qty.String(), decString(order.LimitPrice), order.FilledQty.String(), decString(order.AvgPrice),
			string(order.Status), string(order.Reason), order.ClientID, order.IdempotencyKey,
			now, order.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("inserting order: %w", err)
		}

		if event != nil {
			if err := enqueueEventTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// FinalizeOrder updates the order row and enqueues a lifecycle event in one
// transaction.
func (s *SQLiteStore) FinalizeOrder(ctx context.Context, order *domain.Order, event *domain.EventBody) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateOrderTx(ctx, tx, order); err != nil {
			return err
		}
		if event != nil {
			if err := enqueueEventTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// SettleOrder persists an execution atomically: order update, fill row,
// position snapshot, and lifecycle event all commit or none do.
func (s *SQLiteStore) SettleOrder(ctx context.Context, order *domain.Order, fill *domain.Fill, pos *domain.Position, event *domain.EventBody) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateOrderTx(ctx, tx, order); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO fills (id, order_id, symbol, side, qty, price, fee, realized_pnl, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fill.ID, fill.OrderID, fill.Symbol, string(fill.Side),
			fill.Qty.String(), fill.Price.String(), fill.Fee.String(), fill.RealizedPnL.String(),
			fill.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("inserting fill: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO positions (symbol, qty, avg_price, realized_pnl, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(symbol) DO UPDATE SET
			   qty = excluded.qty,
			   avg_price = excluded.avg_price,
			   realized_pnl = excluded.realized_pnl,
			   updated_at = excluded.updated_at`,
			pos.Symbol, pos.Qty.String(), pos.AvgPrice.String(), pos.RealizedPnL.String(),
			pos.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("upserting position: %w", err)
		}

		if event != nil {
			if err := enqueueEventTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func updateOrderTx(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET filled_qty = ?, avg_price = ?, status = ?, reason = ?, updated_at = ?
		 WHERE id = ?`,
		order.FilledQty.String(), decString(order.AvgPrice), string(order.Status), string(order.Reason),
		order.UpdatedAt.UnixNano(), order.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", order.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// enqueueEventTx assigns the next per-order sequence number, stamps it into
// the payload, and inserts the pending event.
func enqueueEventTx(ctx context.Context, tx *sql.Tx, body *domain.EventBody) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM webhook_events WHERE order_id = ?`,
		body.OrderID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("assigning event sequence: %w", err)
	}
	body.Seq = seq
	if body.EventID == "" {
		body.EventID = domain.NewEventID()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling event payload: %w", err)
	}

	now := body.Ts.UnixNano()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO webhook_events (id, order_id, seq, event, payload, status, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		body.EventID, body.OrderID, seq, body.Event, payload,
		string(domain.EventStatusPending), now, now)
	if err != nil {
		return fmt.Errorf("enqueueing event: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// OrderStore
// ---------------------------------------------------------------------------

const orderColumns = `id, symbol, side, type, qty, limit_price, filled_qty, avg_price,
	status, reason, client_id, idempotency_key, created_at, updated_at`

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByIdempotencyKey resolves an idempotency record to its order.
func (s *SQLiteStore) GetOrderByIdempotencyKey(ctx context.Context, clientID, key string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE id = (SELECT order_id FROM idempotency_keys WHERE client_id = ? AND key = ?)`,
		clientID, key)
	return scanOrder(row)
}

// ListOrders returns all orders with the given status, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// FillStore
// ---------------------------------------------------------------------------

const fillColumns = `id, order_id, symbol, side, qty, price, fee, realized_pnl, ts`

// ListFillsByOrder returns an order's fills in timestamp order.
func (s *SQLiteStore) ListFillsByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	return s.queryFills(ctx, `SELECT `+fillColumns+` FROM fills WHERE order_id = ? ORDER BY ts`, orderID)
}

// ListFills returns every fill in timestamp order.
func (s *SQLiteStore) ListFills(ctx context.Context) ([]domain.Fill, error) {
	return s.queryFills(ctx, `SELECT `+fillColumns+` FROM fills ORDER BY ts`)
}

// RealizedPnLSince sums realized P&L over fills at or after since.
func (s *SQLiteStore) RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl FROM fills WHERE ts >= ?`, since.UnixNano())
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parsing realized_pnl %q: %w", raw, err)
		}
		total = total.Add(v)
	}
	return total, rows.Err()
}

func (s *SQLiteStore) queryFills(ctx context.Context, query string, args ...any) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f                        domain.Fill
			side                     string
			qty, price, fee, pnl     string
			ts                       int64
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &side, &qty, &price, &fee, &pnl, &ts); err != nil {
			return nil, err
		}
		f.Side = domain.OrderSide(side)
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if f.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		if f.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		f.Timestamp = time.Unix(0, ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore
// ---------------------------------------------------------------------------

// GetPosition returns the stored position for a symbol, or a zero-quantity
// position if the symbol has never traded.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT symbol, qty, avg_price, realized_pnl, updated_at FROM positions WHERE symbol = ?`, symbol)

	pos, err := scanPosition(row)
	if err == ErrNotFound {
		return &domain.Position{Symbol: symbol}, nil
	}
	return pos, err
}

// ListPositions returns all positions with non-zero quantity.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, qty, avg_price, realized_pnl, updated_at FROM positions WHERE qty != '0' ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// ---------------------------------------------------------------------------
// EventStore
// ---------------------------------------------------------------------------

const eventColumns = `id, order_id, seq, event, payload, attempts, last_status, status, next_attempt_at, created_at`

// DueEvents returns pending events whose retry time has arrived, holding
// back an order's later events while an earlier one is still pending so
// per-order FIFO is preserved.
func (s *SQLiteStore) DueEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events e
		 WHERE e.status = 'pending' AND e.next_attempt_at <= ?
		   AND e.seq = (SELECT MIN(seq) FROM webhook_events p
		                WHERE p.order_id = e.order_id AND p.status = 'pending')
		 ORDER BY e.created_at LIMIT ?`,
		now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var (
			e                 domain.WebhookEvent
			status            string
			nextAttempt, created int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Seq, &e.Event, &e.Payload,
			&e.Attempts, &e.LastStatus, &status, &nextAttempt, &created); err != nil {
			return nil, err
		}
		e.Status = domain.EventStatus(status)
		e.NextAttemptAt = time.Unix(0, nextAttempt)
		e.CreatedAt = time.Unix(0, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventDelivered records a successful delivery.
func (s *SQLiteStore) MarkEventDelivered(ctx context.Context, id string, statusCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = 'delivered', attempts = attempts + 1, last_status = ? WHERE id = ?`,
		statusCode, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkEventFailed records a failed attempt; dead moves the event to the
// dead-letter state instead of scheduling another try.
func (s *SQLiteStore) MarkEventFailed(ctx context.Context, id string, statusCode int, nextAttempt time.Time, dead bool) error {
	status := domain.EventStatusPending
	if dead {
		status = domain.EventStatusDead
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = ?, attempts = attempts + 1, last_status = ?, next_attempt_at = ? WHERE id = ?`,
		string(status), statusCode, nextAttempt.UnixNano(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeadLetters returns all events that exhausted their retries.
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]domain.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE status = 'dead' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var (
			e                    domain.WebhookEvent
			status               string
			nextAttempt, created int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Seq, &e.Event, &e.Payload,
			&e.Attempts, &e.LastStatus, &status, &nextAttempt, &created); err != nil {
			return nil, err
		}
		e.Status = domain.EventStatus(status)
		e.NextAttemptAt = time.Unix(0, nextAttempt)
		e.CreatedAt = time.Unix(0, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                               domain.Order
		side, typ, status, reason       string
		qty, limitPrice, filledQty, avg string
		created, updated                int64
	)
	err := row.Scan(&o.ID, &o.Symbol, &side, &typ, &qty, &limitPrice, &filledQty, &avg,
		&status, &reason, &o.ClientID, &o.IdempotencyKey, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.Reason = domain.ReasonCode(reason)
	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parsing qty %q: %w", qty, err)
	}
	if o.LimitPrice, err = parseDec(limitPrice); err != nil {
		return nil, err
	}
	if o.FilledQty, err = parseDec(filledQty); err != nil {
		return nil, err
	}
	if o.AvgPrice, err = parseDec(avg); err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(0, created)
	o.UpdatedAt = time.Unix(0, updated)
	return &o, nil
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		p                  domain.Position
		qty, avg, realized string
		updated            int64
	)
	err := row.Scan(&p.Symbol, &qty, &avg, &realized, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Unix(0, updated)
	return &p, nil
}

// decString renders a decimal for storage; zero values of optional fields
// store as the empty string.
func decString(v decimal.Decimal) string {
	if v.IsZero() {
		return ""
	}
	return v.String()
}

func parseDec(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing decimal %q: %w", raw, err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
