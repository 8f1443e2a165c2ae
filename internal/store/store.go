// Package store defines storage interfaces for the order ledger and the
// durable webhook event queue, with a SQLite implementation as the single
// source of truth.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateIdempotencyKey is returned when an order submission reuses a
// (client id, idempotency key) pair that already produced an order.
var ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")

// OrderStore reads and queries order records.
type OrderStore interface {
	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderByIdempotencyKey resolves the idempotency record for
	// (clientID, key) to the order it produced, or ErrNotFound.
	GetOrderByIdempotencyKey(ctx context.Context, clientID, key string) (*domain.Order, error)

	// ListOrders returns all orders with the given status, oldest first.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

// FillStore reads fill records.
type FillStore interface {
	// ListFillsByOrder returns an order's fills in timestamp order.
	ListFillsByOrder(ctx context.Context, orderID string) ([]domain.Fill, error)

	// ListFills returns every fill in timestamp order (audit/export).
	ListFills(ctx context.Context) ([]domain.Fill, error)

	// RealizedPnLSince sums the realized P&L of fills at or after since.
	RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// PositionStore reads position records.
type PositionStore interface {
	// GetPosition returns the position for a symbol; a symbol that has
	// never traded returns a zero-quantity position, not an error.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all positions with non-zero quantity.
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// EventStore is the durable webhook queue. Events are enqueued inside
// ledger transactions (see Ledger) and drained by the dispatcher.
type EventStore interface {
	// DueEvents returns up to limit pending events whose next attempt is
	// due, respecting FIFO order within each order id: an order's later
	// events are withheld while an earlier one is still pending.
	DueEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)

	// MarkEventDelivered records a successful delivery.
	MarkEventDelivered(ctx context.Context, id string, statusCode int) error

	// MarkEventFailed records a failed attempt and schedules the next one,
	// or moves the event to the dead-letter state when dead is true.
	MarkEventFailed(ctx context.Context, id string, statusCode int, nextAttempt time.Time, dead bool) error

	// DeadLetters returns all events that exhausted their retries.
	DeadLetters(ctx context.Context) ([]domain.WebhookEvent, error)
}

// Ledger is the transactional write surface the orchestrator drives. Each
// method is one atomic transaction; on error no partial state is left.
type Ledger interface {
	OrderStore
	FillStore
	PositionStore

	// CreateOrder persists a new order together with its idempotency
	// record and, when event is non-nil, an enqueued lifecycle event.
	// Returns ErrDuplicateIdempotencyKey if the key is already taken.
	CreateOrder(ctx context.Context, order *domain.Order, event *domain.EventBody) error

	// FinalizeOrder updates an order's status/reason and enqueues a
	// lifecycle event in the same transaction.
	FinalizeOrder(ctx context.Context, order *domain.Order, event *domain.EventBody) error

	// SettleOrder atomically persists an execution: the order update, the
	// fill row, the new position snapshot, and the lifecycle event.
	SettleOrder(ctx context.Context, order *domain.Order, fill *domain.Fill, pos *domain.Position, event *domain.EventBody) error
}
