// Package broker defines the execution venue abstraction and provides
// adapter implementations. Adding a venue means implementing the Broker
// interface, nothing else.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

// ExecutionStatus tags the outcome of a submission.
type ExecutionStatus string

const (
	// ExecutionFilled means the full quantity executed.
	ExecutionFilled ExecutionStatus = "filled"
	// ExecutionPartiallyFilled means part of the quantity executed.
	ExecutionPartiallyFilled ExecutionStatus = "partially_filled"
	// ExecutionRejected means the venue refused the order on business
	// grounds; the submission is terminal.
	ExecutionRejected ExecutionStatus = "rejected"
	// ExecutionPending means the venue accepted the order but no fill has
	// happened yet (a limit order resting on the book).
	ExecutionPending ExecutionStatus = "pending"
)

// ExecutionResult reports what the venue did with a submission. Qty, Price,
// and Fee are meaningful for filled and partially filled outcomes; Reason
// is set for rejections.
type ExecutionResult struct {
	Status ExecutionStatus
	Qty    decimal.Decimal
	Price  decimal.Decimal
	Fee    decimal.Decimal
	Reason string
}

// ErrUnknownOrder is returned by Status when the venue has no record of
// the order: the submission never landed and may safely be retried.
var ErrUnknownOrder = errors.New("order unknown to venue")

// Broker abstracts an execution venue. Business rejections are reported in
// the ExecutionResult; transport failures (network, venue outage) are
// returned as a *TransportError, which the orchestrator retries with
// bounded attempts.
type Broker interface {
	// Name returns the adapter identifier (e.g. "instant", "alpaca").
	Name() string

	// Submit sends an order to the venue for execution.
	Submit(ctx context.Context, order *domain.Order) (*ExecutionResult, error)

	// Status reports the venue's current view of a previously submitted
	// order. It returns ErrUnknownOrder when the venue has never seen the
	// order ID, letting the orchestrator distinguish a lost submission from
	// a lost response.
	Status(ctx context.Context, orderID string) (*ExecutionResult, error)

	// Cancel requests cancellation of an open order by its ID. It returns
	// false when the venue can no longer cancel (already filled or done).
	Cancel(ctx context.Context, orderID string) (bool, error)

	// GetPositions returns the venue's view of current positions.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetBalance returns the free balance for an asset.
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// TransportError marks a venue call that failed before a business decision
// was made: the order may or may not have reached the venue.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("venue transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err (or anything it wraps) is a transport
// failure worth retrying.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
