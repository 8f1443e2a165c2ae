// Package engine orchestrates the order pipeline: intake and idempotency,
// pre-trade risk checks, broker execution with bounded retries, atomic
// settlement, and lifecycle event enqueueing. Per-symbol locks serialize the
// check-then-act window so risk decisions always see a settled position.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradesvc/internal/broker"
	"tradesvc/internal/domain"
	"tradesvc/internal/risk"
	"tradesvc/internal/store"
	"tradesvc/internal/util"
)

// venueRetryDelay is the initial backoff between transient venue failures.
const venueRetryDelay = 250 * time.Millisecond

var (
	// ErrInvalidRequest marks a submission that is malformed before any
	// business rule applies (missing client identity or unknown enums).
	ErrInvalidRequest = errors.New("invalid order request")

	// ErrTooLate means a cancellation lost the race against execution or
	// targeted an already terminal order.
	ErrTooLate = errors.New("too late to cancel")
)

// SubmitRequest is a validated-on-entry order submission.
type SubmitRequest struct {
	ClientID       string
	IdempotencyKey string
	Symbol         string
	Side           domain.OrderSide
	Type           domain.OrderType
	Qty            decimal.Decimal
	LimitPrice     decimal.Decimal
}

// Engine drives orders through the pipeline. All mutating entry points are
// safe for concurrent use.
type Engine struct {
	ledger store.Ledger
	risk   *risk.Engine
	venue  broker.Broker
	log    *slog.Logger

	maxVenueAttempts  int
	venueTimeout      time.Duration
	reconcileInterval time.Duration

	// notify wakes the webhook dispatcher after events are enqueued.
	notify func()

	symbolLocks *keyedMutex
	keyLocks    *keyedMutex

	now func() time.Time
}

// Options configures an Engine.
type Options struct {
	MaxVenueAttempts int
	VenueTimeout     time.Duration
	// ReconcileInterval is how often Reconcile polls the venue for orders
	// still resting on the book.
	ReconcileInterval time.Duration
	// Notify, if non-nil, is invoked after lifecycle events are enqueued.
	Notify func()
}

// New creates an Engine over the given ledger, risk engine, and venue.
func New(ledger store.Ledger, riskEngine *risk.Engine, venue broker.Broker, opts Options, log *slog.Logger) *Engine {
	if opts.MaxVenueAttempts < 1 {
		opts.MaxVenueAttempts = 1
	}
	if opts.VenueTimeout <= 0 {
		opts.VenueTimeout = 5 * time.Second
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Second
	}
	notify := opts.Notify
	if notify == nil {
		notify = func() {}
	}
	return &Engine{
		ledger:            ledger,
		risk:              riskEngine,
		venue:             venue,
		log:               log,
		maxVenueAttempts:  opts.MaxVenueAttempts,
		venueTimeout:      opts.VenueTimeout,
		reconcileInterval: opts.ReconcileInterval,
		notify:            notify,
		symbolLocks:       newKeyedMutex(),
		keyLocks:          newKeyedMutex(),
		now:               time.Now,
	}
}

// SubmitOrder runs one order through intake, risk, execution, and
// settlement. Risk and venue rejections are not errors: the returned order
// carries a terminal status and reason. Resubmitting a (client, key) pair
// returns the original order unchanged.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// One in-flight submission per idempotency pair: a concurrent duplicate
	// waits here and then finds the winner's order.
	idemKey := req.ClientID + "\x00" + req.IdempotencyKey
	e.keyLocks.lock(idemKey)
	defer e.keyLocks.unlock(idemKey)

	existing, err := e.ledger.GetOrderByIdempotencyKey(ctx, req.ClientID, req.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	// Serialize check-then-act per symbol so no two orders evaluate risk
	// against the same stale position.
	e.symbolLocks.lock(req.Symbol)
	defer e.symbolLocks.unlock(req.Symbol)

	now := e.now()
	order := &domain.Order{
		ID:             domain.NewOrderID(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Qty:            req.Qty,
		LimitPrice:     req.LimitPrice,
		Status:         domain.OrderStatusReceived,
		ClientID:       req.ClientID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	pos, err := e.ledger.GetPosition(ctx, order.Symbol)
	if err != nil {
		return nil, fmt.Errorf("loading position for %s: %w", order.Symbol, err)
	}
	dailyLoss, err := e.dailyLoss(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing daily loss: %w", err)
	}

	if ok, reason := e.risk.Evaluate(order, pos, dailyLoss); !ok {
		return e.rejectOrder(ctx, order, reason)
	}

	order.Status = domain.OrderStatusSubmitted
	if err := e.ledger.CreateOrder(ctx, order, e.eventFor(order, domain.EventOrderAccepted)); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return e.ledger.GetOrderByIdempotencyKey(ctx, req.ClientID, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("persisting order: %w", err)
	}
	ordersTotal.Add(1)
	e.notify()
	e.log.Info("order accepted",
		"order_id", order.ID, "client_id", order.ClientID,
		"symbol", order.Symbol, "side", order.Side, "type", order.Type, "qty", order.Qty)

	return e.execute(ctx, order, pos)
}

// rejectOrder persists a risk-rejected order and its lifecycle event.
func (e *Engine) rejectOrder(ctx context.Context, order *domain.Order, reason domain.ReasonCode) (*domain.Order, error) {
	order.Status = domain.OrderStatusRejected
	order.Reason = reason
	if err := e.ledger.CreateOrder(ctx, order, e.eventFor(order, domain.EventOrderRejected)); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return e.ledger.GetOrderByIdempotencyKey(ctx, order.ClientID, order.IdempotencyKey)
		}
		return nil, fmt.Errorf("persisting rejected order: %w", err)
	}
	ordersTotal.Add(1)
	riskBlocksTotal.Add(1)
	e.notify()
	e.log.Info("order rejected by risk",
		"order_id", order.ID, "symbol", order.Symbol, "reason", reason)
	return order, nil
}

// execute submits the order to the venue and settles the outcome. Transient
// transport failures are retried up to the configured attempt budget;
// exhaustion marks the order broker-rejected with reason venue_unreachable.
func (e *Engine) execute(ctx context.Context, order *domain.Order, pos *domain.Position) (*domain.Order, error) {
	result, err := e.submitWithRecovery(ctx, order)
	if err != nil {
		e.log.Warn("venue unreachable, giving up",
			"order_id", order.ID, "attempts", e.maxVenueAttempts, "error", err)
		return e.finalize(ctx, order, domain.OrderStatusBrokerRejected,
			domain.ReasonVenueUnreachable, domain.EventOrderBrokerRejected)
	}

	switch result.Status {
	case broker.ExecutionRejected:
		e.log.Info("order rejected by venue", "order_id", order.ID, "reason", result.Reason)
		return e.finalize(ctx, order, domain.OrderStatusBrokerRejected,
			domain.ReasonCode(result.Reason), domain.EventOrderBrokerRejected)

	case broker.ExecutionPending:
		// Resting on the book. The order stays submitted until a later fill
		// or cancellation resolves it.
		return order, nil

	case broker.ExecutionFilled, broker.ExecutionPartiallyFilled:
		return e.settle(ctx, order, pos, result)

	default:
		return nil, fmt.Errorf("venue returned unknown execution status %q", result.Status)
	}
}

// submitWithRecovery places the order at the venue with bounded retries. A
// transport failure is ambiguous: the submission may or may not have landed.
// Before every retry the venue is asked for the order's status, and only an
// order the venue has never seen is submitted again. This keeps a lost
// response from turning into a duplicate execution.
func (e *Engine) submitWithRecovery(ctx context.Context, order *domain.Order) (*broker.ExecutionResult, error) {
	var lastErr error
	delay := venueRetryDelay
	for attempt := 0; attempt < e.maxVenueAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2

			result, err := e.venueStatus(ctx, order.ID)
			if err == nil {
				e.log.Info("recovered venue order after lost response",
					"order_id", order.ID, "attempt", attempt, "status", result.Status)
				return result, nil
			}
			if !errors.Is(err, broker.ErrUnknownOrder) {
				lastErr = err
				continue
			}
			// The venue never saw it; the submission is safe to repeat.
		}

		result, err := e.submitOnce(ctx, order)
		if err == nil {
			return result, nil
		}
		if !broker.IsTransport(err) {
			return nil, err
		}
		lastErr = err
		e.log.Warn("venue submit failed, will reconcile and retry",
			"order_id", order.ID, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (e *Engine) submitOnce(ctx context.Context, order *domain.Order) (*broker.ExecutionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.venueTimeout)
	defer cancel()
	return e.venue.Submit(callCtx, order)
}

func (e *Engine) venueStatus(ctx context.Context, orderID string) (*broker.ExecutionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.venueTimeout)
	defer cancel()
	return e.venue.Status(callCtx, orderID)
}

// finalize moves an order to a terminal state without a fill and enqueues
// the matching lifecycle event.
func (e *Engine) finalize(ctx context.Context, order *domain.Order, status domain.OrderStatus, reason domain.ReasonCode, event string) (*domain.Order, error) {
	order.Status = status
	order.Reason = reason
	order.UpdatedAt = e.now()
	if err := e.ledger.FinalizeOrder(ctx, order, e.eventFor(order, event)); err != nil {
		return nil, fmt.Errorf("finalizing order %s: %w", order.ID, err)
	}
	e.notify()
	e.log.Info("order finalized",
		"order_id", order.ID, "status", status, "reason", reason)
	return order, nil
}

// settle folds an execution into the order, its position, and the fill
// journal in one atomic ledger transaction.
func (e *Engine) settle(ctx context.Context, order *domain.Order, pos *domain.Position, result *broker.ExecutionResult) (*domain.Order, error) {
	if result.Qty.Sign() <= 0 || result.Qty.GreaterThan(order.RemainingQty()) {
		return nil, fmt.Errorf("venue reported fill qty %s outside remaining %s for order %s",
			result.Qty, order.RemainingQty(), order.ID)
	}

	now := e.now()
	fill := &domain.Fill{
		ID:        domain.NewFillID(),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       result.Qty,
		Price:     result.Price,
		Fee:       result.Fee,
		Timestamp: now,
	}
	fill.RealizedPnL = pos.ApplyFill(fill.Side, fill.Qty, fill.Price, now)

	// Re-weight the order's average fill price across all of its fills.
	prevNotional := order.AvgPrice.Mul(order.FilledQty)
	order.FilledQty = order.FilledQty.Add(result.Qty)
	order.AvgPrice = prevNotional.Add(result.Price.Mul(result.Qty)).Div(order.FilledQty)
	order.UpdatedAt = now

	event := domain.EventOrderFilled
	if order.FilledQty.LessThan(order.Qty) {
		order.Status = domain.OrderStatusPartiallyFilled
		event = domain.EventOrderPartiallyFilled
	} else {
		order.Status = domain.OrderStatusSettled
	}

	if err := e.ledger.SettleOrder(ctx, order, fill, pos, e.eventFor(order, event)); err != nil {
		return nil, fmt.Errorf("settling order %s: %w", order.ID, err)
	}
	fillsTotal.Add(1)
	e.notify()
	e.log.Info("order settled",
		"order_id", order.ID, "fill_id", fill.ID, "symbol", order.Symbol,
		"qty", fill.Qty, "price", fill.Price, "status", order.Status,
		"realized_pnl", fill.RealizedPnL)
	return order, nil
}

// CancelOrder attempts to cancel an open order. It returns ErrTooLate when
// the order is already terminal or the venue reports the fill won the race.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	e.symbolLocks.lock(order.Symbol)
	defer e.symbolLocks.unlock(order.Symbol)

	// Re-read under the lock; a concurrent fill may have settled it.
	order, err = e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return order, ErrTooLate
	}

	var ok bool
	err = util.Retry(ctx, e.maxVenueAttempts, venueRetryDelay, broker.IsTransport, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.venueTimeout)
		defer cancel()
		var cerr error
		ok, cerr = e.venue.Cancel(callCtx, orderID)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling order %s at venue: %w", orderID, err)
	}
	if !ok {
		return order, ErrTooLate
	}

	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = e.now()
	if err := e.ledger.FinalizeOrder(ctx, order, e.eventFor(order, domain.EventOrderCancelled)); err != nil {
		return nil, fmt.Errorf("persisting cancellation: %w", err)
	}
	e.notify()
	e.log.Info("order cancelled", "order_id", order.ID, "symbol", order.Symbol)
	return order, nil
}

// Reconcile periodically polls the venue for orders still resting on the
// book and settles any fills that arrived out of band. It blocks until ctx
// is cancelled; run it in its own goroutine.
func (e *Engine) Reconcile(ctx context.Context) {
	ticker := time.NewTicker(e.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.reconcileOnce(ctx); err != nil {
				e.log.Warn("reconcile pass failed", "error", err)
			}
		}
	}
}

// reconcileOnce walks every open order and folds in the venue's view.
func (e *Engine) reconcileOnce(ctx context.Context) error {
	var open []domain.Order
	for _, status := range []domain.OrderStatus{domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled} {
		orders, err := e.ledger.ListOrders(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s orders: %w", status, err)
		}
		open = append(open, orders...)
	}
	for _, order := range open {
		if err := e.reconcileOrder(ctx, order.ID, order.Symbol); err != nil {
			e.log.Warn("reconcile failed, will retry next pass",
				"order_id", order.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) reconcileOrder(ctx context.Context, orderID, symbol string) error {
	e.symbolLocks.lock(symbol)
	defer e.symbolLocks.unlock(symbol)

	// Re-read under the lock; a submission or cancel may have resolved it.
	order, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return nil
	}

	result, err := e.venueStatus(ctx, order.ID)
	if errors.Is(err, broker.ErrUnknownOrder) {
		return nil
	}
	if err != nil {
		return err
	}

	switch result.Status {
	case broker.ExecutionRejected:
		_, err := e.finalize(ctx, order, domain.OrderStatusBrokerRejected,
			domain.ReasonCode(result.Reason), domain.EventOrderBrokerRejected)
		return err

	case broker.ExecutionFilled, broker.ExecutionPartiallyFilled:
		// The venue reports cumulative filled quantity; settle the delta.
		delta := result.Qty.Sub(order.FilledQty)
		if delta.Sign() <= 0 {
			return nil
		}
		pos, err := e.ledger.GetPosition(ctx, order.Symbol)
		if err != nil {
			return err
		}
		_, err = e.settle(ctx, order, pos, &broker.ExecutionResult{
			Status: result.Status,
			Qty:    delta,
			Price:  result.Price,
			Fee:    result.Fee,
		})
		return err

	default:
		return nil // still resting
	}
}

// dailyLoss returns today's cumulative loss: realized P&L since UTC
// midnight plus the mark-to-market P&L of open positions at reference
// prices. Profitable days report zero loss.
func (e *Engine) dailyLoss(ctx context.Context) (decimal.Decimal, error) {
	midnight := e.now().UTC().Truncate(24 * time.Hour)
	realized, err := e.ledger.RealizedPnLSince(ctx, midnight)
	if err != nil {
		return decimal.Zero, err
	}

	positions, err := e.ledger.ListPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := realized
	limits := e.risk.Limits()
	for i := range positions {
		total = total.Add(positions[i].UnrealizedPnL(limits.RefPrice(positions[i].Symbol)))
	}

	if total.Sign() >= 0 {
		return decimal.Zero, nil
	}
	return total.Neg(), nil
}

// eventFor builds the webhook payload for an order lifecycle transition.
// The sequence number and event ID are assigned by the ledger at enqueue
// time.
func (e *Engine) eventFor(order *domain.Order, name string) *domain.EventBody {
	return &domain.EventBody{
		Event:     name,
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		FilledQty: order.FilledQty,
		AvgPrice:  order.AvgPrice,
		Reason:    string(order.Reason),
		Ts:        order.UpdatedAt,
	}
}

func validateRequest(req SubmitRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	}
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	switch req.Side {
	case domain.OrderSideBuy, domain.OrderSideSell:
	default:
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidRequest)
	}
	switch req.Type {
	case domain.OrderTypeMarket, domain.OrderTypeLimit:
	default:
		return fmt.Errorf("%w: type must be market or limit", ErrInvalidRequest)
	}
	return nil
}
