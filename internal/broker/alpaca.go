package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
	"tradesvc/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker executes orders against the Alpaca brokerage API. Venue
// business rejections surface as ExecutionRejected results; anything that
// fails before Alpaca makes a decision surfaces as a *TransportError.
type AlpacaBroker struct {
	client  *alpacaapi.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker with the given credentials and
// API endpoint. Requests are rate limited to stay inside the venue quota
// (200/min on the free tier).
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, log *slog.Logger) *AlpacaBroker {
	client := alpacaapi.NewClient(alpacaapi.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return &AlpacaBroker{
		client:  client,
		limiter: util.NewRateLimiter(200),
		log:     log,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Submit places the order with Alpaca, using the pipeline's order ID as the
// client order ID so the venue-side order can always be found again.
func (b *AlpacaBroker) Submit(ctx context.Context, order *domain.Order) (*ExecutionResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: err}
	}

	req := alpacaapi.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &order.Qty,
		TimeInForce:   alpacaapi.GTC,
		ClientOrderID: order.ID,
	}
	switch order.Side {
	case domain.OrderSideBuy:
		req.Side = alpacaapi.Buy
	case domain.OrderSideSell:
		req.Side = alpacaapi.Sell
	}
	switch order.Type {
	case domain.OrderTypeMarket:
		req.Type = alpacaapi.Market
	case domain.OrderTypeLimit:
		req.Type = alpacaapi.Limit
		limit := order.LimitPrice
		req.LimitPrice = &limit
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		var apiErr *alpacaapi.APIError
		if errors.As(err, &apiErr) {
			// The venue made a decision: business rejection, terminal.
			b.log.Warn("alpaca rejected order",
				"order_id", order.ID, "status", apiErr.StatusCode, "message", apiErr.Message)
			return &ExecutionResult{
				Status: ExecutionRejected,
				Reason: apiErr.Message,
			}, nil
		}
		return nil, &TransportError{Err: err}
	}

	return executionFromVenueOrder(placed), nil
}

// Status fetches the venue-side order by client order ID and maps its
// current state. A venue API error means Alpaca has no record of the ID.
func (b *AlpacaBroker) Status(ctx context.Context, orderID string) (*ExecutionResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: err}
	}

	venueOrder, err := b.client.GetOrderByClientOrderID(orderID)
	if err != nil {
		var apiErr *alpacaapi.APIError
		if errors.As(err, &apiErr) {
			return nil, ErrUnknownOrder
		}
		return nil, &TransportError{Err: err}
	}
	return executionFromVenueOrder(venueOrder), nil
}

// Cancel looks the order up by client order ID and requests cancellation.
// It returns false when the venue reports the order is no longer open.
func (b *AlpacaBroker) Cancel(ctx context.Context, orderID string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, &TransportError{Err: err}
	}

	venueOrder, err := b.client.GetOrderByClientOrderID(orderID)
	if err != nil {
		var apiErr *alpacaapi.APIError
		if errors.As(err, &apiErr) {
			return false, nil // unknown to the venue: nothing to cancel
		}
		return false, &TransportError{Err: err}
	}

	if err := b.client.CancelOrder(venueOrder.ID); err != nil {
		var apiErr *alpacaapi.APIError
		if errors.As(err, &apiErr) {
			// 422 from Alpaca means the order already reached a terminal
			// state; a fill won the race.
			return false, nil
		}
		return false, &TransportError{Err: err}
	}
	return true, nil
}

// GetPositions returns the brokerage account's current positions.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: err}
	}

	venuePositions, err := b.client.GetPositions()
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	positions := make([]domain.Position, 0, len(venuePositions))
	for _, p := range venuePositions {
		positions = append(positions, domain.Position{
			Symbol:   p.Symbol,
			Qty:      p.Qty,
			AvgPrice: p.AvgEntryPrice,
		})
	}
	return positions, nil
}

// GetBalance returns free cash for "USD"; other assets are not held as
// balances at Alpaca and report zero.
func (b *AlpacaBroker) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, &TransportError{Err: err}
	}

	account, err := b.client.GetAccount()
	if err != nil {
		return decimal.Zero, &TransportError{Err: err}
	}
	if asset != "USD" && asset != "USDT" {
		return decimal.Zero, nil
	}
	return account.Cash, nil
}

// executionFromVenueOrder maps an Alpaca order snapshot to an
// ExecutionResult.
func executionFromVenueOrder(o *alpacaapi.Order) *ExecutionResult {
	avgPrice := decimal.Zero
	if o.FilledAvgPrice != nil {
		avgPrice = *o.FilledAvgPrice
	}

	switch o.Status {
	case "filled":
		return &ExecutionResult{Status: ExecutionFilled, Qty: o.FilledQty, Price: avgPrice}
	case "partially_filled":
		return &ExecutionResult{Status: ExecutionPartiallyFilled, Qty: o.FilledQty, Price: avgPrice}
	case "rejected":
		return &ExecutionResult{Status: ExecutionRejected, Reason: fmt.Sprintf("venue status %s", o.Status)}
	case "canceled", "expired":
		return &ExecutionResult{Status: ExecutionRejected, Reason: fmt.Sprintf("venue status %s", o.Status)}
	default:
		// new, accepted, pending_new: resting on the book.
		return &ExecutionResult{Status: ExecutionPending}
	}
}
