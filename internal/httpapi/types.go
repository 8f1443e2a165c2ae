package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

// CreateOrderRequest is the order submission body. Quantity and limit price
// arrive as JSON strings to preserve decimal precision.
type CreateOrderRequest struct {
	ClientID       string `json:"client_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Qty            string `json:"qty"`
	LimitPrice     string `json:"limit_price,omitempty"`
}

// OrderResponse is the JSON view of an order.
type OrderResponse struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Qty            decimal.Decimal `json:"qty"`
	LimitPrice     string          `json:"limit_price,omitempty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AvgPrice       string          `json:"avg_price,omitempty"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	ClientID       string          `json:"client_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func orderToResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:             o.ID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Qty:            o.Qty,
		FilledQty:      o.FilledQty,
		Status:         string(o.Status),
		Reason:         string(o.Reason),
		ClientID:       o.ClientID,
		IdempotencyKey: o.IdempotencyKey,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if !o.LimitPrice.IsZero() {
		resp.LimitPrice = o.LimitPrice.String()
	}
	if !o.AvgPrice.IsZero() {
		resp.AvgPrice = o.AvgPrice.String()
	}
	return resp
}

// FillResponse is the JSON view of a fill.
type FillResponse struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"ts"`
}

func fillToResponse(f *domain.Fill) FillResponse {
	return FillResponse{
		ID:          f.ID,
		OrderID:     f.OrderID,
		Symbol:      f.Symbol,
		Side:        string(f.Side),
		Qty:         f.Qty,
		Price:       f.Price,
		Fee:         f.Fee,
		RealizedPnL: f.RealizedPnL,
		Timestamp:   f.Timestamp,
	}
}

// PositionResponse is the JSON view of an open position.
type PositionResponse struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DeadLetterResponse is the JSON view of an undeliverable webhook event.
type DeadLetterResponse struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Seq        int64     `json:"seq"`
	Event      string    `json:"event"`
	Attempts   int       `json:"attempts"`
	LastStatus int       `json:"last_status"`
	CreatedAt  time.Time `json:"created_at"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status string `json:"status"`
	Venue  string `json:"venue"`
}
