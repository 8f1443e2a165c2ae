// Package domain defines the core types of the order pipeline: orders,
// fills, positions, lifecycle events, and the reason codes attached to
// rejections. All monetary and quantity values use decimal arithmetic.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks an order through its lifecycle. Rejected, broker
// rejected, cancelled, and settled are terminal; a settled order is one
// whose fills and position updates have been committed to the ledger.
type OrderStatus string

const (
	OrderStatusReceived        OrderStatus = "received"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusSubmitted       OrderStatus = "submitted_to_broker"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusBrokerRejected  OrderStatus = "broker_rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusSettled         OrderStatus = "settled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusRejected, OrderStatusBrokerRejected, OrderStatusCancelled, OrderStatusSettled:
		return true
	}
	return false
}

// ReasonCode explains why an order was rejected or a request refused.
type ReasonCode string

const (
	ReasonSymbolNotAllowed  ReasonCode = "symbol_not_allowed"
	ReasonInvalidParameters ReasonCode = "invalid_parameters"
	ReasonPositionLimit     ReasonCode = "position_limit_exceeded"
	ReasonDailyLossLimit    ReasonCode = "daily_loss_limit_exceeded"
	ReasonVenueUnreachable  ReasonCode = "venue_unreachable"
	ReasonTooLate           ReasonCode = "too_late"
)

// Order is a request to trade a quantity of a symbol. Orders are
// append-only: they are created once and mutated only by the orchestrator
// as execution progresses, never deleted.
type Order struct {
	ID             string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Qty            decimal.Decimal
	LimitPrice     decimal.Decimal // zero when Type is market
	FilledQty      decimal.Decimal
	AvgPrice       decimal.Decimal
	Status         OrderStatus
	Reason         ReasonCode
	ClientID       string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingQty returns the unfilled quantity of the order.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fill is a partial or full execution against an order. RealizedPnL is the
// profit or loss booked by this fill against the position's average entry
// price (zero for fills that only extend a position).
type Fill struct {
	ID          string
	OrderID     string
	Symbol      string
	Side        OrderSide
	Qty         decimal.Decimal
	Price       decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	Timestamp   time.Time
}

// EventStatus tracks a webhook event through delivery.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusDelivered EventStatus = "delivered"
	EventStatusDead      EventStatus = "dead"
)

// Event names carried in webhook payloads.
const (
	EventOrderAccepted        = "order_accepted"
	EventOrderFilled          = "order_filled"
	EventOrderPartiallyFilled = "order_partially_filled"
	EventOrderRejected        = "order_rejected"
	EventOrderBrokerRejected  = "order_broker_rejected"
	EventOrderCancelled       = "order_cancelled"
)

// WebhookEvent is a durable lifecycle notification awaiting delivery. Seq
// is a per-order sequence number so consumers can reorder events for the
// same order if the transport delivers them out of order.
type WebhookEvent struct {
	ID            string
	OrderID       string
	Seq           int64
	Event         string
	Payload       []byte
	Attempts      int
	LastStatus    int
	Status        EventStatus
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// EventBody is the JSON payload posted to the webhook endpoint.
type EventBody struct {
	Event     string          `json:"event"`
	EventID   string          `json:"eventId"`
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Seq       int64           `json:"seq"`
	FilledQty decimal.Decimal `json:"filledQty"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	Reason    string          `json:"reason,omitempty"`
	Ts        time.Time       `json:"ts"`
}

// newID returns a short prefixed identifier, e.g. "ord_b3f20a1c".
func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewOrderID returns a fresh order identifier.
func NewOrderID() string { return newID("ord") }

// NewFillID returns a fresh fill identifier.
func NewFillID() string { return newID("fill") }

// NewEventID returns a fresh webhook event identifier.
func NewEventID() string { return newID("wh") }
