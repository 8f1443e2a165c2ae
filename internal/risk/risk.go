// Package risk implements pre-trade validation. The engine is a pure
// function of its inputs: it holds only immutable limits, performs no I/O,
// and is safe to evaluate concurrently.
package risk

import (
	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

// defaultRefPrice is used for symbols without a configured reference price.
var defaultRefPrice = decimal.NewFromInt(100)

// Limits is the immutable risk configuration, constructed once at startup.
type Limits struct {
	// MaxPositionUSD caps the projected notional exposure per symbol.
	MaxPositionUSD decimal.Decimal
	// MaxDailyLossUSD caps today's realized plus mark-to-market loss.
	MaxDailyLossUSD decimal.Decimal
	// AllowedSymbols is the tradable symbol allow-list.
	AllowedSymbols map[string]bool
	// RefPrices marks market orders and open positions for notional and
	// unrealized P&L purposes.
	RefPrices map[string]decimal.Decimal
}

// NewLimits builds Limits from plain slices and maps.
func NewLimits(maxPositionUSD, maxDailyLossUSD decimal.Decimal, symbols []string, refPrices map[string]decimal.Decimal) Limits {
	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allowed[s] = true
	}
	return Limits{
		MaxPositionUSD:  maxPositionUSD,
		MaxDailyLossUSD: maxDailyLossUSD,
		AllowedSymbols:  allowed,
		RefPrices:       refPrices,
	}
}

// RefPrice returns the reference price for a symbol.
func (l Limits) RefPrice(symbol string) decimal.Decimal {
	if p, ok := l.RefPrices[symbol]; ok {
		return p
	}
	return defaultRefPrice
}

// Engine evaluates proposed orders against the configured limits.
type Engine struct {
	limits Limits
}

// New creates an Engine with the given limits.
func New(limits Limits) *Engine {
	return &Engine{limits: limits}
}

// Limits returns the engine's immutable limits.
func (e *Engine) Limits() Limits { return e.limits }

// Evaluate decides whether the proposed order may proceed. pos is the
// current position for the order's symbol (nil means flat) and dailyLoss is
// today's cumulative loss (realized plus unrealized, zero or positive).
// Checks run in a fixed order and the first failure wins:
//
//  1. symbol allow-list
//  2. parameter sanity (quantity, limit price)
//  3. projected per-symbol notional vs the position cap
//  4. daily loss vs the daily loss cap
func (e *Engine) Evaluate(order *domain.Order, pos *domain.Position, dailyLoss decimal.Decimal) (bool, domain.ReasonCode) {
	if !e.limits.AllowedSymbols[order.Symbol] {
		return false, domain.ReasonSymbolNotAllowed
	}

	if order.Qty.Sign() <= 0 {
		return false, domain.ReasonInvalidParameters
	}
	if order.Type == domain.OrderTypeLimit && order.LimitPrice.Sign() <= 0 {
		return false, domain.ReasonInvalidParameters
	}

	// Projected exposure nets opposite directions on signed notional: a
	// sell against a long shrinks exposure before the cap applies.
	price := e.orderPrice(order)
	orderNotional := order.Qty.Mul(price)
	if order.Side == domain.OrderSideSell {
		orderNotional = orderNotional.Neg()
	}
	existing := decimal.Zero
	if pos != nil {
		existing = pos.SignedNotional()
	}
	if existing.Add(orderNotional).Abs().GreaterThan(e.limits.MaxPositionUSD) {
		return false, domain.ReasonPositionLimit
	}

	if dailyLoss.GreaterThanOrEqual(e.limits.MaxDailyLossUSD) {
		return false, domain.ReasonDailyLossLimit
	}

	return true, ""
}

// orderPrice returns the price a proposed order is valued at: the limit
// price when present, otherwise the symbol's reference price.
func (e *Engine) orderPrice(order *domain.Order) decimal.Decimal {
	if order.Type == domain.OrderTypeLimit && order.LimitPrice.Sign() > 0 {
		return order.LimitPrice
	}
	return e.limits.RefPrice(order.Symbol)
}
