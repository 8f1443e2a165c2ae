package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*InstantBroker)(nil)

// InstantBroker is a deterministic instant-fill adapter used for testing
// and default operation. Every syntactically valid order fills immediately
// and fully at the symbol's reference price (clamped to the limit price for
// limit orders), with zero fee. It never rejects on venue grounds and has
// no wall-clock-dependent behaviour, so scenario tests are reproducible.
type InstantBroker struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	balances  map[string]decimal.Decimal
	positions map[string]*domain.Position
	results   map[string]*ExecutionResult // order id -> execution
}

// defaultBalances seeds the simulated account.
func defaultBalances() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USDT": decimal.NewFromInt(100000),
		"BTC":  decimal.NewFromInt(1),
		"ETH":  decimal.NewFromInt(10),
		"SOL":  decimal.NewFromInt(100),
	}
}

// NewInstantBroker creates an InstantBroker filling at the given reference
// prices. Symbols without a price fill at 100.
func NewInstantBroker(prices map[string]decimal.Decimal) *InstantBroker {
	cp := make(map[string]decimal.Decimal, len(prices))
	for sym, p := range prices {
		cp[sym] = p
	}
	return &InstantBroker{
		prices:    cp,
		balances:  defaultBalances(),
		positions: make(map[string]*domain.Position),
		results:   make(map[string]*ExecutionResult),
	}
}

// Name returns "instant".
func (b *InstantBroker) Name() string { return "instant" }

// price returns the deterministic execution price for an order.
func (b *InstantBroker) price(order *domain.Order) decimal.Decimal {
	p, ok := b.prices[order.Symbol]
	if !ok {
		p = decimal.NewFromInt(100)
	}
	if order.Type == domain.OrderTypeLimit && order.LimitPrice.Sign() > 0 {
		// Never execute worse than the limit: buys cap at the limit,
		// sells floor at it.
		if order.Side == domain.OrderSideBuy && p.GreaterThan(order.LimitPrice) {
			p = order.LimitPrice
		}
		if order.Side == domain.OrderSideSell && p.LessThan(order.LimitPrice) {
			p = order.LimitPrice
		}
	}
	return p
}

// Submit fills the order immediately and fully, updating the simulated
// balance book and positions.
func (b *InstantBroker) Submit(_ context.Context, order *domain.Order) (*ExecutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price := b.price(order)

	base, quote := splitSymbol(order.Symbol)
	cost := order.Qty.Mul(price)
	if order.Side == domain.OrderSideBuy {
		b.balances[quote] = b.balances[quote].Sub(cost)
		b.balances[base] = b.balances[base].Add(order.Qty)
	} else {
		b.balances[base] = b.balances[base].Sub(order.Qty)
		b.balances[quote] = b.balances[quote].Add(cost)
	}

	pos, ok := b.positions[order.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: order.Symbol}
		b.positions[order.Symbol] = pos
	}
	pos.ApplyFill(order.Side, order.Qty, price, time.Unix(0, 0))

	result := &ExecutionResult{
		Status: ExecutionFilled,
		Qty:    order.Qty,
		Price:  price,
		Fee:    decimal.Zero,
	}
	b.results[order.ID] = result

	out := *result
	return &out, nil
}

// Status replays the recorded execution for a submitted order.
func (b *InstantBroker) Status(_ context.Context, orderID string) (*ExecutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result, ok := b.results[orderID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	out := *result
	return &out, nil
}

// Cancel reports whether the order was still cancellable. Fills are
// instantaneous here, so any order this broker has seen is already done.
func (b *InstantBroker) Cancel(_ context.Context, orderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, seen := b.results[orderID]
	return !seen, nil
}

// GetPositions returns copies of all simulated positions.
func (b *InstantBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetBalance returns the simulated free balance for an asset.
func (b *InstantBroker) GetBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.balances[asset]
	if !ok {
		return decimal.Zero, nil
	}
	return bal, nil
}

// splitSymbol splits "BTC/USDT" into base and quote assets.
func splitSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, "USD"
}
