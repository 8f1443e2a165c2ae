package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testEngine() *Engine {
	return New(NewLimits(
		d("5000"), d("500"),
		[]string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		map[string]decimal.Decimal{
			"BTC/USDT": d("58000"),
			"ETH/USDT": d("2400"),
			"SOL/USDT": d("140"),
		},
	))
}

func marketOrder(symbol string, side domain.OrderSide, qty string) *domain.Order {
	return &domain.Order{
		ID:     domain.NewOrderID(),
		Symbol: symbol,
		Side:   side,
		Type:   domain.OrderTypeMarket,
		Qty:    d(qty),
	}
}

func TestEvaluateAllows(t *testing.T) {
	e := testEngine()

	// 0.01 BTC at 58000 = 580 USD notional, well under the 5000 cap.
	allow, reason := e.Evaluate(marketOrder("BTC/USDT", domain.OrderSideBuy, "0.01"), nil, decimal.Zero)
	if !allow {
		t.Fatalf("Evaluate rejected a valid order: %s", reason)
	}
}

func TestEvaluateSymbolNotAllowed(t *testing.T) {
	e := testEngine()

	allow, reason := e.Evaluate(marketOrder("DOGE/USDT", domain.OrderSideBuy, "1"), nil, decimal.Zero)
	if allow {
		t.Fatal("Evaluate allowed a symbol outside the allow-list")
	}
	if reason != domain.ReasonSymbolNotAllowed {
		t.Errorf("reason = %s, want %s", reason, domain.ReasonSymbolNotAllowed)
	}
}

func TestEvaluateInvalidParameters(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name  string
		order *domain.Order
	}{
		{"zero quantity", marketOrder("BTC/USDT", domain.OrderSideBuy, "0")},
		{"negative quantity", marketOrder("BTC/USDT", domain.OrderSideSell, "-1")},
		{"limit without price", &domain.Order{
			Symbol: "ETH/USDT", Side: domain.OrderSideBuy,
			Type: domain.OrderTypeLimit, Qty: d("1"),
		}},
		{"limit with negative price", &domain.Order{
			Symbol: "ETH/USDT", Side: domain.OrderSideBuy,
			Type: domain.OrderTypeLimit, Qty: d("1"), LimitPrice: d("-5"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allow, reason := e.Evaluate(tt.order, nil, decimal.Zero)
			if allow {
				t.Fatal("Evaluate allowed an invalid order")
			}
			if reason != domain.ReasonInvalidParameters {
				t.Errorf("reason = %s, want %s", reason, domain.ReasonInvalidParameters)
			}
		})
	}
}

func TestEvaluatePositionLimit(t *testing.T) {
	e := testEngine()

	// 1 BTC at 58000 alone blows through the 5000 USD cap.
	allow, reason := e.Evaluate(marketOrder("BTC/USDT", domain.OrderSideBuy, "1"), nil, decimal.Zero)
	if allow {
		t.Fatal("Evaluate allowed an order exceeding the position cap")
	}
	if reason != domain.ReasonPositionLimit {
		t.Errorf("reason = %s, want %s", reason, domain.ReasonPositionLimit)
	}
}

func TestEvaluatePositionLimitAdditive(t *testing.T) {
	e := testEngine()

	pos := &domain.Position{Symbol: "ETH/USDT", Qty: d("2"), AvgPrice: d("2400")} // 4800 notional

	// Another 0.1 ETH (240) pushes past 5000.
	allow, reason := e.Evaluate(marketOrder("ETH/USDT", domain.OrderSideBuy, "0.1"), pos, decimal.Zero)
	if allow {
		t.Fatal("Evaluate allowed a same-direction order past the cap")
	}
	if reason != domain.ReasonPositionLimit {
		t.Errorf("reason = %s, want %s", reason, domain.ReasonPositionLimit)
	}
}

func TestEvaluatePositionLimitNetsOppositeDirection(t *testing.T) {
	e := testEngine()

	pos := &domain.Position{Symbol: "ETH/USDT", Qty: d("2"), AvgPrice: d("2400")} // 4800 long

	// Selling 1 ETH reduces exposure; must pass even near the cap.
	allow, reason := e.Evaluate(marketOrder("ETH/USDT", domain.OrderSideSell, "1"), pos, decimal.Zero)
	if !allow {
		t.Fatalf("Evaluate rejected an exposure-reducing order: %s", reason)
	}
}

func TestEvaluateLimitOrderUsesLimitPrice(t *testing.T) {
	e := testEngine()

	// 0.1 BTC at a 40000 limit = 4000 notional, allowed; at the 58000
	// reference it would be 5800 and rejected.
	order := &domain.Order{
		Symbol: "BTC/USDT", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Qty: d("0.1"), LimitPrice: d("40000"),
	}
	allow, reason := e.Evaluate(order, nil, decimal.Zero)
	if !allow {
		t.Fatalf("Evaluate rejected limit order priced under the cap: %s", reason)
	}
}

func TestEvaluateDailyLossLimit(t *testing.T) {
	e := testEngine()

	allow, reason := e.Evaluate(marketOrder("SOL/USDT", domain.OrderSideBuy, "1"), nil, d("500"))
	if allow {
		t.Fatal("Evaluate allowed an order at the daily loss cap")
	}
	if reason != domain.ReasonDailyLossLimit {
		t.Errorf("reason = %s, want %s", reason, domain.ReasonDailyLossLimit)
	}

	// Under the cap it passes.
	allow, _ = e.Evaluate(marketOrder("SOL/USDT", domain.OrderSideBuy, "1"), nil, d("499.99"))
	if !allow {
		t.Error("Evaluate rejected an order below the daily loss cap")
	}
}

func TestEvaluateCheckOrderShortCircuits(t *testing.T) {
	e := testEngine()

	// Fails both allow-list and parameters; allow-list must win.
	order := marketOrder("DOGE/USDT", domain.OrderSideBuy, "0")
	_, reason := e.Evaluate(order, nil, d("9999"))
	if reason != domain.ReasonSymbolNotAllowed {
		t.Errorf("reason = %s, want first-check %s", reason, domain.ReasonSymbolNotAllowed)
	}
}

func TestRefPriceFallback(t *testing.T) {
	l := testEngine().Limits()
	if got := l.RefPrice("BTC/USDT"); !got.Equal(d("58000")) {
		t.Errorf("RefPrice(BTC/USDT) = %s, want 58000", got)
	}
	if got := l.RefPrice("XRP/USDT"); !got.Equal(d("100")) {
		t.Errorf("RefPrice fallback = %s, want 100", got)
	}
}
