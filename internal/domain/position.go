package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the aggregate net exposure for a symbol. Qty is signed
// (positive long, negative short). AvgPrice is the volume-weighted average
// entry price of the open quantity. The stored position is a materialized
// fold over that symbol's fills in timestamp order and must always be
// reproducible from them.
type Position struct {
	Symbol      string
	Qty         decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// Notional returns the absolute position value at the average entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Qty.Abs().Mul(p.AvgPrice)
}

// SignedNotional returns the position value carrying the sign of Qty.
func (p *Position) SignedNotional() decimal.Decimal {
	return p.Qty.Mul(p.AvgPrice)
}

// UnrealizedPnL returns the mark-to-market profit or loss of the open
// quantity at the given reference price.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(mark.Sub(p.AvgPrice))
}

// ApplyFill folds one fill into the position and returns the realized P&L
// it books. Same-direction fills extend the position and re-weight the
// average entry price. Opposite-direction fills first close existing
// quantity, realizing (price - avg) per unit signed by the closed side;
// quantity beyond the existing position opens a new position at the fill
// price.
func (p *Position) ApplyFill(side OrderSide, qty, price decimal.Decimal, ts time.Time) decimal.Decimal {
	signed := qty
	if side == OrderSideSell {
		signed = qty.Neg()
	}

	realized := decimal.Zero
	switch {
	case p.Qty.IsZero() || p.Qty.Sign() == signed.Sign():
		// Extending: VWAP the entry price.
		newQty := p.Qty.Add(signed)
		p.AvgPrice = p.Qty.Abs().Mul(p.AvgPrice).Add(qty.Mul(price)).Div(newQty.Abs())
		p.Qty = newQty

	default:
		// Reducing (and possibly flipping).
		closed := decimal.Min(qty, p.Qty.Abs())
		perUnit := price.Sub(p.AvgPrice)
		if p.Qty.Sign() < 0 {
			perUnit = perUnit.Neg()
		}
		realized = closed.Mul(perUnit)

		newQty := p.Qty.Add(signed)
		switch {
		case newQty.IsZero():
			p.AvgPrice = decimal.Zero
		case newQty.Sign() != p.Qty.Sign():
			// Flipped through zero: remainder opens at the fill price.
			p.AvgPrice = price
		}
		p.Qty = newQty
	}

	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.UpdatedAt = ts
	return realized
}
