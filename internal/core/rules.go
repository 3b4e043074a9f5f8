package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// Rules are the trading filters of one market.
type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

// NormalizeLimit rounds price and qty down to the market steps and checks the
// minimums. A zero price is accepted for market orders, which skip the notional
// check when no reference price is known.
func NormalizeLimit(kind OrderKind, price, qty decimal.Decimal, rules Rules) (decimal.Decimal, decimal.Decimal, error) {
	if qty.Cmp(decimal.Zero) <= 0 {
		return price, qty, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		qty = RoundDown(qty, rules.QtyStep)
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return price, qty, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && qty.Cmp(rules.MinQty) < 0 {
		return price, qty, ErrBelowMinQty
	}
	if kind == Market && price.Cmp(decimal.Zero) <= 0 {
		return price, qty, nil
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return price, qty, ErrInvalidOrder
	}
	if kind == Limit && rules.PriceTick.Cmp(decimal.Zero) > 0 {
		price = RoundDown(price, rules.PriceTick)
		if price.Cmp(decimal.Zero) <= 0 {
			return price, qty, ErrInvalidOrder
		}
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 && price.Mul(qty).Cmp(rules.MinNotional) < 0 {
		return price, qty, ErrBelowMinNotional
	}
	return price, qty, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// TickRenderer formats prices with the precision the exchange would accept.
type TickRenderer struct {
	Tick decimal.Decimal
}

// Render rounds price to the nearest tick and prints it without trailing
// zeros beyond the tick's precision.
func (r TickRenderer) Render(price float64) string {
	d := decimal.NewFromFloat(price)
	if r.Tick.Cmp(decimal.Zero) <= 0 {
		return d.String()
	}
	rounded := d.Div(r.Tick).Round(0).Mul(r.Tick)
	// String trims trailing zeros, so "0.01000000" yields two places.
	places := -decimal.RequireFromString(r.Tick.String()).Exponent()
	if places < 0 {
		places = 0
	}
	return rounded.StringFixed(places)
}
