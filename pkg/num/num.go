// Package num holds the decimal price/quantity math shared by the trading
// core. Everything operates on shopspring decimals; float64 never touches
// order prices or sizes because exchange base units require exact scaling
// by 10^decimals.
package num

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundDownToStep floors q to a multiple of step. When step is zero the
// quantity is truncated to fallbackPrecision decimal places instead.
// Rounding is always down so a computed size never overshoots balance or
// exchange-accepted precision. Applying it twice is a no-op.
func RoundDownToStep(q, step decimal.Decimal, fallbackPrecision int32) decimal.Decimal {
	if q.IsNegative() {
		return decimal.Zero
	}
	if step.IsZero() {
		return q.Truncate(fallbackPrecision)
	}
	steps := q.Div(step).Floor()
	return steps.Mul(step)
}

// TruncToTick floors p to a multiple of the market tick size. When tick is
// zero the price is truncated to fallbackPrecision decimal places.
func TruncToTick(p, tick decimal.Decimal, fallbackPrecision int32) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if tick.IsZero() {
		return p.Truncate(fallbackPrecision)
	}
	ticks := p.Div(tick).Floor()
	return ticks.Mul(tick)
}

// ToScaled converts a human value into an integer string in base units
// (value * 10^decimals), truncating any sub-unit remainder.
func ToScaled(v decimal.Decimal, decimals int32) string {
	return v.Shift(decimals).Truncate(0).String()
}

// FromScaled parses an integer base-unit string back into a human value.
func FromScaled(s string, decimals int32) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse scaled value %q: %w", s, err)
	}
	return d.Shift(-decimals), nil
}

// Level is one orderbook price level.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// VWAP walks levels (best first) until targetQty is filled and returns the
// volume-weighted average price of that fill. ok is false when the book does
// not hold enough quantity to fill the target at all.
func VWAP(levels []Level, targetQty decimal.Decimal) (price decimal.Decimal, ok bool) {
	if targetQty.Sign() <= 0 {
		return decimal.Zero, false
	}
	remaining := targetQty
	notional := decimal.Zero
	for _, lvl := range levels {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(remaining, lvl.Quantity)
		notional = notional.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}
	if remaining.Sign() > 0 {
		return decimal.Zero, false
	}
	return notional.Div(targetQty), true
}

// EffectiveSpread computes the depth-aware spread in percent between the
// VWAP of buying refQty from asks and selling refQty into bids. It guards
// against thin-book illusions where top-of-book looks tight but a real fill
// would walk deep into the book. ok is false when either side lacks the
// liquidity to fill refQty, which callers treat as an infinite spread.
func EffectiveSpread(bids, asks []Level, refQty decimal.Decimal) (spreadPct decimal.Decimal, ok bool) {
	askVWAP, okAsk := VWAP(asks, refQty)
	bidVWAP, okBid := VWAP(bids, refQty)
	if !okAsk || !okBid || bidVWAP.IsZero() {
		return decimal.Zero, false
	}
	mid := askVWAP.Add(bidVWAP).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero, false
	}
	return askVWAP.Sub(bidVWAP).Div(mid).Mul(decimal.NewFromInt(100)), true
}

// FormatPrice renders a price for status messages, trimming trailing zeros
// but keeping at least two decimal places.
func FormatPrice(p decimal.Decimal) string {
	s := p.StringFixed(8)
	s = strings.TrimRight(s, "0")
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 < 2 {
		return p.StringFixed(2)
	}
	return s
}

// Pct converts a percentage value (e.g. 5 for 5%) into its fraction (0.05).
func Pct(p decimal.Decimal) decimal.Decimal {
	return p.Div(decimal.NewFromInt(100))
}
