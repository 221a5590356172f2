// Package risk enforces per-order and per-position limits before an order is
// submitted.
//
// Exposure in one instrument can also be correlated with exposure in another
// quoted against a different currency (BTC/USD and BTC/USDT). Symbols that
// parse as pairs are grouped by base asset and the group's aggregate
// exposure is capped separately.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
	"github.com/atmx/trade-relay/internal/symbol"
)

var (
	// ErrOrderQuantityExceeded is returned when one order is larger than
	// the per-order quantity ceiling.
	ErrOrderQuantityExceeded = errors.New("risk: order quantity limit exceeded")

	// ErrOrderNotionalExceeded is returned when quantity times the reference
	// price exceeds the per-order notional ceiling.
	ErrOrderNotionalExceeded = errors.New("risk: order notional limit exceeded")

	// ErrPositionLimitExceeded is returned when the resulting position in
	// the traded symbol would exceed the position ceiling.
	ErrPositionLimitExceeded = errors.New("risk: position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when the aggregate exposure
	// across symbols sharing a base asset would exceed its ceiling.
	ErrCorrelatedLimitExceeded = errors.New("risk: correlated exposure limit exceeded")
)

// Limits holds the ceilings. A zero value disables that check.
type Limits struct {
	MaxOrderQuantity decimal.Decimal
	MaxOrderNotional decimal.Decimal
	MaxPosition      decimal.Decimal
	MaxCorrelated    decimal.Decimal
}

// Limiter checks orders against Limits.
type Limiter struct {
	Limits Limits
}

// NewLimiter creates a limiter with the given limits.
func NewLimiter(l Limits) *Limiter {
	return &Limiter{Limits: l}
}

// Order is the part of an order the limiter looks at.
type Order struct {
	Symbol   string
	Side     model.Side
	Quantity decimal.Decimal
	// RefPrice is the best known price; nil skips the notional check.
	RefPrice *decimal.Decimal
}

// Delta returns the signed change in exposure: positive for buys.
func (o Order) Delta() decimal.Decimal {
	if o.Side == model.SideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// WithPositionLimit returns a copy whose position ceiling is max, unless
// max is nil or not positive.
func (l *Limiter) WithPositionLimit(max *decimal.Decimal) *Limiter {
	cp := *l
	if max != nil && max.IsPositive() {
		cp.Limits.MaxPosition = *max
	}
	return &cp
}

// CheckOrder validates one order. existing maps symbol to current signed
// exposure (long positive, short negative) and may be nil.
//
// Returns nil if the order is within limits, or an error wrapping one of
// the sentinel errors above.
func (l *Limiter) CheckOrder(o Order, existing map[string]decimal.Decimal) error {
	lim := l.Limits

	// 1. Per-order size.
	if lim.MaxOrderQuantity.IsPositive() && o.Quantity.GreaterThan(lim.MaxOrderQuantity) {
		return fmt.Errorf("%w: %s > %s", ErrOrderQuantityExceeded, o.Quantity, lim.MaxOrderQuantity)
	}
	if lim.MaxOrderNotional.IsPositive() && o.RefPrice != nil {
		notional := o.Quantity.Mul(*o.RefPrice)
		if notional.GreaterThan(lim.MaxOrderNotional) {
			return fmt.Errorf("%w: %s > %s", ErrOrderNotionalExceeded, notional.StringFixed(2), lim.MaxOrderNotional)
		}
	}

	// 2. Resulting position in the symbol.
	newPosition := existing[o.Symbol].Add(o.Delta())
	if lim.MaxPosition.IsPositive() && newPosition.Abs().GreaterThan(lim.MaxPosition) {
		return fmt.Errorf("%w: %s would hold %s", ErrPositionLimitExceeded, o.Symbol, newPosition.Abs())
	}

	// 3. Correlated exposure: sum |exposure| across symbols sharing a base.
	if !lim.MaxCorrelated.IsPositive() {
		return nil
	}
	group := correlationGroup(o.Symbol)
	total := newPosition.Abs()
	for sym, exposure := range existing {
		if sym == o.Symbol {
			continue // already counted via newPosition
		}
		if correlationGroup(sym) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(lim.MaxCorrelated) {
		return fmt.Errorf("%w: %s group at %s", ErrCorrelatedLimitExceeded, group, total)
	}
	return nil
}

// Exposures converts positions into the signed map CheckOrder expects.
func Exposures(positions []model.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		q := p.Quantity
		if p.Side == model.PositionShort {
			q = q.Neg()
		}
		out[p.Symbol] = out[p.Symbol].Add(q)
	}
	return out
}

// correlationGroup is the base asset for pairs and the symbol itself
// otherwise.
func correlationGroup(sym string) string {
	if p, err := symbol.ParsePair(sym); err == nil {
		return p.Base
	}
	return symbol.Normalize(sym)
}
