package strategy

import (
	"fmt"

	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/position"

	"github.com/shopspring/decimal"
)

// RangeState is recomputed every cycle from price and the stored range.
type RangeState int

const (
	InRange RangeState = iota
	OutOfRange
)

func (s RangeState) String() string {
	if s == OutOfRange {
		return "out_of_range"
	}
	return "in_range"
}

// RebalanceDecision is NoAction (Rebalance false) or Rebalance(NewRange).
type RebalanceDecision struct {
	State     RangeState
	Rebalance bool
	NewRange  position.Range // unaligned, set only when Rebalance is true
}

func (d RebalanceDecision) String() string {
	if !d.Rebalance {
		return "no_action"
	}
	return "rebalance " + d.NewRange.String()
}

// Classify places price relative to the range widened by band on each side.
// A price sitting exactly on a widened bound counts as out of range.
func Classify(price decimal.Decimal, current position.Range, band decimal.Decimal) RangeState {
	lowerEdge := current.Lower.Mul(one.Sub(band))
	upperEdge := current.Upper.Mul(one.Add(band))
	if price.LessThanOrEqual(lowerEdge) || price.GreaterThanOrEqual(upperEdge) {
		return OutOfRange
	}
	return InRange
}

// DecideRebalance is the rebalance policy. Out of range it proposes the new
// range price*(1-width) .. price*(1+width); tick alignment is left to AlignedTicks.
func DecideRebalance(price decimal.Decimal, current position.Range, band, width decimal.Decimal) (RebalanceDecision, error) {
	if !price.IsPositive() {
		return RebalanceDecision{}, fmt.Errorf("%w: %s", lpmath.ErrNonPositivePrice, price)
	}
	if err := current.Validate(); err != nil {
		return RebalanceDecision{}, err
	}
	if band.IsNegative() || !width.IsPositive() || width.GreaterThanOrEqual(one) {
		return RebalanceDecision{}, fmt.Errorf("%w: band %s width %s", ErrInvalidThreshold, band, width)
	}

	state := Classify(price, current, band)
	if state == InRange {
		return RebalanceDecision{State: state}, nil
	}

	next, err := position.NewRange(price.Mul(one.Sub(width)), price.Mul(one.Add(width)))
	if err != nil {
		return RebalanceDecision{}, err
	}
	return RebalanceDecision{State: state, Rebalance: true, NewRange: next}, nil
}

// AlignedTicks converts a price range into spacing-aligned ticks. The lower
// bound rounds down and the upper bound rounds up, so the aligned range
// always contains the requested one.
func AlignedTicks(r position.Range, decimals0, decimals1, spacing int) (int, int, error) {
	if err := r.Validate(); err != nil {
		return 0, 0, err
	}
	lower, err := lpmath.PriceToTick(r.Lower, decimals0, decimals1)
	if err != nil {
		return 0, 0, fmt.Errorf("lower tick: %w", err)
	}
	upper, err := lpmath.PriceToTick(r.Upper, decimals0, decimals1)
	if err != nil {
		return 0, 0, fmt.Errorf("upper tick: %w", err)
	}
	tl, tu, err := lpmath.AlignRange(lower, upper, spacing)
	if err != nil {
		return 0, 0, err
	}
	if tl >= tu {
		return 0, 0, fmt.Errorf("%w: aligned [%d, %d]", position.ErrInvalidRange, tl, tu)
	}
	return tl, tu, nil
}

var one = decimal.NewFromInt(1)
