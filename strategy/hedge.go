package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// HedgeActionKind is the kind of trade the hedge policy asks for
type HedgeActionKind int

const (
	HedgeNoAction HedgeActionKind = iota
	IncreaseShort
	ReduceShort
)

func (k HedgeActionKind) String() string {
	switch k {
	case IncreaseShort:
		return "increase_short"
	case ReduceShort:
		return "reduce_short"
	default:
		return "no_action"
	}
}

// HedgeAction is an unsigned trade size tagged with its direction.
type HedgeAction struct {
	Kind   HedgeActionKind
	Amount decimal.Decimal
}

func (a HedgeAction) String() string {
	if a.Kind == HedgeNoAction {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", a.Kind, a.Amount)
}

// DecideHedge sizes the next hedge trade. currentShort is the hedge measured
// as a short (positive = net short, negative = net long on the venue).
//
// A trade never crosses through zero: increasing the short while the venue is
// net long stops at flat, and a reduction is capped at |currentShort|, so a
// flat hedge is never turned long. The remainder is picked up by the next cycle.
func DecideHedge(target, currentShort, threshold decimal.Decimal) HedgeAction {
	delta := target.Sub(currentShort)

	var action HedgeAction
	switch {
	case delta.GreaterThan(threshold):
		amount := delta
		if currentShort.IsNegative() {
			amount = decimal.Min(delta, currentShort.Neg())
		}
		action = HedgeAction{Kind: IncreaseShort, Amount: amount}
	case delta.LessThan(threshold.Neg()):
		amount := decimal.Min(delta.Neg(), currentShort.Abs())
		action = HedgeAction{Kind: ReduceShort, Amount: amount}
	default:
		return HedgeAction{Kind: HedgeNoAction}
	}

	if !action.Amount.IsPositive() {
		return HedgeAction{Kind: HedgeNoAction}
	}
	return action
}
