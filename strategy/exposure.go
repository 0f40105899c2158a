package strategy

import (
	"fmt"
	"strings"

	"lp-hedge-bot/lpmath"

	"github.com/shopspring/decimal"
)

// ExposureStrategy names a delta estimator
type ExposureStrategy string

const (
	ExposureNaiveHoldings ExposureStrategy = "naive"
	ExposureFirstOrder    ExposureStrategy = "first_order"
	ExposureValueDelta    ExposureStrategy = "value_delta"
)

// ExposureEstimator reduces a valuation to a signed exposure to token0.
type ExposureEstimator interface {
	Name() ExposureStrategy
	Estimate(v lpmath.Valuation) (decimal.Decimal, error)
}

// NewExposureEstimator builds the estimator registered under name. step is
// the relative price bump used by the derivative estimators; zero selects
// DefaultDerivativeStep.
func NewExposureEstimator(name ExposureStrategy, step decimal.Decimal) (ExposureEstimator, error) {
	if step.IsZero() {
		step = DefaultDerivativeStep
	}
	if !step.IsPositive() || step.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		return nil, fmt.Errorf("%w: derivative step %s", ErrInvalidThreshold, step)
	}

	switch ExposureStrategy(strings.ToLower(string(name))) {
	case ExposureNaiveHoldings, "":
		return NaiveHoldings{}, nil
	case ExposureFirstOrder:
		return FirstOrderDerivative{Step: step}, nil
	case ExposureValueDelta:
		return ValueDelta{Step: step}, nil
	default:
		return nil, fmt.Errorf("unknown exposure strategy %q", name)
	}
}

// NaiveHoldings treats the token0 currently implied by the position as the
// long exposure to hedge.
type NaiveHoldings struct{}

func (NaiveHoldings) Name() ExposureStrategy { return ExposureNaiveHoldings }

func (NaiveHoldings) Estimate(v lpmath.Valuation) (decimal.Decimal, error) {
	return v.Human.Amount0, nil
}

// DefaultDerivativeStep is the relative price bump for central differences.
var DefaultDerivativeStep = decimal.New(1, -6)

// FirstOrderDerivative estimates d(amount0 + amount1/P)/dP at the current
// price, the sensitivity of the position's token0-denominated value.
type FirstOrderDerivative struct {
	Step decimal.Decimal
}

func (FirstOrderDerivative) Name() ExposureStrategy { return ExposureFirstOrder }

func (f FirstOrderDerivative) Estimate(v lpmath.Valuation) (decimal.Decimal, error) {
	return centralDifference(v, f.Step, func(x lpmath.Valuation) decimal.Decimal {
		return x.Human.Amount0.Add(x.Human.Amount1.DivRound(x.Price, lpmath.Precision))
	})
}

// ValueDelta estimates d(amount0*P + amount1)/dP, the sensitivity of the
// token1-denominated value. Inside the range it matches NaiveHoldings.
type ValueDelta struct {
	Step decimal.Decimal
}

func (ValueDelta) Name() ExposureStrategy { return ExposureValueDelta }

func (d ValueDelta) Estimate(v lpmath.Valuation) (decimal.Decimal, error) {
	return centralDifference(v, d.Step, lpmath.Valuation.Value)
}

func centralDifference(v lpmath.Valuation, step decimal.Decimal, value func(lpmath.Valuation) decimal.Decimal) (decimal.Decimal, error) {
	if !v.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", lpmath.ErrNonPositivePrice, v.Price)
	}
	if step.IsZero() {
		step = DefaultDerivativeStep
	}
	h := v.Price.Mul(step)
	up, err := v.Reprice(v.Price.Add(h))
	if err != nil {
		return decimal.Zero, fmt.Errorf("reprice up: %w", err)
	}
	down, err := v.Reprice(v.Price.Sub(h))
	if err != nil {
		return decimal.Zero, fmt.Errorf("reprice down: %w", err)
	}
	return value(up).Sub(value(down)).DivRound(h.Mul(decimal.NewFromInt(2)), lpmath.Precision), nil
}
