// Package strategy holds the pure decision logic of the keeper: exposure
// estimation, range rebalancing and hedge sizing. Nothing here performs I/O.
package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Thresholds contains the tunables shared by the rebalance and hedge policies
type Thresholds struct {
	RebalanceBand  decimal.Decimal `json:"rebalance_band"`  // tolerated overshoot past a range bound (0.01 = 1%)
	RangeWidth     decimal.Decimal `json:"range_width"`     // half-width of a new range around price (0.10 = 10%)
	HedgeThreshold decimal.Decimal `json:"hedge_threshold"` // no-op band in units of the volatile asset
}

// DefaultThresholds returns the thresholds the keeper ships with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RebalanceBand:  decimal.NewFromFloat(0.01),
		RangeWidth:     decimal.NewFromFloat(0.10),
		HedgeThreshold: decimal.NewFromFloat(0.001),
	}
}

var ErrInvalidThreshold = errors.New("invalid threshold")

// Validate rejects thresholds the policies cannot work with.
func (t Thresholds) Validate() error {
	if t.RebalanceBand.IsNegative() || t.RebalanceBand.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: rebalance band %s must be in [0, 1)", ErrInvalidThreshold, t.RebalanceBand)
	}
	if !t.RangeWidth.IsPositive() || t.RangeWidth.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: range width %s must be in (0, 1)", ErrInvalidThreshold, t.RangeWidth)
	}
	if t.HedgeThreshold.IsNegative() {
		return fmt.Errorf("%w: hedge threshold %s is negative", ErrInvalidThreshold, t.HedgeThreshold)
	}
	return nil
}
