package keeper

import (
	"time"

	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/position"
	"lp-hedge-bot/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CycleReport is the explicit state a cycle produced. It is never carried
// into the next cycle.
type CycleReport struct {
	CycleID   string
	StartedAt time.Time
	Idle      bool

	PositionID   position.ID
	Pool         common.Address
	Price        decimal.Decimal // token1 per token0
	InversePrice decimal.Decimal // token0 per token1
	Range        position.Range
	Holdings     lpmath.Amounts // human units
	Exposure     decimal.Decimal

	Rebalance     strategy.RebalanceDecision
	NewTickLower  int
	NewTickUpper  int
	Withdrawn     lpmath.Amounts // raw
	Collected     lpmath.Amounts // raw
	NewPositionID position.ID

	USDPrice    decimal.Decimal
	ExposureUSD decimal.Decimal
	HedgeSize   decimal.Decimal // venue signed size, negative is short
	Hedge       strategy.HedgeAction
	HedgePlaced bool
}

// Rebalanced reports whether a new position was minted this cycle.
func (r CycleReport) Rebalanced() bool {
	return r.NewPositionID != 0
}

func (r *CycleReport) record(ev evaluation) {
	r.Range = ev.rng
	r.Holdings = ev.val.Human
	r.Exposure = ev.exposure
}
