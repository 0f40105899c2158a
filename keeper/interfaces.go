package keeper

import (
	"context"

	"lp-hedge-bot/execution"
	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PriceOracle quotes USD prices and pool prices.
type PriceOracle interface {
	USDPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// PoolPrice returns (token1 per token0, token0 per token1) in human units.
	PoolPrice(ctx context.Context, pool common.Address) (decimal.Decimal, decimal.Decimal, error)
}

// PositionStore persists the id of the managed position.
type PositionStore interface {
	Load(ctx context.Context) (position.ID, bool, error)
	Save(ctx context.Context, id position.ID) error
}

// LPVenue is the concentrated liquidity position manager. Token amounts are
// raw (undecimalized). Mutating calls either take full effect or fail.
type LPVenue interface {
	TokenDecimals() (int, int)
	PoolAddress(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error)
	PositionSnapshot(ctx context.Context, id position.ID) (position.Snapshot, error)
	Mint(ctx context.Context, amount0, amount1 decimal.Decimal, tickLower, tickUpper int) (position.ID, error)
	IncreaseLiquidity(ctx context.Context, id position.ID, amount0, amount1 decimal.Decimal) error
	DecreaseLiquidity(ctx context.Context, id position.ID, liquidity decimal.Decimal) (lpmath.Amounts, error)
	// CollectFees transfers everything owed to the position, including
	// principal released by an earlier DecreaseLiquidity.
	CollectFees(ctx context.Context, id position.ID) (lpmath.Amounts, error)
}

// HedgeVenue is the derivatives venue. PositionSize is signed: positive is
// net long, negative net short.
type HedgeVenue interface {
	PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, symbol string, side execution.OrderSide, amount decimal.Decimal) error
}
