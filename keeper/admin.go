package keeper

import (
	"context"
	"errors"
	"fmt"

	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/position"
	"lp-hedge-bot/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Administrative operations. The loop never mints a first position on its
// own; an operator does it through MintInitial.

var ErrPositionExists = errors.New("a position is already stored")

// MintInitial mints the first position over rng with human token amounts and
// stores its id.
func (k *Keeper) MintInitial(ctx context.Context, rng position.Range, amount0, amount1 decimal.Decimal) (position.ID, error) {
	if _, ok, err := k.loadID(ctx); err != nil {
		return 0, fail(Connectivity, "load_position_id", err)
	} else if ok {
		return 0, fail(Configuration, "mint", ErrPositionExists)
	}

	d0, d1 := k.lp.TokenDecimals()
	raw0, raw1, err := rawAmounts(amount0, amount1, d0, d1)
	if err != nil {
		return 0, fail(Computation, "mint", err)
	}
	tickLower, tickUpper, err := strategy.AlignedTicks(rng, d0, d1, lpmath.TickSpacing(k.cfg.Fee))
	if err != nil {
		return 0, fail(Computation, "align_range", err)
	}

	id, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (position.ID, error) {
		return k.lp.Mint(ctx, raw0, raw1, tickLower, tickUpper)
	})
	if err != nil {
		return 0, fail(Venue, "mint", err)
	}
	if _, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, k.store.Save(ctx, id)
	}); err != nil {
		return 0, fail(Venue, "save_position_id", fmt.Errorf("minted %s but could not persist it: %w", id, err))
	}

	k.logger.Info("Position minted",
		zap.Stringer("position_id", id),
		zap.Stringer("range", rng),
		zap.Int("tick_lower", tickLower),
		zap.Int("tick_upper", tickUpper),
		zap.String("amount0", amount0.String()),
		zap.String("amount1", amount1.String()))
	return id, nil
}

// AddLiquidity deposits human token amounts into the stored position.
func (k *Keeper) AddLiquidity(ctx context.Context, amount0, amount1 decimal.Decimal) (position.ID, error) {
	id, ok, err := k.loadID(ctx)
	if err != nil {
		return 0, fail(Connectivity, "load_position_id", err)
	}
	if !ok {
		return 0, fail(Configuration, "increase_liquidity", ErrNoPosition)
	}

	d0, d1 := k.lp.TokenDecimals()
	raw0, raw1, err := rawAmounts(amount0, amount1, d0, d1)
	if err != nil {
		return 0, fail(Computation, "increase_liquidity", err)
	}
	if _, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, k.lp.IncreaseLiquidity(ctx, id, raw0, raw1)
	}); err != nil {
		return 0, fail(Venue, "increase_liquidity", err)
	}

	k.logger.Info("Liquidity added",
		zap.Stringer("position_id", id),
		zap.String("amount0", amount0.String()),
		zap.String("amount1", amount1.String()))
	return id, nil
}

// rawAmounts scales human amounts to integer token units, truncating dust.
func rawAmounts(amount0, amount1 decimal.Decimal, decimals0, decimals1 int) (decimal.Decimal, decimal.Decimal, error) {
	if amount0.IsNegative() || amount1.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: negative (%s, %s)", ErrInvalidAmounts, amount0, amount1)
	}
	raw0 := amount0.Shift(int32(decimals0)).Floor()
	raw1 := amount1.Shift(int32(decimals1)).Floor()
	if raw0.IsZero() && raw1.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: both zero", ErrInvalidAmounts)
	}
	return raw0, raw1, nil
}
