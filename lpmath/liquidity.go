package lpmath

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts are raw (undecimalized) token amounts.
type Amounts struct {
	Amount0 decimal.Decimal
	Amount1 decimal.Decimal
}

// Human scales raw amounts by 10^-decimals.
func (a Amounts) Human(decimals0, decimals1 int) Amounts {
	return Amounts{
		Amount0: a.Amount0.Shift(-int32(decimals0)),
		Amount1: a.Amount1.Shift(-int32(decimals1)),
	}
}

// AmountsForLiquidity decomposes liquidity over [sqrtPa, sqrtPb] into token
// amounts at sqrtP.
//
//	sqrtP <= sqrtPa: amount0 = L(1/sqrtPa - 1/sqrtPb), amount1 = 0
//	sqrtP >= sqrtPb: amount0 = 0, amount1 = L(sqrtPb - sqrtPa)
//	otherwise:       amount0 = L(1/sqrtP - 1/sqrtPb), amount1 = L(sqrtP - sqrtPa)
func AmountsForLiquidity(liquidity, sqrtP, sqrtPa, sqrtPb decimal.Decimal) (Amounts, error) {
	if liquidity.IsNegative() {
		return Amounts{}, fmt.Errorf("%w: liquidity %s", ErrNegativeInput, liquidity)
	}
	if !sqrtP.IsPositive() || !sqrtPa.IsPositive() || !sqrtPb.IsPositive() {
		return Amounts{}, ErrNonPositivePrice
	}
	if sqrtPa.GreaterThan(sqrtPb) {
		sqrtPa, sqrtPb = sqrtPb, sqrtPa
	}

	switch {
	case sqrtP.LessThanOrEqual(sqrtPa):
		return Amounts{
			Amount0: mul(liquidity, quo(one, sqrtPa).Sub(quo(one, sqrtPb))),
			Amount1: decimal.Zero,
		}, nil
	case sqrtP.GreaterThanOrEqual(sqrtPb):
		return Amounts{
			Amount0: decimal.Zero,
			Amount1: mul(liquidity, sqrtPb.Sub(sqrtPa)),
		}, nil
	default:
		return Amounts{
			Amount0: mul(liquidity, quo(one, sqrtP).Sub(quo(one, sqrtPb))),
			Amount1: mul(liquidity, sqrtP.Sub(sqrtPa)),
		}, nil
	}
}

// LiquidityForAmounts returns the largest liquidity that raw amounts can fund
// over [sqrtPa, sqrtPb] at sqrtP.
func LiquidityForAmounts(sqrtP, sqrtPa, sqrtPb, amount0, amount1 decimal.Decimal) (decimal.Decimal, error) {
	if amount0.IsNegative() || amount1.IsNegative() {
		return decimal.Zero, ErrNegativeInput
	}
	if !sqrtP.IsPositive() || !sqrtPa.IsPositive() || !sqrtPb.IsPositive() {
		return decimal.Zero, ErrNonPositivePrice
	}
	if sqrtPa.GreaterThan(sqrtPb) {
		sqrtPa, sqrtPb = sqrtPb, sqrtPa
	}
	if sqrtPa.Equal(sqrtPb) {
		return decimal.Zero, ErrInvalidRange
	}

	fromAmount0 := func(lo decimal.Decimal) decimal.Decimal {
		// L = a0 * lo * hi / (hi - lo)
		return quo(mul(mul(amount0, lo), sqrtPb), sqrtPb.Sub(lo))
	}
	fromAmount1 := func(hi decimal.Decimal) decimal.Decimal {
		return quo(amount1, hi.Sub(sqrtPa))
	}

	switch {
	case sqrtP.LessThanOrEqual(sqrtPa):
		return fromAmount0(sqrtPa), nil
	case sqrtP.GreaterThanOrEqual(sqrtPb):
		return fromAmount1(sqrtPb), nil
	default:
		return decimal.Min(fromAmount0(sqrtP), fromAmount1(sqrtP)), nil
	}
}

// Valuation is the decomposition of a position at one price.
type Valuation struct {
	Liquidity decimal.Decimal
	TickLower int
	TickUpper int
	Decimals0 int
	Decimals1 int
	Price     decimal.Decimal // human, token1 per token0

	Raw   Amounts
	Human Amounts
}

// Value returns the position value denominated in token1 (human units).
func (v Valuation) Value() decimal.Decimal {
	return mul(v.Human.Amount0, v.Price).Add(v.Human.Amount1)
}

// ValuePosition runs the valuation engine for a position at a human price.
func ValuePosition(liquidity decimal.Decimal, tickLower, tickUpper int, price decimal.Decimal, decimals0, decimals1 int) (Valuation, error) {
	if tickLower >= tickUpper {
		return Valuation{}, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, tickLower, tickUpper)
	}
	sqrtP, err := SqrtRatioAtPrice(price, decimals0, decimals1)
	if err != nil {
		return Valuation{}, fmt.Errorf("current price: %w", err)
	}
	sqrtPa, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return Valuation{}, fmt.Errorf("lower tick: %w", err)
	}
	sqrtPb, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return Valuation{}, fmt.Errorf("upper tick: %w", err)
	}

	raw, err := AmountsForLiquidity(liquidity, sqrtP, sqrtPa, sqrtPb)
	if err != nil {
		return Valuation{}, err
	}
	return Valuation{
		Liquidity: liquidity,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Decimals0: decimals0,
		Decimals1: decimals1,
		Price:     price,
		Raw:       raw,
		Human:     raw.Human(decimals0, decimals1),
	}, nil
}

// Reprice values the same position at another price.
func (v Valuation) Reprice(price decimal.Decimal) (Valuation, error) {
	return ValuePosition(v.Liquidity, v.TickLower, v.TickUpper, price, v.Decimals0, v.Decimals1)
}
