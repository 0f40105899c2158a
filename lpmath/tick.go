package lpmath

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	MinTick = -887272
	MaxTick = 887272
)

var (
	tickBase   = decimal.RequireFromString("1.0001")
	lnTickBase = mustLn(tickBase)

	// Q96 is 2^96, the fixed-point scale of slot0.sqrtPriceX96.
	Q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

	// ticks within this distance of an integer snap to it before flooring
	snapEpsilon = decimal.New(1, -18)
)

func mustLn(d decimal.Decimal) decimal.Decimal {
	l, err := d.Ln(Precision + 10)
	if err != nil {
		panic(err)
	}
	return l
}

// RawRatio converts a human price (token1 per token0) into the pool's raw
// token1/token0 ratio: raw = price * 10^(decimals1-decimals0).
func RawRatio(price decimal.Decimal, decimals0, decimals1 int) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNonPositivePrice, price)
	}
	return price.Shift(int32(decimals1 - decimals0)), nil
}

// HumanPrice is the inverse of RawRatio.
func HumanPrice(raw decimal.Decimal, decimals0, decimals1 int) decimal.Decimal {
	return raw.Shift(int32(decimals0 - decimals1))
}

// PriceToTick returns floor(log_1.0001(raw)) for the raw ratio of price.
func PriceToTick(price decimal.Decimal, decimals0, decimals1 int) (int, error) {
	raw, err := RawRatio(price, decimals0, decimals1)
	if err != nil {
		return 0, err
	}
	return RawRatioToTick(raw)
}

// RawRatioToTick returns floor(log_1.0001(raw)).
func RawRatioToTick(raw decimal.Decimal) (int, error) {
	l, err := Ln(raw)
	if err != nil {
		return 0, err
	}
	q := l.DivRound(lnTickBase, Precision)
	if nearest := q.Round(0); q.Sub(nearest).Abs().LessThan(snapEpsilon) {
		q = nearest
	}
	t := q.Floor()
	if t.LessThan(decimal.NewFromInt(MinTick)) || t.GreaterThan(decimal.NewFromInt(MaxTick)) {
		return 0, fmt.Errorf("%w: %s", ErrTickOutOfRange, t)
	}
	return int(t.IntPart()), nil
}

// TickToPrice returns the human price (token1 per token0) at tick.
func TickToPrice(tick, decimals0, decimals1 int) (decimal.Decimal, error) {
	raw, err := TickRatio(tick)
	if err != nil {
		return decimal.Zero, err
	}
	return HumanPrice(raw, decimals0, decimals1), nil
}

// TickRatio returns 1.0001^tick.
func TickRatio(tick int) (decimal.Decimal, error) {
	if tick < MinTick || tick > MaxTick {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}
	return powInt(tickBase, tick), nil
}

// SqrtRatioAtTick returns sqrt(1.0001^tick).
func SqrtRatioAtTick(tick int) (decimal.Decimal, error) {
	r, err := TickRatio(tick)
	if err != nil {
		return decimal.Zero, err
	}
	return Sqrt(r)
}

// SqrtRatioAtPrice returns the square root of the raw ratio of a human price.
func SqrtRatioAtPrice(price decimal.Decimal, decimals0, decimals1 int) (decimal.Decimal, error) {
	raw, err := RawRatio(price, decimals0, decimals1)
	if err != nil {
		return decimal.Zero, err
	}
	return Sqrt(raw)
}

// AlignToSpacing snaps tick to a multiple of spacing, flooring when roundDown
// is set and ceiling otherwise. Negative ticks floor towards -inf.
func AlignToSpacing(tick, spacing int, roundDown bool) int {
	if spacing <= 1 {
		return tick
	}
	q := tick / spacing
	if tick%spacing != 0 {
		if tick < 0 && roundDown {
			q--
		} else if tick > 0 && !roundDown {
			q++
		}
	}
	return q * spacing
}

// AlignRange aligns lower down and upper up. If alignment collapses the
// range, upper is bumped by one spacing unit. The result stays inside the
// usable tick bounds for spacing.
func AlignRange(lower, upper, spacing int) (int, int, error) {
	if spacing < 1 {
		spacing = 1
	}
	l := AlignToSpacing(lower, spacing, true)
	u := AlignToSpacing(upper, spacing, false)
	if u <= l {
		u = l + spacing
	}
	minUsable := AlignToSpacing(MinTick, spacing, false)
	maxUsable := AlignToSpacing(MaxTick, spacing, true)
	if l < minUsable || u > maxUsable {
		return 0, 0, fmt.Errorf("%w: [%d, %d] spacing %d", ErrTickOutOfRange, l, u, spacing)
	}
	return l, u, nil
}

// TickSpacing returns the tick spacing of a Uniswap v3 fee tier.
func TickSpacing(fee uint32) int {
	switch fee {
	case 100:
		return 1
	case 500:
		return 10
	case 3000:
		return 60
	case 10000:
		return 200
	}
	if s := int(fee / 50); s > 0 {
		return s
	}
	return 1
}

// PriceFromSqrtX96 decodes slot0.sqrtPriceX96 into the human price.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int, decimals0, decimals1 int) (decimal.Decimal, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: sqrtPriceX96 %v", ErrNonPositivePrice, sqrtPriceX96)
	}
	s := quo(decimal.NewFromBigInt(sqrtPriceX96, 0), Q96)
	return HumanPrice(mul(s, s), decimals0, decimals1), nil
}
