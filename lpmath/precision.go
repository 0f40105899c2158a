// Package lpmath implements the concentrated-liquidity math used by the keeper:
// tick <-> price conversion, position valuation and liquidity sizing.
//
// All arithmetic runs on shopspring decimals rounded to a fixed number of
// significant digits. float64 is only ever used to seed Newton iterations.
package lpmath

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Precision is the number of significant decimal digits kept by every
// intermediate result.
const Precision int32 = 40

var (
	ErrNonPositivePrice = errors.New("price must be positive")
	ErrNegativeInput    = errors.New("negative input")
	ErrTickOutOfRange   = errors.New("tick out of range")
	ErrInvalidRange     = errors.New("lower tick must be below upper tick")
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// magnitude returns the position of the most significant digit of d, i.e.
// the number of integer digits for |d| >= 1 and -(leading zeros) otherwise.
func magnitude(d decimal.Decimal) int32 {
	return int32(d.NumDigits()) + d.Exponent()
}

// roundSig rounds d to the given number of significant digits.
func roundSig(d decimal.Decimal, digits int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	return d.Round(digits - magnitude(d))
}

func mul(a, b decimal.Decimal) decimal.Decimal {
	return roundSig(a.Mul(b), Precision)
}

func quo(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return a
	}
	places := Precision - (magnitude(a) - magnitude(b)) + 2
	return roundSig(a.DivRound(b, places), Precision)
}

// Sqrt returns the square root of d computed with Newton's method.
func Sqrt(d decimal.Decimal) (decimal.Decimal, error) {
	switch d.Sign() {
	case -1:
		return decimal.Zero, ErrNegativeInput
	case 0:
		return decimal.Zero, nil
	}

	// Seed from float64 when representable, otherwise from the decimal exponent.
	x := seedSqrt(d)
	tolerance := decimal.New(1, -(Precision - 1))
	for i := 0; i < 200; i++ {
		next := quo(x.Add(quo(d, x)), two)
		diff := next.Sub(x).Abs()
		x = next
		if diff.IsZero() || quo(diff, x).LessThan(tolerance) {
			break
		}
	}
	return roundSig(x, Precision), nil
}

func seedSqrt(d decimal.Decimal) decimal.Decimal {
	if f, _ := d.Float64(); f > 0 && !math.IsInf(f, 0) {
		return decimal.NewFromFloat(math.Sqrt(f))
	}
	return decimal.New(1, magnitude(d)/2)
}

// Ln returns the natural logarithm of d.
func Ln(d decimal.Decimal) (decimal.Decimal, error) {
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositivePrice
	}
	return d.Ln(Precision + 2)
}

// powInt raises base to an integer exponent by squaring, rounding every
// product to Precision significant digits so the coefficient stays bounded.
func powInt(base decimal.Decimal, exp int) decimal.Decimal {
	n := exp
	if n < 0 {
		n = -n
	}
	result := one
	for n > 0 {
		if n&1 == 1 {
			result = mul(result, base)
		}
		n >>= 1
		if n > 0 {
			base = mul(base, base)
		}
	}
	if exp < 0 {
		return quo(one, result)
	}
	return result
}
