// Package position defines the LP position value types shared by the venue,
// store and keeper packages.
package position

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"lp-hedge-bot/lpmath"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidID         = errors.New("invalid position id")
	ErrInvalidRange      = errors.New("invalid range")
	ErrNegativeLiquidity = errors.New("negative liquidity")
)

// ID is the NonfungiblePositionManager token id of a position.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Big returns the id as an ERC-721 token id.
func (id ID) Big() *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

// ParseID parses the textual form written by ID.String.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: zero", ErrInvalidID)
	}
	return ID(v), nil
}

// Range is a price interval in human units (token1 per token0).
type Range struct {
	Lower decimal.Decimal `json:"lower"`
	Upper decimal.Decimal `json:"upper"`
}

// NewRange builds a validated range.
func NewRange(lower, upper decimal.Decimal) (Range, error) {
	r := Range{Lower: lower, Upper: upper}
	return r, r.Validate()
}

// Validate requires 0 < Lower < Upper.
func (r Range) Validate() error {
	if !r.Lower.IsPositive() || !r.Upper.IsPositive() {
		return fmt.Errorf("%w: bounds must be positive (%s, %s)", ErrInvalidRange, r.Lower, r.Upper)
	}
	if r.Lower.GreaterThanOrEqual(r.Upper) {
		return fmt.Errorf("%w: lower %s >= upper %s", ErrInvalidRange, r.Lower, r.Upper)
	}
	return nil
}

// Contains reports whether price lies inside the closed range.
func (r Range) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(r.Lower) && price.LessThanOrEqual(r.Upper)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Lower.StringFixed(6), r.Upper.StringFixed(6))
}

// Snapshot is the on-chain state of a position as reported by the LP venue.
type Snapshot struct {
	Liquidity decimal.Decimal `json:"liquidity"`
	TickLower int             `json:"tick_lower"`
	TickUpper int             `json:"tick_upper"`
	Owed0     decimal.Decimal `json:"owed0"` // raw token0 owed (fees plus released principal)
	Owed1     decimal.Decimal `json:"owed1"`
}

func (s Snapshot) Validate() error {
	if s.TickLower >= s.TickUpper {
		return fmt.Errorf("%w: tickLower %d >= tickUpper %d", ErrInvalidRange, s.TickLower, s.TickUpper)
	}
	if s.Liquidity.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeLiquidity, s.Liquidity)
	}
	return nil
}

// Position couples a snapshot with the decimals of its pool tokens. A
// rebalance never mutates a Position; it yields a new one under a new ID.
type Position struct {
	ID        ID
	Snapshot  Snapshot
	Decimals0 int
	Decimals1 int
}

// New validates and builds a Position.
func New(id ID, snap Snapshot, decimals0, decimals1 int) (Position, error) {
	if id == 0 {
		return Position{}, fmt.Errorf("%w: zero", ErrInvalidID)
	}
	if err := snap.Validate(); err != nil {
		return Position{}, fmt.Errorf("position %s: %w", id, err)
	}
	return Position{ID: id, Snapshot: snap, Decimals0: decimals0, Decimals1: decimals1}, nil
}

// Empty reports whether the position holds no liquidity.
func (p Position) Empty() bool {
	return p.Snapshot.Liquidity.IsZero()
}

// PriceRange converts the position's tick bounds into human prices.
func (p Position) PriceRange() (Range, error) {
	lower, err := lpmath.TickToPrice(p.Snapshot.TickLower, p.Decimals0, p.Decimals1)
	if err != nil {
		return Range{}, fmt.Errorf("lower bound: %w", err)
	}
	upper, err := lpmath.TickToPrice(p.Snapshot.TickUpper, p.Decimals0, p.Decimals1)
	if err != nil {
		return Range{}, fmt.Errorf("upper bound: %w", err)
	}
	return NewRange(lower, upper)
}

// Value decomposes the position's liquidity at a human price.
func (p Position) Value(price decimal.Decimal) (lpmath.Valuation, error) {
	return lpmath.ValuePosition(p.Snapshot.Liquidity, p.Snapshot.TickLower, p.Snapshot.TickUpper, price, p.Decimals0, p.Decimals1)
}
