package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// USDSource quotes a symbol in USD.
type USDSource interface {
	USDPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PoolPricer reads the current price of a pool.
type PoolPricer interface {
	PoolPrice(ctx context.Context, pool common.Address) (decimal.Decimal, decimal.Decimal, error)
}

// Oracle quotes USD prices from Chainlink feeds with a fallback source and
// delegates pool prices to the LP venue.
type Oracle struct {
	feeds    map[string]*ChainlinkFeed
	fallback USDSource
	pools    PoolPricer
	logger   *zap.Logger
}

// NewOracle wires the price sources. feeds maps symbols to Chainlink
// aggregators; fallback may be nil.
func NewOracle(feeds map[string]*ChainlinkFeed, fallback USDSource, pools PoolPricer, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]*ChainlinkFeed, len(feeds))
	for symbol, feed := range feeds {
		normalized[strings.ToUpper(symbol)] = feed
	}
	return &Oracle{
		feeds:    normalized,
		fallback: fallback,
		pools:    pools,
		logger:   logger,
	}
}

// USDPrice returns a positive USD quote for symbol or an error wrapping ErrNoQuote.
func (o *Oracle) USDPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var feedErr error
	if feed, ok := o.feeds[strings.ToUpper(symbol)]; ok {
		px, err := feed.Price(ctx)
		if err == nil {
			return px, nil
		}
		if o.fallback == nil {
			return decimal.Zero, fmt.Errorf("chainlink %s: %w", symbol, err)
		}
		o.logger.Warn("Chainlink quote unavailable, using fallback",
			zap.String("symbol", symbol), zap.Error(err))
		feedErr = err
	}

	if o.fallback == nil {
		return decimal.Zero, fmt.Errorf("%w: no source for %s", ErrNoQuote, symbol)
	}
	px, err := o.fallback.USDPrice(ctx, symbol)
	if err != nil {
		// The Chainlink failure decides how the error is classified.
		if feedErr != nil {
			return decimal.Zero, fmt.Errorf("chainlink %s: %w (fallback: %v)", symbol, feedErr, err)
		}
		return decimal.Zero, fmt.Errorf("fallback %s: %w", symbol, err)
	}
	if !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: fallback answered %s for %s", ErrNoQuote, px, symbol)
	}
	return px, nil
}

// PoolPrice returns (token1 per token0, token0 per token1).
func (o *Oracle) PoolPrice(ctx context.Context, pool common.Address) (decimal.Decimal, decimal.Decimal, error) {
	if o.pools == nil {
		return decimal.Zero, decimal.Zero, errors.New("no pool price source configured")
	}
	price, inverse, err := o.pools.PoolPrice(ctx, pool)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: pool %s price %s", ErrNoQuote, pool.Hex(), price)
	}
	return price, inverse, nil
}
