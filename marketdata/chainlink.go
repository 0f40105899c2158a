package marketdata

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const aggregatorABI = `[
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	]}
]`

var aggregator = mustParseABI(aggregatorABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// Round is one Chainlink answer scaled to a human price.
type Round struct {
	RoundID   *big.Int
	Answer    decimal.Decimal
	UpdatedAt time.Time
}

// ChainlinkFeed reads a Chainlink aggregator on chain.
type ChainlinkFeed struct {
	caller  ethereum.ContractCaller
	address common.Address
	maxAge  time.Duration
	now     func() time.Time

	mu       sync.Mutex
	decimals *int32
}

// NewChainlinkFeed creates a feed reader. maxAge of zero disables the staleness check.
func NewChainlinkFeed(caller ethereum.ContractCaller, address common.Address, maxAge time.Duration) *ChainlinkFeed {
	return &ChainlinkFeed{
		caller:  caller,
		address: address,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func (c *ChainlinkFeed) call(ctx context.Context, method string) ([]any, error) {
	input, err := aggregator.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, c.address.Hex(), err)
	}
	values, err := aggregator.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// Decimals returns the aggregator's answer precision, read once.
func (c *ChainlinkFeed) Decimals(ctx context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decimals != nil {
		return *c.decimals, nil
	}
	values, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}
	dec := int32(d)
	c.decimals = &dec
	return dec, nil
}

// LatestRound returns the latest answer. Non-positive and stale answers fail with ErrNoQuote.
func (c *ChainlinkFeed) LatestRound(ctx context.Context) (Round, error) {
	decimals, err := c.Decimals(ctx)
	if err != nil {
		return Round{}, err
	}
	values, err := c.call(ctx, "latestRoundData")
	if err != nil {
		return Round{}, err
	}
	roundID, _ := values[0].(*big.Int)
	answer, ok := values[1].(*big.Int)
	if !ok {
		return Round{}, fmt.Errorf("unexpected answer type %T", values[1])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return Round{}, fmt.Errorf("unexpected updatedAt type %T", values[3])
	}

	round := Round{
		RoundID:   roundID,
		Answer:    decimal.NewFromBigInt(answer, -decimals),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
	}
	if !round.Answer.IsPositive() {
		return round, fmt.Errorf("%w: feed %s answered %s", ErrNoQuote, c.address.Hex(), round.Answer)
	}
	if c.maxAge > 0 && c.now().Sub(round.UpdatedAt) > c.maxAge {
		return round, fmt.Errorf("%w: feed %s last updated %s", ErrNoQuote, c.address.Hex(), round.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return round, nil
}

// Price returns the latest answer as a human price.
func (c *ChainlinkFeed) Price(ctx context.Context) (decimal.Decimal, error) {
	round, err := c.LatestRound(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return round.Answer, nil
}
