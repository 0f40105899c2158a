// Package uniswap manages concentrated liquidity positions through the
// Uniswap V3 NonfungiblePositionManager.
package uniswap

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/position"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrPoolNotFound     = errors.New("pool not found")
	ErrReverted         = errors.New("transaction reverted")
	ErrEventNotFound    = errors.New("expected event not found in receipt")
	ErrAmountOutOfRange = errors.New("amount out of range")
	ErrInvalidConfig    = errors.New("invalid uniswap configuration")
)

// Backend is the subset of ethclient.Client the venue uses.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.TransactionSender
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds configuration for the Uniswap venue
type Config struct {
	Factory         common.Address  `yaml:"factory"`
	PositionManager common.Address  `yaml:"position_manager"`
	Token0          common.Address  `yaml:"token0"`
	Token1          common.Address  `yaml:"token1"`
	Fee             uint32          `yaml:"fee"`
	Slippage        decimal.Decimal `yaml:"slippage"`      // tolerated shortfall on mint minimums
	Deadline        time.Duration   `yaml:"deadline"`      // added to now for every mutating call
	PollInterval    time.Duration   `yaml:"poll_interval"` // receipt polling
	GasHeadroom     decimal.Decimal `yaml:"gas_headroom"`  // multiplier on estimated gas
}

// DefaultConfig returns Ethereum mainnet deployments of the V3 periphery.
func DefaultConfig() Config {
	return Config{
		Factory:         common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
		PositionManager: common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88"),
		Fee:             3000,
		Slippage:        decimal.RequireFromString("0.01"),
		Deadline:        20 * time.Minute,
		PollInterval:    2 * time.Second,
		GasHeadroom:     decimal.RequireFromString("1.2"),
	}
}

func (c Config) Validate() error {
	if c.Token0 == (common.Address{}) || c.Token1 == (common.Address{}) {
		return fmt.Errorf("%w: token addresses are required", ErrInvalidConfig)
	}
	if bytes.Compare(c.Token0.Bytes(), c.Token1.Bytes()) >= 0 {
		return fmt.Errorf("%w: token0 %s must sort below token1 %s", ErrInvalidConfig, c.Token0.Hex(), c.Token1.Hex())
	}
	if c.PositionManager == (common.Address{}) || c.Factory == (common.Address{}) {
		return fmt.Errorf("%w: factory and position manager are required", ErrInvalidConfig)
	}
	if c.Slippage.IsNegative() || c.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: slippage %s outside [0, 1)", ErrInvalidConfig, c.Slippage)
	}
	if c.Deadline <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("%w: deadline and poll interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Client is the LP venue backed by an Ethereum node.
type Client struct {
	backend Backend
	config  Config
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  *zap.Logger
	now     func() time.Time

	decimals0 int
	decimals1 int

	txMu sync.Mutex // one transaction in flight per account
}

// NewClient reads the chain id and token decimals and returns a ready venue.
func NewClient(ctx context.Context, backend Backend, config Config, privateKeyHex string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	c := &Client{
		backend: backend,
		config:  config,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		logger:  logger.With(zap.String("venue", "uniswap")),
		now:     time.Now,
	}
	if c.decimals0, err = c.tokenDecimals(ctx, config.Token0); err != nil {
		return nil, err
	}
	if c.decimals1, err = c.tokenDecimals(ctx, config.Token1); err != nil {
		return nil, err
	}

	c.logger.Info("Uniswap venue ready",
		zap.String("account", c.from.Hex()),
		zap.String("chain_id", chainID.String()),
		zap.Int("decimals0", c.decimals0),
		zap.Int("decimals1", c.decimals1))
	return c, nil
}

// Address returns the signing account.
func (c *Client) Address() common.Address {
	return c.from
}

// TokenDecimals returns the decimals of token0 and token1.
func (c *Client) TokenDecimals() (int, int) {
	return c.decimals0, c.decimals1
}

// =============================================================================
// READS
// =============================================================================

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *Client) tokenDecimals(ctx context.Context, token common.Address) (int, error) {
	values, err := c.call(ctx, erc20ABI, token, "decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to read decimals of %s: %w", token.Hex(), err)
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}
	return int(d), nil
}

// PoolAddress resolves the pool for a token pair and fee tier.
func (c *Client) PoolAddress(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	values, err := c.call(ctx, factoryABI, c.config.Factory, "getPool", tokenA, tokenB, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, err
	}
	pool, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected pool type %T", values[0])
	}
	if pool == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s/%s fee %d", ErrPoolNotFound, tokenA.Hex(), tokenB.Hex(), fee)
	}
	return pool, nil
}

func (c *Client) sqrtPriceX96(ctx context.Context, pool common.Address) (*big.Int, error) {
	values, err := c.call(ctx, poolABI, pool, "slot0")
	if err != nil {
		return nil, err
	}
	sqrtPrice, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected sqrtPriceX96 type %T", values[0])
	}
	return sqrtPrice, nil
}

// PoolPrice returns (token1 per token0, token0 per token1) in human units.
func (c *Client) PoolPrice(ctx context.Context, pool common.Address) (decimal.Decimal, decimal.Decimal, error) {
	sqrtPrice, err := c.sqrtPriceX96(ctx, pool)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	price, err := lpmath.PriceFromSqrtX96(sqrtPrice, c.decimals0, c.decimals1)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: pool %s", lpmath.ErrNonPositivePrice, pool.Hex())
	}
	return price, decimal.NewFromInt(1).DivRound(price, lpmath.Precision), nil
}

// PositionSnapshot reads the position's liquidity, ticks and owed tokens.
func (c *Client) PositionSnapshot(ctx context.Context, id position.ID) (position.Snapshot, error) {
	values, err := c.call(ctx, positionManagerABI, c.config.PositionManager, "positions", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return position.Snapshot{}, err
	}
	if len(values) != 12 {
		return position.Snapshot{}, fmt.Errorf("positions returned %d values", len(values))
	}

	var snap position.Snapshot
	tickLower, ok1 := values[5].(*big.Int)
	tickUpper, ok2 := values[6].(*big.Int)
	if !ok1 || !ok2 {
		return position.Snapshot{}, fmt.Errorf("unexpected tick types %T, %T", values[5], values[6])
	}
	snap.TickLower = int(tickLower.Int64())
	snap.TickUpper = int(tickUpper.Int64())
	if snap.Liquidity, err = fromUint(values[7]); err != nil {
		return position.Snapshot{}, err
	}
	if snap.Owed0, err = fromUint(values[10]); err != nil {
		return position.Snapshot{}, err
	}
	if snap.Owed1, err = fromUint(values[11]); err != nil {
		return position.Snapshot{}, err
	}
	return snap, nil
}
