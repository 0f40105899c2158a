// Package config loads the keeper configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"lp-hedge-bot/execution"
	"lp-hedge-bot/keeper"
	"lp-hedge-bot/marketdata"
	"lp-hedge-bot/store"
	"lp-hedge-bot/strategy"
	"lp-hedge-bot/uniswap"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn or error
	Development bool   `yaml:"development"`
}

type ChainConfig struct {
	NodeURL       string `yaml:"node_url"`
	PrivateKey    string `yaml:"private_key"`
	WalletAddress string `yaml:"wallet_address"`
}

type PoolConfig struct {
	Token0          string          `yaml:"token0"`
	Token1          string          `yaml:"token1"`
	Fee             uint32          `yaml:"fee"`
	Factory         string          `yaml:"factory"`
	PositionManager string          `yaml:"position_manager"`
	Slippage        decimal.Decimal `yaml:"slippage"`
	Deadline        time.Duration   `yaml:"deadline"`
	PollInterval    time.Duration   `yaml:"poll_interval"`
	GasHeadroom     decimal.Decimal `yaml:"gas_headroom"`
}

type LoopConfig struct {
	Name        string        `yaml:"name"`
	Interval    time.Duration `yaml:"interval"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type StrategyConfig struct {
	RebalanceBand  decimal.Decimal           `yaml:"rebalance_band"`
	RangeWidth     decimal.Decimal           `yaml:"range_width"`
	HedgeThreshold decimal.Decimal           `yaml:"hedge_threshold"`
	Exposure       strategy.ExposureStrategy `yaml:"exposure"`
	DerivativeStep decimal.Decimal           `yaml:"derivative_step"`
}

// HedgeConfig selects the hedge venue. Venue defaults to paper: the
// hyperliquid client signs actions over keccak256(json||nonce) rather than
// the exchange's msgpack EIP-712 hash, so live orders are not accepted yet.
type HedgeConfig struct {
	Venue          string          `yaml:"venue"` // paper (default) or hyperliquid
	Symbol         string          `yaml:"symbol"`
	VolatileSymbol string          `yaml:"volatile_symbol"`
	PrivateKey     string          `yaml:"private_key"`
	AccountAddress string          `yaml:"account_address"`
	Mainnet        bool            `yaml:"mainnet"`
	BaseURL        string          `yaml:"base_url"`
	MaxSlippage    decimal.Decimal `yaml:"max_slippage"`
	RateLimitRPS   float64         `yaml:"rate_limit_rps"`
}

type OracleConfig struct {
	Chainlink map[string]string `yaml:"chainlink"` // symbol to aggregator address
	MaxAge    time.Duration     `yaml:"max_age"`
	Mids      MidsConfig        `yaml:"mids"`
}

type MidsConfig struct {
	Enabled bool          `yaml:"enabled"`
	WSURL   string        `yaml:"ws_url"`
	MaxAge  time.Duration `yaml:"max_age"`
}

type StoreConfig struct {
	Backend store.Backend `yaml:"backend"`
	Path    string        `yaml:"path"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// Config is the full keeper configuration.
type Config struct {
	DryRun   bool           `yaml:"dry_run"`
	Log      LogConfig      `yaml:"log"`
	Chain    ChainConfig    `yaml:"chain"`
	Pool     PoolConfig     `yaml:"pool"`
	Loop     LoopConfig     `yaml:"loop"`
	Strategy StrategyConfig `yaml:"strategy"`
	Hedge    HedgeConfig    `yaml:"hedge"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns the stock configuration.
func Default() *Config {
	k := keeper.DefaultConfig()
	u := uniswap.DefaultConfig()
	h := execution.DefaultConfig()
	m := marketdata.DefaultMidsConfig()
	return &Config{
		Log: LogConfig{Level: "info"},
		Pool: PoolConfig{
			Fee:             u.Fee,
			Factory:         u.Factory.Hex(),
			PositionManager: u.PositionManager.Hex(),
			Slippage:        u.Slippage,
			Deadline:        u.Deadline,
			PollInterval:    u.PollInterval,
			GasHeadroom:     u.GasHeadroom,
		},
		Loop: LoopConfig{Name: k.Name, Interval: k.Interval},
		Strategy: StrategyConfig{
			RebalanceBand:  k.Thresholds.RebalanceBand,
			RangeWidth:     k.Thresholds.RangeWidth,
			HedgeThreshold: k.Thresholds.HedgeThreshold,
			Exposure:       strategy.ExposureNaiveHoldings,
		},
		Hedge: HedgeConfig{
			Venue:          "paper",
			Symbol:         k.HedgeSymbol,
			VolatileSymbol: k.VolatileSymbol,
			Mainnet:        h.IsMainnet,
			MaxSlippage:    h.MaxSlippage,
			RateLimitRPS:   h.RateLimitRPS,
		},
		Oracle: OracleConfig{
			MaxAge: time.Hour,
			Mids:   MidsConfig{Enabled: true, MaxAge: m.MaxAge},
		},
		Store:   StoreConfig{Backend: store.BackendFile, Path: "position_id.txt"},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
	}
}

// Load reads path (optional), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func trimSecret(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"")
	return strings.Trim(s, "'")
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NODE_URL"); v != "" {
		c.Chain.NodeURL = v
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		c.Chain.PrivateKey = trimSecret(v)
	}
	if v := os.Getenv("WALLET_ADDRESS"); v != "" {
		c.Chain.WalletAddress = strings.TrimSpace(v)
	}
	if v := os.Getenv("HYPERLIQUID_PRIVATE_KEY"); v != "" {
		c.Hedge.PrivateKey = trimSecret(v)
	}
	if v := os.Getenv("HYPERLIQUID_MAINNET"); v != "" {
		c.Hedge.Mainnet = v == "true"
	}
	if v := os.Getenv("LOOP_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("%w: LOOP_INTERVAL: %v", ErrInvalid, err)
		}
		c.Loop.Interval = d
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = store.Backend(v)
	}
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		c.DryRun = v == "true"
	}
	return nil
}

// parseInterval accepts a Go duration or a plain number of seconds.
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c *Config) Validate() error {
	if c.Chain.NodeURL == "" {
		return fmt.Errorf("%w: chain.node_url (NODE_URL) is required", ErrInvalid)
	}
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("%w: chain.private_key (PRIVATE_KEY) is required", ErrInvalid)
	}
	for name, addr := range map[string]string{
		"pool.token0":           c.Pool.Token0,
		"pool.token1":           c.Pool.Token1,
		"pool.factory":          c.Pool.Factory,
		"pool.position_manager": c.Pool.PositionManager,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %s %q is not an address", ErrInvalid, name, addr)
		}
	}
	if c.Chain.WalletAddress != "" && !common.IsHexAddress(c.Chain.WalletAddress) {
		return fmt.Errorf("%w: chain.wallet_address %q is not an address", ErrInvalid, c.Chain.WalletAddress)
	}
	for symbol, addr := range c.Oracle.Chainlink {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: oracle.chainlink.%s %q is not an address", ErrInvalid, symbol, addr)
		}
	}

	switch c.Hedge.Venue {
	case "paper":
	case "hyperliquid":
		if c.Hedge.PrivateKey == "" && !c.DryRun {
			return fmt.Errorf("%w: hedge.private_key (HYPERLIQUID_PRIVATE_KEY) is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown hedge venue %q", ErrInvalid, c.Hedge.Venue)
	}

	switch c.Store.Backend {
	case store.BackendFile, store.BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalid)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}

	if _, err := c.Estimator(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Uniswap(); err != nil {
		return err
	}
	if err := c.Keeper().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// PaperHedge reports whether hedge orders stay in memory.
func (c *Config) PaperHedge() bool {
	return c.DryRun || c.Hedge.Venue == "paper"
}

// Keeper returns the loop settings.
func (c *Config) Keeper() keeper.Config {
	k := keeper.DefaultConfig()
	if c.Loop.Name != "" {
		k.Name = c.Loop.Name
	}
	k.Interval = c.Loop.Interval
	k.CallTimeout = c.Loop.CallTimeout
	k.Token0 = common.HexToAddress(c.Pool.Token0)
	k.Token1 = common.HexToAddress(c.Pool.Token1)
	k.Fee = c.Pool.Fee
	k.VolatileSymbol = c.Hedge.VolatileSymbol
	k.HedgeSymbol = c.Hedge.Symbol
	k.Thresholds = strategy.Thresholds{
		RebalanceBand:  c.Strategy.RebalanceBand,
		RangeWidth:     c.Strategy.RangeWidth,
		HedgeThreshold: c.Strategy.HedgeThreshold,
	}
	return k
}

// Estimator builds the configured exposure strategy.
func (c *Config) Estimator() (strategy.ExposureEstimator, error) {
	return strategy.NewExposureEstimator(c.Strategy.Exposure, c.Strategy.DerivativeStep)
}

// Uniswap returns the LP venue settings.
func (c *Config) Uniswap() (uniswap.Config, error) {
	u := uniswap.Config{
		Factory:         common.HexToAddress(c.Pool.Factory),
		PositionManager: common.HexToAddress(c.Pool.PositionManager),
		Token0:          common.HexToAddress(c.Pool.Token0),
		Token1:          common.HexToAddress(c.Pool.Token1),
		Fee:             c.Pool.Fee,
		Slippage:        c.Pool.Slippage,
		Deadline:        c.Pool.Deadline,
		PollInterval:    c.Pool.PollInterval,
		GasHeadroom:     c.Pool.GasHeadroom,
	}
	if err := u.Validate(); err != nil {
		return uniswap.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return u, nil
}

// Hyperliquid returns the hedge venue settings.
func (c *Config) Hyperliquid() *execution.Config {
	h := execution.DefaultConfig()
	h.PrivateKeyHex = c.Hedge.PrivateKey
	h.AccountAddress = c.Hedge.AccountAddress
	if h.AccountAddress == "" {
		h.AccountAddress = c.Chain.WalletAddress
	}
	h.IsMainnet = c.Hedge.Mainnet
	switch {
	case c.Hedge.BaseURL != "":
		h.BaseURL = c.Hedge.BaseURL
	case !c.Hedge.Mainnet:
		h.BaseURL = execution.TestnetURL
	}
	h.MaxSlippage = c.Hedge.MaxSlippage
	if c.Hedge.RateLimitRPS > 0 {
		h.RateLimitRPS = c.Hedge.RateLimitRPS
	}
	return h
}

// Mids returns the allMids feed settings.
func (c *Config) Mids() marketdata.MidsConfig {
	m := marketdata.DefaultMidsConfig()
	if c.Oracle.Mids.WSURL != "" {
		m.WSURL = c.Oracle.Mids.WSURL
	} else if !c.Hedge.Mainnet {
		m.WSURL = "wss://api.hyperliquid-testnet.xyz/ws"
	}
	if c.Oracle.Mids.MaxAge > 0 {
		m.MaxAge = c.Oracle.Mids.MaxAge
	}
	return m
}

// ChainlinkFeeds returns the configured aggregator addresses by symbol.
func (c *Config) ChainlinkFeeds() map[string]common.Address {
	feeds := make(map[string]common.Address, len(c.Oracle.Chainlink))
	for symbol, addr := range c.Oracle.Chainlink {
		feeds[strings.ToUpper(symbol)] = common.HexToAddress(addr)
	}
	return feeds
}
