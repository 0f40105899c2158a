package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"lp-hedge-bot/execution"
	"lp-hedge-bot/store"
	"lp-hedge-bot/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

var envVars = []string{
	"NODE_URL", "PRIVATE_KEY", "WALLET_ADDRESS", "HYPERLIQUID_PRIVATE_KEY", "HYPERLIQUID_MAINNET",
	"LOOP_INTERVAL", "STORE_PATH", "STORE_BACKEND", "METRICS_ADDR", "LOG_LEVEL", "DRY_RUN",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// WETH sorts above USDC, so USDC is token0 of the pool.
const sampleYAML = `
log:
  level: debug
chain:
  node_url: https://rpc.example
  private_key: "0xabc"
pool:
  token0: ` + usdc + `
  token1: ` + weth + `
  fee: 500
  slippage: 0.005
  deadline: 10m
loop:
  interval: 60s
  call_timeout: 15s
strategy:
  rebalance_band: 0.02
  range_width: 0.05
  hedge_threshold: 0.01
  exposure: first_order
hedge:
  venue: paper
  symbol: ETH
  volatile_symbol: WETH
oracle:
  chainlink:
    eth: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
  max_age: 2h
store:
  backend: sqlite
  path: keeper.db
metrics:
  listen_addr: ""
`

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 300*time.Second, cfg.Loop.Interval)
	assert.True(t, cfg.Strategy.RebalanceBand.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.Strategy.RangeWidth.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, cfg.Strategy.HedgeThreshold.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, uint32(3000), cfg.Pool.Fee)
	assert.True(t, cfg.Pool.Slippage.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 20*time.Minute, cfg.Pool.Deadline)
	assert.Equal(t, store.BackendFile, cfg.Store.Backend)
	assert.Equal(t, "position_id.txt", cfg.Store.Path)
	assert.Equal(t, strategy.ExposureNaiveHoldings, cfg.Strategy.Exposure)
	assert.Equal(t, "paper", cfg.Hedge.Venue)
	assert.True(t, cfg.PaperHedge(), "live hedging is opt-in")

	// no node or key configured
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint32(500), cfg.Pool.Fee)
	assert.Equal(t, 10*time.Minute, cfg.Pool.Deadline)
	assert.Equal(t, 2*time.Second, cfg.Pool.PollInterval, "unset keys keep defaults")
	assert.Equal(t, "", cfg.Metrics.ListenAddr)
	assert.True(t, cfg.PaperHedge())

	k := cfg.Keeper()
	assert.Equal(t, 60*time.Second, k.Interval)
	assert.Equal(t, 15*time.Second, k.CallTimeout)
	assert.Equal(t, common.HexToAddress(usdc), k.Token0)
	assert.Equal(t, "WETH", k.VolatileSymbol)
	assert.True(t, k.Thresholds.RangeWidth.Equal(decimal.RequireFromString("0.05")))

	est, err := cfg.Estimator()
	require.NoError(t, err)
	assert.Equal(t, strategy.ExposureFirstOrder, est.Name())

	u, err := cfg.Uniswap()
	require.NoError(t, err)
	assert.True(t, u.Slippage.Equal(decimal.RequireFromString("0.005")))
	assert.Equal(t, common.HexToAddress(weth), u.Token1)

	feeds := cfg.ChainlinkFeeds()
	assert.Equal(t, common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"), feeds["ETH"])
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NODE_URL", "https://other.example")
	t.Setenv("PRIVATE_KEY", ` "0xdef" `)
	t.Setenv("HYPERLIQUID_PRIVATE_KEY", `'0x123'`)
	t.Setenv("HYPERLIQUID_MAINNET", "false")
	t.Setenv("WALLET_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("LOOP_INTERVAL", "120")
	t.Setenv("STORE_PATH", "/var/lib/keeper/id.txt")
	t.Setenv("METRICS_ADDR", ":9191")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://other.example", cfg.Chain.NodeURL)
	assert.Equal(t, "0xdef", cfg.Chain.PrivateKey)
	assert.Equal(t, "0x123", cfg.Hedge.PrivateKey)
	assert.Equal(t, 120*time.Second, cfg.Loop.Interval)
	assert.Equal(t, "/var/lib/keeper/id.txt", cfg.Store.Path)
	assert.Equal(t, ":9191", cfg.Metrics.ListenAddr)

	h := cfg.Hyperliquid()
	assert.Equal(t, execution.TestnetURL, h.BaseURL)
	assert.False(t, h.IsMainnet)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", h.AccountAddress)
	assert.Equal(t, "wss://api.hyperliquid-testnet.xyz/ws", cfg.Mids().WSURL)

	t.Setenv("LOOP_INTERVAL", "5m")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Loop.Interval)

	t.Setenv("LOOP_INTERVAL", "soon")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateRejects(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing node", func(c *Config) { c.Chain.NodeURL = "" }},
		{"missing key", func(c *Config) { c.Chain.PrivateKey = "" }},
		{"bad token", func(c *Config) { c.Pool.Token0 = "usdc" }},
		{"unsorted tokens", func(c *Config) { c.Pool.Token0, c.Pool.Token1 = c.Pool.Token1, c.Pool.Token0 }},
		{"bad feed", func(c *Config) { c.Oracle.Chainlink["btc"] = "nope" }},
		{"zero band", func(c *Config) { c.Strategy.RangeWidth = decimal.Zero }},
		{"negative band", func(c *Config) { c.Strategy.RebalanceBand = decimal.NewFromInt(-1) }},
		{"unknown exposure", func(c *Config) { c.Strategy.Exposure = "gamma" }},
		{"unknown store", func(c *Config) { c.Store.Backend = "redis" }},
		{"unknown venue", func(c *Config) { c.Hedge.Venue = "binance" }},
		{"hedge key", func(c *Config) { c.Hedge.Venue = "hyperliquid" }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"zero interval", func(c *Config) { c.Loop.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestDryRunRelaxesHedgeKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("DRY_RUN", "true")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	cfg.Hedge.Venue = "hyperliquid"

	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.PaperHedge())
}
