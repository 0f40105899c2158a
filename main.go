package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lp-hedge-bot/config"
	"lp-hedge-bot/execution"
	"lp-hedge-bot/keeper"
	"lp-hedge-bot/marketdata"
	"lp-hedge-bot/position"
	"lp-hedge-bot/store"
	"lp-hedge-bot/uniswap"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const usageText = `Usage: lpkeeper [-config path] <command> [flags]

Commands:
  run      run the keeper loop
  status   evaluate the stored position once without trading
  mint     mint the first position: -lower -upper -amount0 -amount1
  add      add liquidity to the stored position: -amount0 -amount1
`

func main() {
	// A missing .env file is fine: the environment may already be set.
	if err := godotenv.Overload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("lpkeeper", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration")
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	command, commandArgs := fs.Arg(0), fs.Args()[1:]

	var mintArgs mintRequest
	switch command {
	case "run", "status":
	case "mint", "add":
		var err error
		if mintArgs, err = parseAmounts(command, commandArgs, stderr); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", command, err)
			return 2
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return 1
	}
	defer a.Close()

	switch command {
	case "run":
		err = a.run(ctx)
	case "status":
		err = a.status(ctx)
	case "mint":
		err = a.mint(ctx, mintArgs)
	case "add":
		err = a.add(ctx, mintArgs)
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", command), zap.Error(err))
		return 1
	}
	return 0
}

// =============================================================================
// COMMAND ARGUMENTS
// =============================================================================

type mintRequest struct {
	Range   position.Range
	Amount0 decimal.Decimal
	Amount1 decimal.Decimal
}

func parseAmounts(command string, args []string, stderr io.Writer) (mintRequest, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	amount0 := fs.String("amount0", "0", "token0 amount in human units")
	amount1 := fs.String("amount1", "0", "token1 amount in human units")
	var lower, upper *string
	if command == "mint" {
		lower = fs.String("lower", "", "lower price bound, token1 per token0")
		upper = fs.String("upper", "", "upper price bound, token1 per token0")
	}
	if err := fs.Parse(args); err != nil {
		return mintRequest{}, err
	}

	var req mintRequest
	var err error
	if req.Amount0, err = decimal.NewFromString(*amount0); err != nil {
		return mintRequest{}, fmt.Errorf("invalid -amount0: %w", err)
	}
	if req.Amount1, err = decimal.NewFromString(*amount1); err != nil {
		return mintRequest{}, fmt.Errorf("invalid -amount1: %w", err)
	}
	if command != "mint" {
		return req, nil
	}

	lo, err := decimal.NewFromString(*lower)
	if err != nil {
		return mintRequest{}, fmt.Errorf("invalid -lower: %w", err)
	}
	hi, err := decimal.NewFromString(*upper)
	if err != nil {
		return mintRequest{}, fmt.Errorf("invalid -upper: %w", err)
	}
	if req.Range, err = position.NewRange(lo, hi); err != nil {
		return mintRequest{}, err
	}
	return req, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg    *config.Config
	logger *zap.Logger

	eth    *ethclient.Client
	lp     *uniswap.Client
	store  store.Store
	mids   *marketdata.MidsFeed
	keeper *keeper.Keeper
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.eth, err = ethclient.DialContext(ctx, cfg.Chain.NodeURL); err != nil {
		return nil, fmt.Errorf("failed to connect to node: %w", err)
	}
	ucfg, err := cfg.Uniswap()
	if err != nil {
		return nil, err
	}
	if a.lp, err = uniswap.NewClient(ctx, a.eth, ucfg, cfg.Chain.PrivateKey, logger); err != nil {
		return nil, err
	}
	if a.store, err = store.Open(cfg.Store.Backend, cfg.Store.Path); err != nil {
		return nil, err
	}

	var hedge keeper.HedgeVenue
	if cfg.PaperHedge() {
		logger.Warn("Hedge orders are simulated in memory")
		hedge = execution.NewPaperVenue(logger)
	} else {
		client, err := execution.NewHyperliquidClient(cfg.Hyperliquid(), logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Hyperliquid hedge venue", zap.String("account", client.Address().Hex()))
		hedge = client
	}

	// A nil *MidsFeed must not become a non-nil interface.
	var fallback marketdata.USDSource
	if cfg.Oracle.Mids.Enabled {
		a.mids = marketdata.NewMidsFeed(cfg.Mids(), logger)
		fallback = a.mids
	}
	feeds := make(map[string]*marketdata.ChainlinkFeed)
	for symbol, addr := range cfg.ChainlinkFeeds() {
		feeds[symbol] = marketdata.NewChainlinkFeed(a.eth, addr, cfg.Oracle.MaxAge)
	}
	oracle := marketdata.NewOracle(feeds, fallback, a.lp, logger)

	estimator, err := cfg.Estimator()
	if err != nil {
		return nil, err
	}
	a.keeper, err = keeper.New(cfg.Keeper(), keeper.Dependencies{
		Store:     a.store,
		LP:        a.lp,
		Hedge:     hedge,
		Oracle:    oracle,
		Estimator: estimator,
	}, logger)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
	if a.eth != nil {
		a.eth.Close()
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// run blocks until ctx is cancelled. Only the keeper loop decides when run
// returns: the mids feed and the metrics endpoint log their failures and let
// the loop carry on.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.mids != nil {
		g.Go(func() error {
			if err := a.mids.Run(ctx); err != nil {
				a.logger.Error("Mids feed stopped, USD quotes rely on Chainlink only", zap.Error(err))
			}
			return nil
		})
	}
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			a.logger.Info("Metrics endpoint listening", zap.String("addr", addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("Metrics endpoint shutdown", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error { return a.keeper.Run(ctx) })

	return g.Wait()
}

func (a *app) status(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.mids != nil {
		go a.mids.Run(ctx)
		a.waitForMid(ctx, a.cfg.Hedge.VolatileSymbol, 5*time.Second)
	}

	report, err := a.keeper.Inspect(ctx)
	fields := []zap.Field{
		zap.String("cycle_id", report.CycleID),
		zap.Bool("idle", report.Idle),
		zap.Stringer("position_id", report.PositionID),
		zap.String("pool", report.Pool.Hex()),
		zap.String("price", report.Price.String()),
		zap.String("inverse_price", report.InversePrice.String()),
		zap.Stringer("range", report.Range),
		zap.String("amount0", report.Holdings.Amount0.String()),
		zap.String("amount1", report.Holdings.Amount1.String()),
		zap.String("exposure", report.Exposure.String()),
		zap.Stringer("rebalance", report.Rebalance),
		zap.String("usd_price", report.USDPrice.String()),
		zap.String("hedge_size", report.HedgeSize.String()),
		zap.Stringer("hedge", report.Hedge),
	}
	if sqlite, ok := a.store.(*store.SQLiteStore); ok {
		if history, herr := sqlite.History(ctx); herr == nil {
			fields = append(fields, zap.Int("positions_minted", len(history)))
		}
	}
	a.logger.Info("Position status", fields...)
	return err
}

func (a *app) waitForMid(ctx context.Context, symbol string, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := a.mids.Price(symbol); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			a.logger.Warn("No mid price yet", zap.String("symbol", symbol))
			return
		case <-ticker.C:
		}
	}
}

func (a *app) mint(ctx context.Context, req mintRequest) error {
	id, err := a.keeper.MintInitial(ctx, req.Range, req.Amount0, req.Amount1)
	if err != nil {
		return err
	}
	a.logger.Info("Initial position minted", zap.Stringer("position_id", id), zap.Stringer("range", req.Range))
	return nil
}

func (a *app) add(ctx context.Context, req mintRequest) error {
	id, err := a.keeper.AddLiquidity(ctx, req.Amount0, req.Amount1)
	if err != nil {
		return err
	}
	a.logger.Info("Liquidity added", zap.Stringer("position_id", id))
	return nil
}
