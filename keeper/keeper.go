// Package keeper runs the control loop that keeps an LP position in range and
// its directional exposure hedged.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lp-hedge-bot/execution"
	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/metrics"
	"lp-hedge-bot/position"
	"lp-hedge-bot/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// SEGMENT 1: CONFIGURATION AND CONSTRUCTION
// =============================================================================

// Config contains the keeper loop settings
type Config struct {
	Name        string        `json:"name"`         // label used in logs and metrics
	Interval    time.Duration `json:"interval"`     // sleep between cycles
	CallTimeout time.Duration `json:"call_timeout"` // per collaborator call, 0 disables

	Token0 common.Address `json:"token0"`
	Token1 common.Address `json:"token1"`
	Fee    uint32         `json:"fee"`

	VolatileSymbol string `json:"volatile_symbol"` // USD quote symbol of token0
	HedgeSymbol    string `json:"hedge_symbol"`    // hedge venue market

	Thresholds strategy.Thresholds `json:"thresholds"`
}

// DefaultConfig returns a keeper configuration with the stock loop settings.
func DefaultConfig() Config {
	return Config{
		Name:           "lp",
		Interval:       300 * time.Second,
		Fee:            3000,
		VolatileSymbol: "ETH",
		HedgeSymbol:    "ETH",
		Thresholds:     strategy.DefaultThresholds(),
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must not be negative, got %s", c.CallTimeout)
	}
	if c.Fee == 0 {
		return errors.New("fee tier is required")
	}
	if c.HedgeSymbol == "" || c.VolatileSymbol == "" {
		return errors.New("hedge and volatile symbols are required")
	}
	return c.Thresholds.Validate()
}

// Dependencies are the collaborators a Keeper drives.
type Dependencies struct {
	Store     PositionStore
	LP        LPVenue
	Hedge     HedgeVenue
	Oracle    PriceOracle
	Estimator strategy.ExposureEstimator
}

// Keeper owns no state across cycles: every cycle re-reads the stored id,
// the position and the hedge.
type Keeper struct {
	cfg       Config
	store     PositionStore
	lp        LPVenue
	hedge     HedgeVenue
	oracle    PriceOracle
	estimator strategy.ExposureEstimator
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keeper config: %w", err)
	}
	if deps.Store == nil || deps.LP == nil || deps.Hedge == nil || deps.Oracle == nil {
		return nil, errors.New("keeper requires store, lp venue, hedge venue and oracle")
	}
	if deps.Estimator == nil {
		deps.Estimator = strategy.NaiveHoldings{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		cfg:       cfg,
		store:     deps.Store,
		lp:        deps.LP,
		hedge:     deps.Hedge,
		oracle:    deps.Oracle,
		estimator: deps.Estimator,
		logger:    logger.With(zap.String("keeper", cfg.Name)),
		now:       time.Now,
	}, nil
}

// =============================================================================
// SEGMENT 2: CONTROL LOOP
// =============================================================================

// Run executes one cycle immediately and then one cycle per interval until
// ctx is cancelled. Cycles never overlap and a failing cycle never stops the
// loop.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("Keeper loop started",
		zap.Duration("interval", k.cfg.Interval),
		zap.String("estimator", string(k.estimator.Name())))

	for {
		if ctx.Err() != nil {
			k.logger.Info("Keeper loop stopped by context")
			return nil
		}
		k.runOnce(ctx)

		timer := time.NewTimer(k.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			k.logger.Info("Keeper loop stopped by context")
			return nil
		case <-timer.C:
		}
	}
}

// runOnce is the cycle boundary: errors and panics end here.
func (k *Keeper) runOnce(ctx context.Context) {
	start := k.now()
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Keeper cycle panic recovered", zap.Any("panic", r))
			metrics.CyclesTotal.WithLabelValues(k.cfg.Name, "panic").Inc()
		}
		metrics.CycleLatency.WithLabelValues(k.cfg.Name).Observe(k.now().Sub(start).Seconds())
		metrics.LastCycleTimestamp.WithLabelValues(k.cfg.Name).SetToCurrentTime()
	}()

	report, err := k.RunCycle(ctx)
	log := k.logger.With(zap.String("cycle_id", report.CycleID))
	switch {
	case err != nil:
		kind, _ := KindOf(err)
		metrics.CyclesTotal.WithLabelValues(k.cfg.Name, "error").Inc()
		metrics.CycleErrors.WithLabelValues(k.cfg.Name, kind.String()).Inc()
		log.Error("Keeper cycle failed", zap.Stringer("kind", kind), zap.Error(err))
	case report.Idle:
		metrics.CyclesTotal.WithLabelValues(k.cfg.Name, "idle").Inc()
	default:
		metrics.CyclesTotal.WithLabelValues(k.cfg.Name, "ok").Inc()
	}
}

// RunCycle executes one full cycle, mutating the venues when the policies
// ask for it. The report is filled as far as the cycle got.
func (k *Keeper) RunCycle(ctx context.Context) (CycleReport, error) {
	return k.cycle(ctx, true)
}

// Inspect runs a cycle's reads and decisions without issuing any mutation.
func (k *Keeper) Inspect(ctx context.Context) (CycleReport, error) {
	return k.cycle(ctx, false)
}

// =============================================================================
// SEGMENT 3: CYCLE
// =============================================================================

type evaluation struct {
	pos      position.Position
	rng      position.Range
	val      lpmath.Valuation
	exposure decimal.Decimal
}

func (k *Keeper) cycle(ctx context.Context, mutate bool) (CycleReport, error) {
	report := CycleReport{CycleID: uuid.NewString(), StartedAt: k.now()}
	log := k.logger.With(zap.String("cycle_id", report.CycleID))

	id, ok, err := k.loadID(ctx)
	if err != nil {
		return report, fail(Connectivity, "load_position_id", err)
	}
	if !ok {
		report.Idle = true
		log.Info("No stored position, idle")
		return report, nil
	}
	report.PositionID = id

	pool, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (common.Address, error) {
		return k.lp.PoolAddress(ctx, k.cfg.Token0, k.cfg.Token1, k.cfg.Fee)
	})
	if err != nil {
		return report, fail(Connectivity, "pool_address", err)
	}
	report.Pool = pool

	price, inverse, err := k.poolPrice(ctx, pool)
	if err != nil {
		return report, quoteFailure("pool_price", err)
	}
	report.Price, report.InversePrice = price, inverse
	if !price.IsPositive() {
		return report, fail(Configuration, "pool_price", fmt.Errorf("%w: pool %s quoted %s", ErrZeroPrice, pool.Hex(), price))
	}
	metrics.PoolPrice.WithLabelValues(k.cfg.Name).Set(price.InexactFloat64())

	ev, err := k.evaluate(ctx, id, price)
	if err != nil {
		return report, err
	}
	report.record(ev)

	decision, err := strategy.DecideRebalance(price, ev.rng, k.cfg.Thresholds.RebalanceBand, k.cfg.Thresholds.RangeWidth)
	if err != nil {
		return report, fail(Computation, "rebalance_policy", err)
	}
	report.Rebalance = decision

	log.Info("Position evaluated",
		zap.Stringer("position_id", id),
		zap.String("price", price.String()),
		zap.Stringer("range", ev.rng),
		zap.String("amount0", ev.val.Human.Amount0.String()),
		zap.String("amount1", ev.val.Human.Amount1.String()),
		zap.String("exposure", ev.exposure.String()),
		zap.Stringer("state", decision.State))

	if decision.Rebalance && mutate {
		newID, err := k.rebalance(ctx, log, ev, decision.NewRange, &report)
		if err != nil {
			return report, err
		}
		report.NewPositionID = newID

		ev, err = k.evaluate(ctx, newID, price)
		if err != nil {
			return report, err
		}
		report.record(ev)
	}
	metrics.Exposure.WithLabelValues(k.cfg.Name, string(k.estimator.Name())).Set(ev.exposure.InexactFloat64())

	if err := k.hedgeExposure(ctx, log, ev.exposure, mutate, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (k *Keeper) loadID(ctx context.Context) (position.ID, bool, error) {
	var ok bool
	id, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (position.ID, error) {
		id, found, err := k.store.Load(ctx)
		ok = found
		return id, err
	})
	return id, ok, err
}

func (k *Keeper) poolPrice(ctx context.Context, pool common.Address) (decimal.Decimal, decimal.Decimal, error) {
	var inverse decimal.Decimal
	price, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (decimal.Decimal, error) {
		p, inv, err := k.oracle.PoolPrice(ctx, pool)
		inverse = inv
		return p, err
	})
	return price, inverse, err
}

// evaluate runs snapshot -> valuation -> exposure for a position.
func (k *Keeper) evaluate(ctx context.Context, id position.ID, price decimal.Decimal) (evaluation, error) {
	snap, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (position.Snapshot, error) {
		return k.lp.PositionSnapshot(ctx, id)
	})
	if err != nil {
		return evaluation{}, fail(Connectivity, "position_snapshot", err)
	}

	d0, d1 := k.lp.TokenDecimals()
	pos, err := position.New(id, snap, d0, d1)
	if err != nil {
		return evaluation{}, fail(Computation, "position", err)
	}
	rng, err := pos.PriceRange()
	if err != nil {
		return evaluation{}, fail(Computation, "price_range", err)
	}
	val, err := pos.Value(price)
	if err != nil {
		return evaluation{}, fail(Computation, "valuation", err)
	}
	exposure, err := k.estimator.Estimate(val)
	if err != nil {
		return evaluation{}, fail(Computation, "exposure", err)
	}
	return evaluation{pos: pos, rng: rng, val: val, exposure: exposure}, nil
}

// rebalance withdraws, collects and re-mints over next. Ticks are computed
// before the first mutation.
func (k *Keeper) rebalance(ctx context.Context, log *zap.Logger, ev evaluation, next position.Range, report *CycleReport) (position.ID, error) {
	spacing := lpmath.TickSpacing(k.cfg.Fee)
	tickLower, tickUpper, err := strategy.AlignedTicks(next, ev.pos.Decimals0, ev.pos.Decimals1, spacing)
	if err != nil {
		return 0, fail(Computation, "align_range", err)
	}
	report.NewTickLower, report.NewTickUpper = tickLower, tickUpper

	id := ev.pos.ID
	log.Info("Rebalancing position",
		zap.Stringer("position_id", id),
		zap.Stringer("old_range", ev.rng),
		zap.Stringer("new_range", next),
		zap.Int("tick_lower", tickLower),
		zap.Int("tick_upper", tickUpper))

	if !ev.pos.Empty() {
		withdrawn, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (lpmath.Amounts, error) {
			return k.lp.DecreaseLiquidity(ctx, id, ev.pos.Snapshot.Liquidity)
		})
		if err != nil {
			return 0, fail(Venue, "decrease_liquidity", err)
		}
		report.Withdrawn = withdrawn
	}

	collected, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (lpmath.Amounts, error) {
		return k.lp.CollectFees(ctx, id)
	})
	if err != nil {
		return 0, fail(Venue, "collect_fees", err)
	}
	report.Collected = collected

	if !collected.Amount0.IsPositive() && !collected.Amount1.IsPositive() {
		return 0, fail(Computation, "mint", fmt.Errorf("%w: position %s", ErrNothingToMint, id))
	}

	newID, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (position.ID, error) {
		return k.lp.Mint(ctx, collected.Amount0, collected.Amount1, tickLower, tickUpper)
	})
	if err != nil {
		return 0, fail(Venue, "mint", err)
	}

	if _, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, k.store.Save(ctx, newID)
	}); err != nil {
		return 0, fail(Venue, "save_position_id", fmt.Errorf("minted %s but could not persist it: %w", newID, err))
	}

	metrics.RebalancesTotal.WithLabelValues(k.cfg.Name).Inc()
	log.Info("Position rebalanced",
		zap.Stringer("old_position_id", id),
		zap.Stringer("new_position_id", newID),
		zap.String("amount0", collected.Amount0.String()),
		zap.String("amount1", collected.Amount1.String()))
	return newID, nil
}

// hedgeExposure sizes and places the hedge trade for exposure.
func (k *Keeper) hedgeExposure(ctx context.Context, log *zap.Logger, exposure decimal.Decimal, mutate bool, report *CycleReport) error {
	usd, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (decimal.Decimal, error) {
		return k.oracle.USDPrice(ctx, k.cfg.VolatileSymbol)
	})
	if err != nil {
		if errors.Is(err, lpmath.ErrNonPositivePrice) {
			log.Warn("USD price unavailable, skipping hedge", zap.String("symbol", k.cfg.VolatileSymbol), zap.Error(err))
		}
		return quoteFailure("usd_price", err)
	}
	if !usd.IsPositive() {
		log.Warn("USD price unavailable, skipping hedge", zap.String("symbol", k.cfg.VolatileSymbol))
		return fail(Configuration, "usd_price", fmt.Errorf("%w: %s quoted %s", ErrZeroPrice, k.cfg.VolatileSymbol, usd))
	}
	report.USDPrice = usd
	report.ExposureUSD = exposure.Mul(usd)

	size, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (decimal.Decimal, error) {
		return k.hedge.PositionSize(ctx, k.cfg.HedgeSymbol)
	})
	if err != nil {
		return fail(Connectivity, "hedge_position", err)
	}
	report.HedgeSize = size
	metrics.HedgeSize.WithLabelValues(k.cfg.HedgeSymbol).Set(size.InexactFloat64())

	action := strategy.DecideHedge(exposure, size.Neg(), k.cfg.Thresholds.HedgeThreshold)
	report.Hedge = action
	log.Info("Hedge evaluated",
		zap.String("symbol", k.cfg.HedgeSymbol),
		zap.String("exposure", exposure.String()),
		zap.String("exposure_usd", report.ExposureUSD.StringFixed(2)),
		zap.String("hedge_size", size.String()),
		zap.Stringer("action", action))

	if action.Kind == strategy.HedgeNoAction || !mutate {
		return nil
	}

	side := execution.OrderSideSell
	if action.Kind == strategy.ReduceShort {
		side = execution.OrderSideBuy
	}
	if _, err := withTimeout(ctx, k.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, k.hedge.PlaceOrder(ctx, k.cfg.HedgeSymbol, side, action.Amount)
	}); err != nil {
		return fail(Venue, "place_order", err)
	}
	report.HedgePlaced = true
	metrics.HedgeOrdersTotal.WithLabelValues(k.cfg.HedgeSymbol, side.String()).Inc()
	log.Info("Hedge order placed",
		zap.String("symbol", k.cfg.HedgeSymbol),
		zap.Stringer("side", side),
		zap.String("amount", action.Amount.String()))
	return nil
}

// withTimeout runs fn under an optional per-call deadline.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
