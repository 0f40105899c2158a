package uniswap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/position"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// transact signs, sends and waits for a dynamic fee transaction. A reverted
// receipt is returned together with ErrReverted.
func (c *Client) transact(ctx context.Context, to common.Address, data []byte, label string) (*types.Receipt, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("%s: nonce: %w", label, err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: gas tip: %w", label, err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: latest header: %w", label, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: estimate gas: %w", label, err)
	}
	if c.config.GasHeadroom.GreaterThan(decimal.NewFromInt(1)) {
		gas = uint64(decimal.NewFromInt(int64(gas)).Mul(c.config.GasHeadroom).Ceil().IntPart())
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("%s: sign: %w", label, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%s: send: %w", label, err)
	}
	c.logger.Info("Transaction sent",
		zap.String("action", label),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s: %w: %s", label, ErrReverted, signed.Hash().Hex())
	}
	c.logger.Info("Transaction mined",
		zap.String("action", label),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return receipt, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("Receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) deadline() *big.Int {
	return big.NewInt(c.now().Add(c.config.Deadline).Unix())
}

// approve raises the position manager's allowance on token to at least amount.
func (c *Client) approve(ctx context.Context, token common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	values, err := c.call(ctx, erc20ABI, token, "allowance", c.from, c.config.PositionManager)
	if err != nil {
		return err
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return fmt.Errorf("unexpected allowance type %T", values[0])
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	data, err := erc20ABI.Pack("approve", c.config.PositionManager, amount)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	_, err = c.transact(ctx, token, data, "approve")
	return err
}

// =============================================================================
// POSITION MANAGER
// =============================================================================

// minimums predicts the amounts a deposit consumes at the current pool price
// and discounts them by the slippage tolerance.
func (c *Client) minimums(ctx context.Context, amount0, amount1 decimal.Decimal, tickLower, tickUpper int) (*big.Int, *big.Int, error) {
	pool, err := c.PoolAddress(ctx, c.config.Token0, c.config.Token1, c.config.Fee)
	if err != nil {
		return nil, nil, err
	}
	sqrtX96, err := c.sqrtPriceX96(ctx, pool)
	if err != nil {
		return nil, nil, err
	}
	if sqrtX96.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: pool %s", lpmath.ErrNonPositivePrice, pool.Hex())
	}
	sqrtP := decimal.NewFromBigInt(sqrtX96, 0).DivRound(lpmath.Q96, lpmath.Precision)
	sqrtPa, err := lpmath.SqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtPb, err := lpmath.SqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}

	liquidity, err := lpmath.LiquidityForAmounts(sqrtP, sqrtPa, sqrtPb, amount0, amount1)
	if err != nil {
		return nil, nil, err
	}
	expected, err := lpmath.AmountsForLiquidity(liquidity, sqrtP, sqrtPa, sqrtPb)
	if err != nil {
		return nil, nil, err
	}

	keep := decimal.NewFromInt(1).Sub(c.config.Slippage)
	min0 := decimal.Min(expected.Amount0.Mul(keep), amount0)
	min1 := decimal.Min(expected.Amount1.Mul(keep), amount1)
	m0, err := toUint(min0, 256)
	if err != nil {
		return nil, nil, err
	}
	m1, err := toUint(min1, 256)
	if err != nil {
		return nil, nil, err
	}
	return m0, m1, nil
}

func desired(amount0, amount1 decimal.Decimal) (*big.Int, *big.Int, error) {
	a0, err := toUint(amount0, 256)
	if err != nil {
		return nil, nil, err
	}
	a1, err := toUint(amount1, 256)
	if err != nil {
		return nil, nil, err
	}
	if a0.Sign() == 0 && a1.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: both amounts are zero", ErrAmountOutOfRange)
	}
	return a0, a1, nil
}

// Mint opens a new position over [tickLower, tickUpper] with raw amounts.
func (c *Client) Mint(ctx context.Context, amount0, amount1 decimal.Decimal, tickLower, tickUpper int) (position.ID, error) {
	if tickLower >= tickUpper {
		return 0, fmt.Errorf("%w: ticks [%d, %d]", position.ErrInvalidRange, tickLower, tickUpper)
	}
	a0, a1, err := desired(amount0, amount1)
	if err != nil {
		return 0, err
	}
	min0, min1, err := c.minimums(ctx, amount0, amount1, tickLower, tickUpper)
	if err != nil {
		return 0, err
	}
	if err := c.approve(ctx, c.config.Token0, a0); err != nil {
		return 0, err
	}
	if err := c.approve(ctx, c.config.Token1, a1); err != nil {
		return 0, err
	}

	data, err := positionManagerABI.Pack("mint", mintParams{
		Token0:         c.config.Token0,
		Token1:         c.config.Token1,
		Fee:            new(big.Int).SetUint64(uint64(c.config.Fee)),
		TickLower:      big.NewInt(int64(tickLower)),
		TickUpper:      big.NewInt(int64(tickUpper)),
		Amount0Desired: a0,
		Amount1Desired: a1,
		Amount0Min:     min0,
		Amount1Min:     min1,
		Recipient:      c.from,
		Deadline:       c.deadline(),
	})
	if err != nil {
		return 0, fmt.Errorf("pack mint: %w", err)
	}
	receipt, err := c.transact(ctx, c.config.PositionManager, data, "mint")
	if err != nil {
		return 0, err
	}

	ev, err := c.findEvent(receipt, "IncreaseLiquidity", nil)
	if err != nil {
		return 0, err
	}
	if !ev.tokenID.IsUint64() || ev.tokenID.Sign() == 0 {
		return 0, fmt.Errorf("%w: minted token id %s", position.ErrInvalidID, ev.tokenID)
	}
	id := position.ID(ev.tokenID.Uint64())
	c.logger.Info("Position minted",
		zap.Stringer("position_id", id),
		zap.Int("tick_lower", tickLower),
		zap.Int("tick_upper", tickUpper),
		zap.String("liquidity", ev.liquidity.String()),
		zap.String("amount0", ev.amount0.String()),
		zap.String("amount1", ev.amount1.String()))
	return id, nil
}

// IncreaseLiquidity adds raw amounts to an existing position.
func (c *Client) IncreaseLiquidity(ctx context.Context, id position.ID, amount0, amount1 decimal.Decimal) error {
	a0, a1, err := desired(amount0, amount1)
	if err != nil {
		return err
	}
	snap, err := c.PositionSnapshot(ctx, id)
	if err != nil {
		return err
	}
	min0, min1, err := c.minimums(ctx, amount0, amount1, snap.TickLower, snap.TickUpper)
	if err != nil {
		return err
	}
	if err := c.approve(ctx, c.config.Token0, a0); err != nil {
		return err
	}
	if err := c.approve(ctx, c.config.Token1, a1); err != nil {
		return err
	}

	data, err := positionManagerABI.Pack("increaseLiquidity", increaseParams{
		TokenId:        id.Big(),
		Amount0Desired: a0,
		Amount1Desired: a1,
		Amount0Min:     min0,
		Amount1Min:     min1,
		Deadline:       c.deadline(),
	})
	if err != nil {
		return fmt.Errorf("pack increaseLiquidity: %w", err)
	}
	receipt, err := c.transact(ctx, c.config.PositionManager, data, "increase_liquidity")
	if err != nil {
		return err
	}
	ev, err := c.findEvent(receipt, "IncreaseLiquidity", id.Big())
	if err != nil {
		return err
	}
	c.logger.Info("Liquidity increased",
		zap.Stringer("position_id", id),
		zap.String("liquidity", ev.liquidity.String()))
	return nil
}

// DecreaseLiquidity removes liquidity. The released tokens stay owed to the
// position until CollectFees.
func (c *Client) DecreaseLiquidity(ctx context.Context, id position.ID, liquidity decimal.Decimal) (lpmath.Amounts, error) {
	l, err := toUint(liquidity, 128)
	if err != nil {
		return lpmath.Amounts{}, err
	}
	if l.Sign() == 0 {
		return lpmath.Amounts{}, fmt.Errorf("%w: zero liquidity", ErrAmountOutOfRange)
	}

	data, err := positionManagerABI.Pack("decreaseLiquidity", decreaseParams{
		TokenId:    id.Big(),
		Liquidity:  l,
		Amount0Min: new(big.Int),
		Amount1Min: new(big.Int),
		Deadline:   c.deadline(),
	})
	if err != nil {
		return lpmath.Amounts{}, fmt.Errorf("pack decreaseLiquidity: %w", err)
	}
	receipt, err := c.transact(ctx, c.config.PositionManager, data, "decrease_liquidity")
	if err != nil {
		return lpmath.Amounts{}, err
	}
	ev, err := c.findEvent(receipt, "DecreaseLiquidity", id.Big())
	if err != nil {
		return lpmath.Amounts{}, err
	}
	return lpmath.Amounts{Amount0: ev.amount0, Amount1: ev.amount1}, nil
}

// CollectFees collects everything owed to the position.
func (c *Client) CollectFees(ctx context.Context, id position.ID) (lpmath.Amounts, error) {
	data, err := positionManagerABI.Pack("collect", collectParams{
		TokenId:    id.Big(),
		Recipient:  c.from,
		Amount0Max: maxUint128.ToBig(),
		Amount1Max: maxUint128.ToBig(),
	})
	if err != nil {
		return lpmath.Amounts{}, fmt.Errorf("pack collect: %w", err)
	}
	receipt, err := c.transact(ctx, c.config.PositionManager, data, "collect")
	if err != nil {
		return lpmath.Amounts{}, err
	}
	ev, err := c.findEvent(receipt, "Collect", id.Big())
	if err != nil {
		return lpmath.Amounts{}, err
	}
	return lpmath.Amounts{Amount0: ev.amount0, Amount1: ev.amount1}, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

type liquidityEvent struct {
	tokenID   *big.Int
	liquidity decimal.Decimal
	amount0   decimal.Decimal
	amount1   decimal.Decimal
}

// findEvent returns the first position manager event named name, optionally
// restricted to tokenID.
func (c *Client) findEvent(receipt *types.Receipt, name string, tokenID *big.Int) (liquidityEvent, error) {
	event := positionManagerABI.Events[name]
	for _, lg := range receipt.Logs {
		if lg.Address != c.config.PositionManager || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		id := lg.Topics[1].Big()
		if tokenID != nil && id.Cmp(tokenID) != 0 {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return liquidityEvent{}, fmt.Errorf("unpack %s: %w", name, err)
		}
		if len(values) != 3 {
			return liquidityEvent{}, fmt.Errorf("%s carried %d values", name, len(values))
		}

		ev := liquidityEvent{tokenID: id}
		// Collect carries the recipient where the others carry liquidity.
		if name != "Collect" {
			if ev.liquidity, err = fromUint(values[0]); err != nil {
				return liquidityEvent{}, err
			}
		}
		if ev.amount0, err = fromUint(values[1]); err != nil {
			return liquidityEvent{}, err
		}
		if ev.amount1, err = fromUint(values[2]); err != nil {
			return liquidityEvent{}, err
		}
		return ev, nil
	}
	return liquidityEvent{}, fmt.Errorf("%w: %s in %s", ErrEventNotFound, name, receipt.TxHash.Hex())
}
