package uniswap

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/position"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testToken0 = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testToken1 = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testPool   = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

// =============================================================================
// FAKE NODE
// =============================================================================

type sentTx struct {
	to     common.Address
	method string
	args   []any
	from   common.Address
}

type fakeNode struct {
	mu sync.Mutex

	chainID   *big.Int
	decimals  map[common.Address]uint8
	factory   common.Address
	manager   common.Address
	pool      common.Address
	sqrtX96   *big.Int
	allowance map[common.Address]*big.Int
	snapshot  []any

	mintedID *big.Int
	revert   map[string]bool
	noEvents map[string]bool

	nonce    uint64
	sent     []sentTx
	receipts map[common.Hash]*types.Receipt
	misses   map[common.Hash]int
}

func newFakeNode() *fakeNode {
	cfg := DefaultConfig()
	return &fakeNode{
		chainID:   big.NewInt(1),
		decimals:  map[common.Address]uint8{testToken0: 18, testToken1: 18},
		factory:   cfg.Factory,
		manager:   cfg.PositionManager,
		pool:      testPool,
		sqrtX96:   new(big.Int).Lsh(big.NewInt(1), 96),
		allowance: map[common.Address]*big.Int{},
		snapshot: []any{
			big.NewInt(0), common.Address{}, testToken0, testToken1, big.NewInt(3000),
			big.NewInt(-600), big.NewInt(600),
			big.NewInt(1_000_000_000_000_000_000),
			big.NewInt(0), big.NewInt(0),
			big.NewInt(5000), big.NewInt(7000),
		},
		mintedID: big.NewInt(42),
		revert:   map[string]bool{},
		noEvents: map[string]bool{},
		receipts: map[common.Hash]*types.Receipt{},
		misses:   map[common.Hash]int{},
	}
}

func (n *fakeNode) ChainID(ctx context.Context) (*big.Int, error) { return n.chainID, nil }

func (n *fakeNode) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (n *fakeNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, nil
}

func (n *fakeNode) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}

func (n *fakeNode) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

func (n *fakeNode) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	to := *call.To
	selector := call.Data[:4]
	switch {
	case to == n.factory:
		m, err := factoryABI.MethodById(selector)
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(n.pool)
	case to == testPool:
		m, err := poolABI.MethodById(selector)
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(n.sqrtX96, big.NewInt(0), uint16(0), uint16(1), uint16(1), uint8(0), true)
	case to == n.manager:
		m, err := positionManagerABI.MethodById(selector)
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(n.snapshot...)
	default:
		m, err := erc20ABI.MethodById(selector)
		if err != nil {
			return nil, err
		}
		switch m.Name {
		case "decimals":
			d, ok := n.decimals[to]
			if !ok {
				return nil, errors.New("execution reverted")
			}
			return m.Outputs.Pack(d)
		case "allowance":
			n.mu.Lock()
			a := n.allowance[to]
			n.mu.Unlock()
			if a == nil {
				a = new(big.Int)
			}
			return m.Outputs.Pack(a)
		}
	}
	return nil, errors.New("unexpected call")
}

func (n *fakeNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != n.nonce {
		return errors.New("nonce too low")
	}
	n.nonce++

	to := *tx.To()
	contract := erc20ABI
	if to == n.manager {
		contract = positionManagerABI
	}
	m, err := contract.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := m.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	n.sent = append(n.sent, sentTx{to: to, method: m.Name, args: args, from: from})

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), GasUsed: 150_000}
	if n.revert[m.Name] {
		receipt.Status = types.ReceiptStatusFailed
	}

	switch m.Name {
	case "approve":
		n.allowance[to] = args[1].(*big.Int)
	case "mint":
		receipt.Logs = n.eventLog("IncreaseLiquidity", n.mintedID, big.NewInt(777), big.NewInt(1e18), big.NewInt(1e18))
	case "increaseLiquidity":
		var p increaseParams
		if err := m.Inputs.Copy(&p, args); err != nil {
			return err
		}
		receipt.Logs = n.eventLog("IncreaseLiquidity", p.TokenId, big.NewInt(10), big.NewInt(5), big.NewInt(5))
	case "decreaseLiquidity":
		var p decreaseParams
		if err := m.Inputs.Copy(&p, args); err != nil {
			return err
		}
		receipt.Logs = n.eventLog("DecreaseLiquidity", p.TokenId, p.Liquidity, big.NewInt(400), big.NewInt(600))
	case "collect":
		var p collectParams
		if err := m.Inputs.Copy(&p, args); err != nil {
			return err
		}
		receipt.Logs = n.eventLog("Collect", p.TokenId, p.Recipient, big.NewInt(5400), big.NewInt(7600))
	}
	if n.noEvents[m.Name] {
		receipt.Logs = nil
	}
	n.receipts[tx.Hash()] = receipt
	return nil
}

func (n *fakeNode) eventLog(name string, tokenID *big.Int, values ...any) []*types.Log {
	event := positionManagerABI.Events[name]
	data, err := event.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	// an unrelated log first, as emitted by the token transfers
	noise := &types.Log{Address: testToken0, Topics: []common.Hash{{1}}, Data: []byte{1}}
	return []*types.Log{noise, {
		Address: n.manager,
		Topics:  []common.Hash{event.ID, common.BigToHash(tokenID)},
		Data:    data,
	}}
}

func (n *fakeNode) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	// every receipt is missing on the first lookup
	if n.misses[hash] == 0 {
		n.misses[hash]++
		return nil, ethereum.NotFound
	}
	r, ok := n.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (n *fakeNode) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.method)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token0 = testToken0
	cfg.Token1 = testToken1
	cfg.PollInterval = time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), node, testConfig(), testKey, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return c
}

// =============================================================================
// TESTS
// =============================================================================

func TestNewClient(t *testing.T) {
	node := newFakeNode()
	node.decimals[testToken1] = 6
	c := newTestClient(t, node)

	d0, d1 := c.TokenDecimals()
	assert.Equal(t, 18, d0)
	assert.Equal(t, 6, d1)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", c.Address().Hex())

	delete(node.decimals, testToken0)
	_, err := NewClient(context.Background(), node, testConfig(), testKey, nil)
	assert.Error(t, err)

	_, err = NewClient(context.Background(), newFakeNode(), testConfig(), "zz", nil)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.Token0, cfg.Token1 = cfg.Token1, cfg.Token0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = testConfig()
	cfg.Token1 = common.Address{}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = testConfig()
	cfg.Slippage = decimal.NewFromInt(1)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = testConfig()
	cfg.Deadline = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestPoolAddressAndPrice(t *testing.T) {
	node := newFakeNode()
	node.decimals[testToken1] = 6
	c := newTestClient(t, node)
	ctx := context.Background()

	pool, err := c.PoolAddress(ctx, testToken0, testToken1, 3000)
	require.NoError(t, err)
	assert.Equal(t, testPool, pool)

	// raw ratio 1 between an 18 and a 6 decimal token
	price, inverse, err := c.PoolPrice(ctx, pool)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.New(1, 12)), price.String())
	assert.True(t, inverse.Equal(decimal.New(1, -12)), inverse.String())

	node.sqrtX96 = new(big.Int)
	_, _, err = c.PoolPrice(ctx, pool)
	assert.ErrorIs(t, err, lpmath.ErrNonPositivePrice)
}

func TestPoolAddressNotFound(t *testing.T) {
	node := newFakeNode()
	node.pool = common.Address{}
	c := newTestClient(t, node)

	_, err := c.PoolAddress(context.Background(), testToken0, testToken1, 500)
	assert.ErrorIs(t, err, ErrPoolNotFound)

	_, err = c.Mint(context.Background(), decimal.NewFromInt(1), decimal.NewFromInt(1), -600, 600)
	assert.ErrorIs(t, err, ErrPoolNotFound)
	assert.Empty(t, node.methods())
}

func TestPositionSnapshot(t *testing.T) {
	c := newTestClient(t, newFakeNode())

	snap, err := c.PositionSnapshot(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, -600, snap.TickLower)
	assert.Equal(t, 600, snap.TickUpper)
	assert.True(t, snap.Liquidity.Equal(decimal.New(1, 18)))
	assert.True(t, snap.Owed0.Equal(decimal.NewFromInt(5000)))
	assert.True(t, snap.Owed1.Equal(decimal.NewFromInt(7000)))
	assert.NoError(t, snap.Validate())
}

func TestMintApprovesAndParsesTokenID(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node)
	amount := decimal.New(1, 18)

	id, err := c.Mint(context.Background(), amount, amount, -600, 600)
	require.NoError(t, err)
	assert.Equal(t, position.ID(42), id)
	assert.Equal(t, []string{"approve", "approve", "mint"}, node.methods())

	assert.Equal(t, testToken0, node.sent[0].to)
	assert.Equal(t, testToken1, node.sent[1].to)
	assert.Equal(t, c.Address(), node.sent[2].from)

	var p mintParams
	m := positionManagerABI.Methods["mint"]
	require.NoError(t, m.Inputs.Copy(&p, node.sent[2].args))
	assert.Equal(t, testToken0, p.Token0)
	assert.Equal(t, int64(-600), p.TickLower.Int64())
	assert.Equal(t, int64(600), p.TickUpper.Int64())
	assert.Equal(t, int64(3000), p.Fee.Int64())
	assert.Equal(t, c.Address(), p.Recipient)
	assert.Equal(t, int64(1_700_000_000+20*60), p.Deadline.Int64())
	assert.Equal(t, amount.BigInt(), p.Amount0Desired)

	// symmetric range at price 1 consumes both amounts, minimums are 99%
	lower := decimal.RequireFromString("0.989e18").BigInt()
	for _, floor := range []*big.Int{p.Amount0Min, p.Amount1Min} {
		assert.True(t, floor.Cmp(lower) > 0, floor.String())
		assert.True(t, floor.Cmp(amount.BigInt()) < 0, floor.String())
	}

	// allowances are now sufficient
	_, err = c.Mint(context.Background(), amount, amount, -600, 600)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "approve", "mint", "mint"}, node.methods())
}

func TestMintSingleSidedSkipsUnusedApproval(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node)

	// price 1 sits below the range, only token0 is deposited
	_, err := c.Mint(context.Background(), decimal.New(1, 18), decimal.Zero, 600, 1200)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "mint"}, node.methods())
	assert.Equal(t, testToken0, node.sent[0].to)
}

func TestMintRejectsInvalidInput(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node)
	ctx := context.Background()

	_, err := c.Mint(ctx, decimal.NewFromInt(1), decimal.NewFromInt(1), 600, 600)
	assert.ErrorIs(t, err, position.ErrInvalidRange)
	_, err = c.Mint(ctx, decimal.Zero, decimal.Zero, -600, 600)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = c.Mint(ctx, decimal.NewFromInt(-1), decimal.NewFromInt(1), -600, 600)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
	assert.Empty(t, node.methods())
}

func TestMintRevertedIsError(t *testing.T) {
	node := newFakeNode()
	node.revert["mint"] = true
	c := newTestClient(t, node)

	_, err := c.Mint(context.Background(), decimal.New(1, 18), decimal.New(1, 18), -600, 600)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestIncreaseLiquidity(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node)

	err := c.IncreaseLiquidity(context.Background(), 42, decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "approve", "increaseLiquidity"}, node.methods())

	var p increaseParams
	require.NoError(t, positionManagerABI.Methods["increaseLiquidity"].Inputs.Copy(&p, node.sent[2].args))
	assert.Equal(t, int64(42), p.TokenId.Int64())
	assert.Equal(t, int64(1000), p.Amount0Desired.Int64())
}

func TestDecreaseLiquidityUsesZeroMinimums(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node)

	amounts, err := c.DecreaseLiquidity(context.Background(), 42, decimal.New(1, 18))
	require.NoError(t, err)
	assert.True(t, amounts.Amount0.Equal(decimal.NewFromInt(400)))
	assert.True(t, amounts.Amount1.Equal(decimal.NewFromInt(600)))

	var p decreaseParams
	require.NoError(t, positionManagerABI.Methods["decreaseLiquidity"].Inputs.Copy(&p, node.sent[0].args))
	assert.Zero(t, p.Amount0Min.Sign())
	assert.Zero(t, p.Amount1Min.Sign())
	assert.Equal(t, "1000000000000000000", p.Liquidity.String())

	_, err = c.DecreaseLiquidity(context.Background(), 42, decimal.Zero)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = c.DecreaseLiquidity(context.Background(), 42, decimal.New(1, 39))
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestCollectDrainsEverything(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node)

	amounts, err := c.CollectFees(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, amounts.Amount0.Equal(decimal.NewFromInt(5400)))
	assert.True(t, amounts.Amount1.Equal(decimal.NewFromInt(7600)))

	var p collectParams
	require.NoError(t, positionManagerABI.Methods["collect"].Inputs.Copy(&p, node.sent[0].args))
	drain := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	assert.Equal(t, drain, p.Amount0Max)
	assert.Equal(t, drain, p.Amount1Max)
	assert.Equal(t, c.Address(), p.Recipient)
}

func TestMissingEventIsError(t *testing.T) {
	node := newFakeNode()
	node.noEvents["decreaseLiquidity"] = true
	c := newTestClient(t, node)

	_, err := c.DecreaseLiquidity(context.Background(), 42, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestWaitMinedHonoursContext(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.waitMined(ctx, common.Hash{7})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToUint(t *testing.T) {
	v, err := toUint(decimal.RequireFromString("1.9"), 128)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int64())

	_, err = toUint(decimal.NewFromInt(-1), 128)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)

	two128 := decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 128), 0)
	_, err = toUint(two128, 128)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = toUint(two128, 256)
	assert.NoError(t, err)

	_, err = toUint(decimal.New(1, 78), 256)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestABIsParse(t *testing.T) {
	for name, contract := range map[string]abi.ABI{
		"factory": factoryABI, "pool": poolABI, "erc20": erc20ABI, "manager": positionManagerABI,
	} {
		assert.NotEmpty(t, contract.Methods, name)
	}
	assert.Len(t, positionManagerABI.Events, 3)
}
