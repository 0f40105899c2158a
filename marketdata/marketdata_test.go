package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lp-hedge-bot/lpmath"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// MIDS FEED
// =============================================================================

type midsServer struct {
	mu          sync.Mutex
	connections int
	subscribed  []SubscriptionMessage
	// frames[i] are the messages sent on connection i; the last entry is reused.
	frames [][]string
	// hold keeps the connection open after sending.
	hold bool
}

func (m *midsServer) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub SubscriptionMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}

		m.mu.Lock()
		idx := m.connections
		m.connections++
		m.subscribed = append(m.subscribed, sub)
		frames := m.frames[min(idx, len(m.frames)-1)]
		hold := m.hold && idx == len(m.frames)-1
		m.mu.Unlock()

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if hold {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	})
}

func newTestFeed(t *testing.T, m *midsServer) *MidsFeed {
	t.Helper()
	srv := httptest.NewServer(m.handler(t))
	t.Cleanup(srv.Close)

	cfg := DefaultMidsConfig()
	cfg.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.ReadTimeout = time.Second
	return NewMidsFeed(cfg, zaptest.NewLogger(t))
}

func runFeed(t *testing.T, f *MidsFeed) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestMidsFeedSubscribesAndCaches(t *testing.T) {
	m := &midsServer{
		frames: [][]string{{
			`{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`,
			`{"channel":"allMids","data":{"mids":{"ETH":"2500.5","BTC":"65000","BAD":"x","ZERO":"0"}}}`,
		}},
		hold: true,
	}
	feed := newTestFeed(t, m)
	cancel, done := runFeed(t, feed)

	require.Eventually(t, func() bool {
		_, err := feed.Price("ETH")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	px, err := feed.Price("eth")
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.RequireFromString("2500.5")))

	_, err = feed.Price("BAD")
	assert.ErrorIs(t, err, ErrNoQuote)
	_, err = feed.Price("ZERO")
	assert.ErrorIs(t, err, lpmath.ErrNonPositivePrice)

	usd, err := feed.USDPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.NewFromInt(65000)))

	status := feed.Status()
	assert.True(t, status.IsConnected)
	assert.Equal(t, int64(1), status.MessageCount)

	m.mu.Lock()
	assert.Equal(t, "subscribe", m.subscribed[0].Method)
	assert.Equal(t, "allMids", m.subscribed[0].Subscription["type"])
	m.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestMidsFeedReconnects(t *testing.T) {
	m := &midsServer{
		frames: [][]string{
			{`{"channel":"allMids","data":{"mids":{"ETH":"2400"}}}`},
			{`{"channel":"allMids","data":{"mids":{"ETH":"2600"}}}`},
		},
		hold: true,
	}
	feed := newTestFeed(t, m)
	runFeed(t, feed)

	require.Eventually(t, func() bool {
		px, err := feed.Price("ETH")
		return err == nil && px.Equal(decimal.NewFromInt(2600))
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, feed.Status().ReconnectCount, 1)
}

func TestMidsFeedGivesUp(t *testing.T) {
	feed := NewMidsFeed(MidsConfig{
		WSURL:             "ws://127.0.0.1:1/ws",
		ReconnectInterval: time.Millisecond,
		MaxReconnects:     2,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := feed.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum reconnection attempts")
	assert.Equal(t, int64(3), feed.Status().ErrorCount)
}

func TestMidsFeedStaleQuote(t *testing.T) {
	feed := NewMidsFeed(DefaultMidsConfig(), nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	feed.now = func() time.Time { return now }

	stored := feed.handleMessage([]byte(`{"channel":"allMids","data":{"mids":{"ETH":"2500"}}}`))
	assert.Equal(t, 1, stored)
	assert.Zero(t, feed.handleMessage([]byte(`{"channel":"pong"}`)))
	assert.Zero(t, feed.handleMessage([]byte(`not json`)))

	_, err := feed.Price("ETH")
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	_, err = feed.Price("ETH")
	assert.ErrorIs(t, err, ErrNoQuote)
}

// =============================================================================
// CHAINLINK
// =============================================================================

type fakeCaller struct {
	decimals  uint8
	answer    *big.Int
	updatedAt time.Time
	err       error
	calls     map[string]int
}

func (c *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	method, err := aggregator.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	c.calls[method.Name]++
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(c.decimals)
	case "latestRoundData":
		return method.Outputs.Pack(big.NewInt(42), c.answer, big.NewInt(c.updatedAt.Unix()), big.NewInt(c.updatedAt.Unix()), big.NewInt(42))
	}
	return nil, errors.New("unexpected method")
}

func TestChainlinkFeed(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	caller := &fakeCaller{decimals: 8, answer: big.NewInt(250012345678), updatedAt: now.Add(-time.Minute)}
	feed := NewChainlinkFeed(caller, common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"), time.Hour)
	feed.now = func() time.Time { return now }

	px, err := feed.Price(context.Background())
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.RequireFromString("2500.12345678")), px.String())

	round, err := feed.LatestRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), round.RoundID.Int64())
	assert.Equal(t, 1, caller.calls["decimals"], "decimals read once")

	caller.updatedAt = now.Add(-2 * time.Hour)
	_, err = feed.Price(context.Background())
	assert.ErrorIs(t, err, ErrNoQuote)

	caller.updatedAt = now
	caller.answer = big.NewInt(0)
	_, err = feed.Price(context.Background())
	assert.ErrorIs(t, err, lpmath.ErrNonPositivePrice)

	caller.err = errors.New("connection refused")
	_, err = feed.Price(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoQuote)
}

// =============================================================================
// ORACLE
// =============================================================================

type staticSource struct {
	px  decimal.Decimal
	err error
}

func (s staticSource) USDPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.px, s.err
}

type staticPool struct {
	px, inv decimal.Decimal
}

func (s staticPool) PoolPrice(ctx context.Context, pool common.Address) (decimal.Decimal, decimal.Decimal, error) {
	return s.px, s.inv, nil
}

func TestOracleUSDPrice(t *testing.T) {
	ctx := context.Background()
	healthy := &fakeCaller{decimals: 8, answer: big.NewInt(300000000000), updatedAt: time.Now()}
	feeds := map[string]*ChainlinkFeed{"eth": NewChainlinkFeed(healthy, common.Address{1}, time.Hour)}

	o := NewOracle(feeds, staticSource{px: decimal.NewFromInt(2999)}, nil, zaptest.NewLogger(t))
	px, err := o.USDPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.NewFromInt(3000)))

	px, err = o.USDPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.NewFromInt(2999)), "unknown symbol uses fallback")

	healthy.err = errors.New("rpc down")
	px, err = o.USDPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.NewFromInt(2999)), "failed feed uses fallback")

	o = NewOracle(feeds, staticSource{px: decimal.Zero}, nil, nil)
	_, err = o.USDPrice(ctx, "BTC")
	assert.ErrorIs(t, err, lpmath.ErrNonPositivePrice)

	o = NewOracle(nil, nil, nil, nil)
	_, err = o.USDPrice(ctx, "ETH")
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestOracleUSDPriceKeepsFeedError(t *testing.T) {
	ctx := context.Background()
	rpcDown := errors.New("rpc down")
	caller := &fakeCaller{decimals: 8, err: rpcDown}
	feeds := map[string]*ChainlinkFeed{"ETH": NewChainlinkFeed(caller, common.Address{1}, time.Hour)}
	staleMid := staticSource{err: fmt.Errorf("%w: stale mid", ErrNoQuote)}

	_, err := NewOracle(feeds, staleMid, nil, zaptest.NewLogger(t)).USDPrice(ctx, "ETH")
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcDown)
	assert.NotErrorIs(t, err, ErrNoQuote, "transport failure must not read as a missing quote")
	assert.Contains(t, err.Error(), "stale mid")

	// without a Chainlink feed the fallback error is the cause
	_, err = NewOracle(nil, staleMid, nil, nil).USDPrice(ctx, "ETH")
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestOraclePoolPrice(t *testing.T) {
	ctx := context.Background()
	o := NewOracle(nil, nil, staticPool{px: decimal.NewFromInt(2500), inv: decimal.RequireFromString("0.0004")}, nil)
	px, inv, err := o.PoolPrice(ctx, common.Address{})
	require.NoError(t, err)
	assert.True(t, px.Equal(decimal.NewFromInt(2500)))
	assert.True(t, inv.Equal(decimal.RequireFromString("0.0004")))

	o = NewOracle(nil, nil, staticPool{px: decimal.Zero}, nil)
	_, _, err = o.PoolPrice(ctx, common.Address{})
	assert.ErrorIs(t, err, ErrNoQuote)

	_, _, err = NewOracle(nil, nil, nil, nil).PoolPrice(ctx, common.Address{})
	assert.Error(t, err)
}

func TestSubscriptionMessageJSON(t *testing.T) {
	data, err := json.Marshal(SubscriptionMessage{Method: "subscribe", Subscription: map[string]any{"type": "allMids"}})
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte(`{"method":"subscribe","subscription":{"type":"allMids"}}`), data))

	data, err = json.Marshal(SubscriptionMessage{Method: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"ping"}`, string(data))
}
