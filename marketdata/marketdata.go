// Package marketdata provides the price oracle of the keeper: Chainlink USD
// feeds, the Hyperliquid allMids websocket feed and pool prices.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"lp-hedge-bot/lpmath"
	"lp-hedge-bot/metrics"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoQuote is returned for missing, stale or non-positive quotes.
var ErrNoQuote = fmt.Errorf("no usable quote: %w", lpmath.ErrNonPositivePrice)

// MidsConfig holds configuration for the allMids feed
type MidsConfig struct {
	WSURL             string        `json:"ws_url"`
	ReconnectInterval time.Duration `json:"reconnect_interval"` // delay between reconnects
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // ping interval
	ReadTimeout       time.Duration `json:"read_timeout"`
	MaxReconnects     int           `json:"max_reconnects"` // consecutive failures before Run gives up, 0 = never
	MaxAge            time.Duration `json:"max_age"`        // mids older than this are stale
}

// DefaultMidsConfig provides a default configuration for the mids feed.
func DefaultMidsConfig() MidsConfig {
	return MidsConfig{
		WSURL:             "wss://api.hyperliquid.xyz/ws",
		ReconnectInterval: 5 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		ReadTimeout:       60 * time.Second,
		MaxReconnects:     10,
		MaxAge:            30 * time.Second,
	}
}

// ConnectionStatus provides information about the WebSocket connection
type ConnectionStatus struct {
	IsConnected    bool
	ReconnectCount int
	MessageCount   int64
	LastMessage    time.Time
	ErrorCount     int64
}

// PriceData represents a single price point
type PriceData struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Hyperliquid WebSocket message structures
type SubscriptionMessage struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription,omitempty"`
}

type AllMidsResponse struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

// priceCache stores the latest price data with thread safety
type priceCache struct {
	mu     sync.RWMutex
	prices map[string]PriceData
}

// MidsFeed keeps the latest Hyperliquid mid prices from the allMids channel.
type MidsFeed struct {
	config MidsConfig
	dialer *websocket.Dialer
	cache  *priceCache
	logger *zap.Logger
	now    func() time.Time

	status   ConnectionStatus
	statusMu sync.RWMutex
}

func NewMidsFeed(config MidsConfig, logger *zap.Logger) *MidsFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MidsFeed{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		cache:  &priceCache{prices: make(map[string]PriceData)},
		logger: logger.With(zap.String("feed", "allMids")),
		now:    time.Now,
	}
}

// Run connects and keeps the cache fresh until ctx is cancelled. It gives up
// after MaxReconnects consecutive failed sessions.
func (f *MidsFeed) Run(ctx context.Context) error {
	failures := 0
	for {
		received, err := f.session(ctx)
		if ctx.Err() != nil {
			f.logger.Info("Mids feed stopped by context")
			return nil
		}
		if received {
			failures = 0
		}
		failures++
		f.updateStatus(func(s *ConnectionStatus) {
			s.IsConnected = false
			s.ErrorCount++
		})
		if f.config.MaxReconnects > 0 && failures > f.config.MaxReconnects {
			return fmt.Errorf("maximum reconnection attempts reached (%d): %w", f.config.MaxReconnects, err)
		}
		f.logger.Warn("Mids feed disconnected, reconnecting",
			zap.Int("attempt", failures),
			zap.Duration("delay", f.config.ReconnectInterval),
			zap.Error(err))
		metrics.FeedReconnects.WithLabelValues("allMids").Inc()

		timer := time.NewTimer(f.config.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		f.updateStatus(func(s *ConnectionStatus) { s.ReconnectCount++ })
	}
}

// session runs one connection. received reports whether any mids arrived.
func (f *MidsFeed) session(ctx context.Context) (received bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.config.WSURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg any) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := send(SubscriptionMessage{Method: "subscribe", Subscription: map[string]any{"type": "allMids"}}); err != nil {
		return false, fmt.Errorf("failed to subscribe to allMids: %w", err)
	}
	f.updateStatus(func(s *ConnectionStatus) { s.IsConnected = true })
	f.logger.Info("WebSocket connection established", zap.String("url", f.config.WSURL))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()
	if f.config.HeartbeatInterval > 0 {
		go f.heartbeat(sessionCtx, send)
	}

	for {
		if f.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("read: %w", err)
		}
		if n := f.handleMessage(data); n > 0 {
			received = true
		}
	}
}

func (f *MidsFeed) heartbeat(ctx context.Context, send func(any) error) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(SubscriptionMessage{Method: "ping"}); err != nil {
				f.logger.Debug("Heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// handleMessage applies an allMids update and returns the number of mids stored.
func (f *MidsFeed) handleMessage(data []byte) int {
	var msg AllMidsResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("Ignoring malformed message", zap.Error(err))
		return 0
	}
	if msg.Channel != "allMids" {
		return 0
	}

	now := f.now()
	stored := 0
	f.cache.mu.Lock()
	for symbol, raw := range msg.Data.Mids {
		px, err := decimal.NewFromString(raw)
		if err != nil || !px.IsPositive() {
			continue
		}
		f.cache.prices[symbol] = PriceData{Symbol: symbol, Price: px, Timestamp: now}
		stored++
	}
	f.cache.mu.Unlock()

	f.updateStatus(func(s *ConnectionStatus) {
		s.MessageCount++
		s.LastMessage = now
	})
	return stored
}

// Price returns the latest fresh mid for symbol.
func (f *MidsFeed) Price(symbol string) (decimal.Decimal, error) {
	f.cache.mu.RLock()
	pd, ok := f.cache.prices[strings.ToUpper(symbol)]
	f.cache.mu.RUnlock()

	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no mid for %s", ErrNoQuote, symbol)
	}
	if f.config.MaxAge > 0 && f.now().Sub(pd.Timestamp) > f.config.MaxAge {
		return decimal.Zero, fmt.Errorf("%w: mid for %s is stale (%s)", ErrNoQuote, symbol, pd.Timestamp.Format(time.RFC3339))
	}
	return pd.Price, nil
}

// USDPrice treats the perp mid as the USD price.
func (f *MidsFeed) USDPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return f.Price(symbol)
}

// Status returns the current connection status
func (f *MidsFeed) Status() ConnectionStatus {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status
}

func (f *MidsFeed) updateStatus(fn func(*ConnectionStatus)) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	fn(&f.status)
}
