// Package execution places hedge orders on a derivatives venue.
package execution

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrOrderTooSmall  = errors.New("order size rounds to zero")
	ErrOrderRejected  = errors.New("order rejected")
	ErrInvalidRequest = errors.New("invalid order request")
)

// Config holds the Hyperliquid connection settings
type Config struct {
	PrivateKeyHex  string          `json:"private_key_hex"`
	AccountAddress string          `json:"account_address"` // defaults to the key's address
	BaseURL        string          `json:"base_url"`
	Timeout        time.Duration   `json:"timeout"`
	RateLimitRPS   float64         `json:"rate_limit_rps"`
	MaxSlippage    decimal.Decimal `json:"max_slippage"` // IOC limit offset from mid
	IsMainnet      bool            `json:"is_mainnet"`
	MetaTTL        time.Duration   `json:"meta_ttl"`
}

const (
	MainnetURL = "https://api.hyperliquid.xyz"
	TestnetURL = "https://api.hyperliquid-testnet.xyz"
)

// DefaultConfig returns the mainnet defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      MainnetURL,
		Timeout:      30 * time.Second,
		RateLimitRPS: 10,
		MaxSlippage:  decimal.NewFromFloat(0.01),
		IsMainnet:    true,
		MetaTTL:      time.Hour,
	}
}

type assetInfo struct {
	index      int
	szDecimals int32
}

// HyperliquidClient is the perpetuals hedge venue
type HyperliquidClient struct {
	config     *Config
	privateKey *ecdsa.PrivateKey
	address    common.Address
	httpClient *http.Client
	limiter    *rate.Limiter
	orders     *OrderManager
	logger     *zap.Logger
	now        func() time.Time

	metaMu     sync.Mutex
	assets     map[string]assetInfo
	metaLoaded time.Time
}

// NewHyperliquidClient parses the signing key and prepares the REST client.
func NewHyperliquidClient(config *Config, logger *zap.Logger) (*HyperliquidClient, error) {
	if config.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}

	privateKeyBytes, err := hex.DecodeString(strings.TrimPrefix(config.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	if config.AccountAddress != "" {
		if !common.IsHexAddress(config.AccountAddress) {
			return nil, fmt.Errorf("invalid account address %q", config.AccountAddress)
		}
		address = common.HexToAddress(config.AccountAddress)
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HyperliquidClient{
		config:     config,
		privateKey: privateKey,
		address:    address,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), int(config.RateLimitRPS)+1),
		orders:     NewOrderManager(),
		logger:     logger.With(zap.String("venue", "hyperliquid")),
		now:        time.Now,
		assets:     make(map[string]assetInfo),
	}, nil
}

// Address is the account whose positions are read.
func (c *HyperliquidClient) Address() common.Address { return c.address }

// Orders returns the orders placed by this client.
func (c *HyperliquidClient) Orders() []Order { return c.orders.Orders() }

// =============================================================================
// SEGMENT 1: ACCOUNT STATE
// =============================================================================

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin    string          `json:"coin"`
			Szi     decimal.Decimal `json:"szi"`
			EntryPx *string         `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}

// Positions returns all open perp positions of the account.
func (c *HyperliquidClient) Positions(ctx context.Context) ([]Position, error) {
	var state clearinghouseState
	if err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.address.Hex()}, &state); err != nil {
		return nil, fmt.Errorf("failed to get clearinghouse state: %w", err)
	}

	positions := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := Position{Symbol: ap.Position.Coin, Size: ap.Position.Szi, Timestamp: c.now()}
		if ap.Position.EntryPx != nil {
			p.EntryPrice, _ = decimal.NewFromString(*ap.Position.EntryPx)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// PositionSize returns the signed size held in symbol, zero when flat.
func (c *HyperliquidClient) PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	positions, err := c.Positions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p.Size, nil
		}
	}
	return decimal.Zero, nil
}

// Mid returns the current mid price of symbol.
func (c *HyperliquidClient) Mid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var mids map[string]decimal.Decimal
	if err := c.info(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get mids: %w", err)
	}
	mid, ok := mids[symbol]
	if !ok || !mid.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no mid for %s", ErrUnknownAsset, symbol)
	}
	return mid, nil
}

func (c *HyperliquidClient) asset(ctx context.Context, symbol string) (assetInfo, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	if c.metaLoaded.IsZero() || (c.config.MetaTTL > 0 && c.now().Sub(c.metaLoaded) > c.config.MetaTTL) {
		var meta struct {
			Universe []struct {
				Name       string `json:"name"`
				SzDecimals int32  `json:"szDecimals"`
			} `json:"universe"`
		}
		if err := c.info(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
			return assetInfo{}, fmt.Errorf("failed to get meta: %w", err)
		}
		assets := make(map[string]assetInfo, len(meta.Universe))
		for i, u := range meta.Universe {
			assets[u.Name] = assetInfo{index: i, szDecimals: u.SzDecimals}
		}
		c.assets = assets
		c.metaLoaded = c.now()
	}

	info, ok := c.assets[symbol]
	if !ok {
		return assetInfo{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return info, nil
}

// =============================================================================
// SEGMENT 2: ORDER PLACEMENT
// =============================================================================

// PlaceOrder sends an immediate-or-cancel limit order priced at mid plus or
// minus the configured slippage.
func (c *HyperliquidClient) PlaceOrder(ctx context.Context, symbol string, side OrderSide, amount decimal.Decimal) error {
	if !side.valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, side)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrInvalidRequest, amount)
	}

	info, err := c.asset(ctx, symbol)
	if err != nil {
		return err
	}
	size := amount.Truncate(info.szDecimals)
	if !size.IsPositive() {
		return fmt.Errorf("%w: %s %s at %d decimals", ErrOrderTooSmall, amount, symbol, info.szDecimals)
	}

	mid, err := c.Mid(ctx, symbol)
	if err != nil {
		return err
	}
	one := decimal.NewFromInt(1)
	limit := mid.Mul(one.Sub(c.config.MaxSlippage))
	if side.IsBuy() {
		limit = mid.Mul(one.Add(c.config.MaxSlippage))
	}
	limit = FormatPrice(limit, info.szDecimals)

	order := &Order{
		ClientOrderID: newClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Size:          size,
		LimitPrice:    limit,
		Status:        OrderStatusPending,
		CreatedAt:     c.now(),
	}
	c.orders.AddOrder(order)

	action := map[string]any{
		"type": "order",
		"orders": []map[string]any{{
			"a": info.index,
			"b": side.IsBuy(),
			"p": limit.String(),
			"s": size.String(),
			"r": false,
			"t": map[string]any{"limit": map[string]any{"tif": "Ioc"}},
			"c": order.ClientOrderID,
		}},
		"grouping": "na",
	}

	status, err := c.submit(ctx, action)
	if err != nil {
		c.orders.Update(order.ClientOrderID, func(o *Order) {
			o.Status = OrderStatusRejected
			o.Error = err.Error()
		})
		return err
	}
	c.orders.Update(order.ClientOrderID, func(o *Order) {
		o.VenueOrderID = status.oid
		o.FilledSize = status.filled
		o.AvgFillPrice = status.avgPx
		o.Status = status.status
	})

	c.logger.Info("Order placed",
		zap.String("symbol", symbol),
		zap.Stringer("side", side),
		zap.String("size", size.String()),
		zap.String("limit_px", limit.String()),
		zap.String("filled", status.filled.String()),
		zap.String("cloid", order.ClientOrderID))
	return nil
}

type orderStatus struct {
	oid    int64
	status OrderStatus
	filled decimal.Decimal
	avgPx  decimal.Decimal
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponse struct {
	Type string `json:"type"`
	Data struct {
		Statuses []struct {
			Resting *struct {
				Oid int64 `json:"oid"`
			} `json:"resting"`
			Filled *struct {
				TotalSz decimal.Decimal `json:"totalSz"`
				AvgPx   decimal.Decimal `json:"avgPx"`
				Oid     int64           `json:"oid"`
			} `json:"filled"`
			Error string `json:"error"`
		} `json:"statuses"`
	} `json:"data"`
}

func (c *HyperliquidClient) submit(ctx context.Context, action map[string]any) (orderStatus, error) {
	nonce := c.now().UnixMilli()
	signature, err := c.signAction(action, nonce)
	if err != nil {
		return orderStatus{}, fmt.Errorf("failed to sign order: %w", err)
	}

	body := map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": signature,
	}
	raw, err := c.post(ctx, "/exchange", body)
	if err != nil {
		return orderStatus{}, fmt.Errorf("API request failed: %w", err)
	}

	var resp exchangeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return orderStatus{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Status != "ok" {
		return orderStatus{}, fmt.Errorf("%w: %s", ErrOrderRejected, string(resp.Response))
	}

	var or orderResponse
	if err := json.Unmarshal(resp.Response, &or); err != nil {
		return orderStatus{}, fmt.Errorf("failed to parse order response: %w", err)
	}
	if len(or.Data.Statuses) == 0 {
		return orderStatus{}, fmt.Errorf("no order status in response")
	}

	st := or.Data.Statuses[0]
	switch {
	case st.Error != "":
		return orderStatus{}, fmt.Errorf("%w: %s", ErrOrderRejected, st.Error)
	case st.Filled != nil:
		return orderStatus{oid: st.Filled.Oid, status: OrderStatusFilled, filled: st.Filled.TotalSz, avgPx: st.Filled.AvgPx}, nil
	case st.Resting != nil:
		return orderStatus{oid: st.Resting.Oid, status: OrderStatusOpen}, nil
	default:
		return orderStatus{}, fmt.Errorf("unrecognized order status")
	}
}

type signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// signAction signs keccak256(json(action) || nonce) with the account key.
// TODO: switch to the msgpack L1 action hash wrapped in the phantom agent
// EIP-712 payload once a msgpack encoder is available to the module.
func (c *HyperliquidClient) signAction(action map[string]any, nonce int64) (signature, error) {
	actionBytes, err := json.Marshal(action)
	if err != nil {
		return signature{}, err
	}
	nonceBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	hash := crypto.Keccak256Hash(actionBytes, nonceBytes)

	sig, err := crypto.Sign(hash.Bytes(), c.privateKey)
	if err != nil {
		return signature{}, err
	}
	return signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// =============================================================================
// SEGMENT 3: TRANSPORT
// =============================================================================

func (c *HyperliquidClient) info(ctx context.Context, req any, out any) error {
	raw, err := c.post(ctx, "/info", req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *HyperliquidClient) post(ctx context.Context, endpoint string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// =============================================================================
// SEGMENT 4: HELPERS
// =============================================================================

// FormatPrice rounds a perp price to five significant figures and at most
// 6-szDecimals decimal places.
func FormatPrice(px decimal.Decimal, szDecimals int32) decimal.Decimal {
	if !px.IsPositive() {
		return decimal.Zero
	}
	magnitude := int32(px.NumDigits()) + px.Exponent()
	places := 5 - magnitude
	if places < 0 {
		// integer prices are always accepted
		places = 0
	}
	if maxPlaces := 6 - szDecimals; places > maxPlaces {
		places = maxPlaces
	}
	return px.Round(places)
}

func newClientOrderID() string {
	id := uuid.New()
	return hexutil.Encode(id[:])
}
