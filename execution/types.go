package execution

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order types and structures
type OrderSide string
type OrderStatus string

const (
	OrderSideBuy  OrderSide = "B"
	OrderSideSell OrderSide = "S"

	OrderStatusPending  OrderStatus = "pending"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return string(s)
	}
}

// IsBuy reports whether the side is a buy.
func (s OrderSide) IsBuy() bool { return s == OrderSideBuy }

func (s OrderSide) valid() bool { return s == OrderSideBuy || s == OrderSideSell }

// Order is a hedge order as submitted to a venue.
type Order struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Size          decimal.Decimal `json:"size"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	VenueOrderID int64           `json:"venue_order_id,omitempty"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Error        string          `json:"error,omitempty"`
}

// Position is a venue position. Size is signed, negative is short.
type Position struct {
	Symbol     string          `json:"symbol"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Timestamp  time.Time       `json:"timestamp"`
}
