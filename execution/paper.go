package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperVenue fills every order immediately against an in-memory book of
// signed positions. It is used for dry runs.
type PaperVenue struct {
	mu        sync.Mutex
	positions map[string]decimal.Decimal
	orders    *OrderManager
	logger    *zap.Logger
	seq       int64
}

func NewPaperVenue(logger *zap.Logger) *PaperVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperVenue{
		positions: make(map[string]decimal.Decimal),
		orders:    NewOrderManager(),
		logger:    logger.With(zap.String("venue", "paper")),
	}
}

func (p *PaperVenue) PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[strings.ToUpper(symbol)], nil
}

func (p *PaperVenue) PlaceOrder(ctx context.Context, symbol string, side OrderSide, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !side.valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, side)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrInvalidRequest, amount)
	}

	p.mu.Lock()
	key := strings.ToUpper(symbol)
	delta := amount
	if !side.IsBuy() {
		delta = amount.Neg()
	}
	p.positions[key] = p.positions[key].Add(delta)
	p.seq++
	id := fmt.Sprintf("paper-%d", p.seq)
	size := p.positions[key]
	p.mu.Unlock()

	now := time.Now()
	p.orders.AddOrder(&Order{
		ClientOrderID: id,
		Symbol:        symbol,
		Side:          side,
		Size:          amount,
		FilledSize:    amount,
		Status:        OrderStatusFilled,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	p.logger.Info("Paper order filled",
		zap.String("symbol", symbol),
		zap.Stringer("side", side),
		zap.String("amount", amount.String()),
		zap.String("position", size.String()))
	return nil
}

// SetPosition seeds a position, typically from a previous run.
func (p *PaperVenue) SetPosition(symbol string, size decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[strings.ToUpper(symbol)] = size
}

func (p *PaperVenue) Orders() []Order { return p.orders.Orders() }
