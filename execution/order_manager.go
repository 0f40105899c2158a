package execution

import (
	"sync"
	"time"
)

// OrderManager keeps the orders a venue has submitted, keyed by client id.
type OrderManager struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

func NewOrderManager() *OrderManager {
	return &OrderManager{
		orders: make(map[string]*Order),
	}
}

func (om *OrderManager) AddOrder(order *Order) {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.orders[order.ClientOrderID] = order
}

func (om *OrderManager) GetOrder(id string) *Order {
	om.mu.RLock()
	defer om.mu.RUnlock()
	if o, ok := om.orders[id]; ok {
		cp := *o
		return &cp
	}
	return nil
}

// Update applies fn to a stored order under the lock.
func (om *OrderManager) Update(id string, fn func(*Order)) bool {
	om.mu.Lock()
	defer om.mu.Unlock()

	order, exists := om.orders[id]
	if !exists {
		return false
	}
	fn(order)
	order.UpdatedAt = time.Now()
	return true
}

// Orders returns copies of all orders.
func (om *OrderManager) Orders() []Order {
	om.mu.RLock()
	defer om.mu.RUnlock()
	out := make([]Order, 0, len(om.orders))
	for _, o := range om.orders {
		out = append(out, *o)
	}
	return out
}
