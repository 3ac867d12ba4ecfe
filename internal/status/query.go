package status

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

const maxListLimit = 100

func (m *Machine) Get(ctx context.Context, actor orders.Actor, orderID string) (*orders.Order, error) {
	return load(ctx, m.Store, actor, orderID)
}

// List returns final orders, newest first. Customers only ever see their own.
func (m *Machine) List(ctx context.Context, actor orders.Actor, f orders.ListFilter) ([]*orders.Order, error) {
	if !actor.IsStaff() {
		f.CustomerID = actor.ID
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	out, err := m.Store.ListOrders(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

// Stock reports current availability for each line of an order.
func (m *Machine) Stock(ctx context.Context, actor orders.Actor, orderID string) ([]inventory.Availability, error) {
	o, err := m.Get(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	return m.Inventory.ForOrder(ctx, o)
}
