package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// ProductStore holds the single-record atomic stock primitives. Each call is one
// conditional write; none of them needs an enclosing transaction.
type ProductStore interface {
	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
	ReserveStock(ctx context.Context, id string, qty int) (bool, error)
	ReleaseStock(ctx context.Context, id string, qty int) error
	CommitStock(ctx context.Context, id string, qty int) error
	AdjustStock(ctx context.Context, id string, delta int) (bool, error)
	ReturnStock(ctx context.Context, id string, qty int) error
}

type ListFilter struct {
	CustomerID string
	Status     Status
	Limit      int
	Offset     int
}

type OrderStore interface {
	// GetOrder locks the record for the rest of the transaction when called inside InTx.
	GetOrder(ctx context.Context, id string) (*Order, error)
	FindDraftByCustomer(ctx context.Context, customerID string) (*Order, error)
	// InsertOrder returns ErrDuplicate when the customer already owns a draft.
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	DeleteOrder(ctx context.Context, id string) error
	ListOrders(ctx context.Context, f ListFilter) ([]*Order, error)
	// ListExpiredDrafts skips records locked by a concurrent sweep.
	ListExpiredDrafts(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	// BeginOnlineTransaction sets the guard only when none is present.
	BeginOnlineTransaction(ctx context.Context, orderID string, tx OnlineTransaction) (bool, error)
	// UpdateOnlineTransaction replaces an existing guard; false when none is present.
	UpdateOnlineTransaction(ctx context.Context, orderID string, tx OnlineTransaction) (bool, error)
	ClearOnlineTransaction(ctx context.Context, orderID string) error
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	// AddTotalSpent returns ErrNotFound when the customer record is gone.
	AddTotalSpent(ctx context.Context, id string, delta decimal.Decimal) error
}

type CartStore interface {
	GetCart(ctx context.Context, customerID string) (*Cart, error)
	SaveCart(ctx context.Context, c Cart) error
	ClearCart(ctx context.Context, customerID string) error
}

// Store is the persistence boundary. InTx runs fn in an all-or-nothing scope; the
// Store passed to fn is bound to that scope. Nested InTx calls join the outer scope.
type Store interface {
	ProductStore
	OrderStore
	CustomerStore
	CartStore
	InTx(ctx context.Context, fn func(Store) error) error
	// NextSequence increments a named counter outside any transaction; values are
	// never reused even if the caller's later work rolls back.
	NextSequence(ctx context.Context, name string) (int64, error)
}

const OrderNumberSequence = "order_number"
