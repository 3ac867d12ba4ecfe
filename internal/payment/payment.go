// Package payment holds the external payment provider boundary.
package payment

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownProvider = errors.New("unknown payment provider")
	ErrBadSignature    = errors.New("bad webhook signature")
)

type CreateRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Description string
	// OriginalIDs are the provider transactions a refund applies to.
	OriginalIDs []string
}

type CreateResult struct {
	TransactionID string `json:"transaction_id"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

// Notification is a provider callback normalized to the ledger's vocabulary.
type Notification struct {
	Provider      string           `json:"provider"`
	OrderID       string           `json:"order_id"`
	TransactionID string           `json:"transaction_id"`
	Kind          orders.EventKind `json:"kind"`
	Amount        decimal.Decimal  `json:"amount"`
}

type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error)
	CreateRefund(ctx context.Context, req CreateRequest) (CreateResult, error)
	// Detect reports whether r is a callback from this provider.
	Detect(r *http.Request) bool
	Verify(h http.Header, body []byte) error
	Normalize(body []byte) (Notification, error)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Default is the first registered provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, ErrUnknownProvider
	}
	return r.providers[r.order[0]], nil
}

// Detect finds the provider a callback request came from, in registration order.
func (r *Registry) Detect(req *http.Request) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if p := r.providers[name]; p.Detect(req) {
			return p, nil
		}
	}
	return nil, ErrUnknownProvider
}
