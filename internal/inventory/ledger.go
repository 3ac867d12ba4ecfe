// Package inventory owns every stock mutation. Each primitive is one conditional
// write on one product record, so callers need no external locking.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Ledger struct {
	Store orders.ProductStore
	Log   *zap.Logger
}

func New(store orders.ProductStore, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{Store: store, Log: log}
}

// With returns a ledger writing through s, typically a transaction-bound store.
func (l *Ledger) With(s orders.ProductStore) *Ledger {
	return &Ledger{Store: s, Log: l.Log}
}

func checkQty(qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity must be positive, got %d", qty)
	}
	return nil
}

// Reserve holds qty units when stock-reserved >= qty. A false result means the
// conditional write did not apply.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) (bool, error) {
	if err := checkQty(qty); err != nil {
		return false, err
	}
	ok, err := l.Store.ReserveStock(ctx, productID, qty)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", productID, err)
	}
	return ok, nil
}

func (l *Ledger) Release(ctx context.Context, productID string, qty int) error {
	if err := checkQty(qty); err != nil {
		return err
	}
	if err := l.Store.ReleaseStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	return nil
}

// Commit turns a reservation into a real depletion.
func (l *Ledger) Commit(ctx context.Context, productID string, qty int) error {
	if err := checkQty(qty); err != nil {
		return err
	}
	if err := l.Store.CommitStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("commit %s: %w", productID, err)
	}
	return nil
}

// AdjustAfterCommit moves stock directly by delta for post-confirmation edits.
// Negative deltas only apply while they keep stock >= reserved.
func (l *Ledger) AdjustAfterCommit(ctx context.Context, productID string, delta int) (bool, error) {
	if delta == 0 {
		return true, nil
	}
	ok, err := l.Store.AdjustStock(ctx, productID, delta)
	if err != nil {
		return false, fmt.Errorf("adjust %s: %w", productID, err)
	}
	return ok, nil
}

// Return gives committed units back to stock.
func (l *Ledger) Return(ctx context.Context, productID string, qty int) error {
	if err := checkQty(qty); err != nil {
		return err
	}
	if err := l.Store.ReturnStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("return %s: %w", productID, err)
	}
	return nil
}

// ReserveBatch reserves every item concurrently. It must run on a store that is
// safe for concurrent use (not a transaction-bound one). Items that could not be
// reserved are returned in failed; on error the caller still owns reserved.
func (l *Ledger) ReserveBatch(ctx context.Context, items []orders.Item) (reserved, failed []orders.Item, err error) {
	ok := make([]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, it := range items {
		g.Go(func() error {
			r, err := l.Reserve(gctx, it.ProductID, it.Quantity)
			ok[i] = r
			return err
		})
	}
	err = g.Wait()
	for i, it := range items {
		if ok[i] {
			reserved = append(reserved, it)
		} else {
			failed = append(failed, it)
		}
	}
	return reserved, failed, err
}

// ReleaseItems releases every item, continuing past individual failures.
func (l *Ledger) ReleaseItems(ctx context.Context, items []orders.Item) error {
	var errs []error
	for _, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		if err := l.Release(ctx, it.ProductID, it.Quantity); err != nil {
			l.Log.Error("release failed", zap.String("product_id", it.ProductID), zap.Int("qty", it.Quantity), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) CommitItems(ctx context.Context, items []orders.Item) error {
	for _, it := range items {
		if err := l.Commit(ctx, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) ReturnItems(ctx context.Context, items []orders.Item) error {
	for _, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		if err := l.Return(ctx, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

type Availability struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Exists    bool   `json:"exists"`
	IsActive  bool   `json:"is_active"`
}

// ForOrder reports current availability for every line of an order.
func (l *Ledger) ForOrder(ctx context.Context, o *orders.Order) ([]Availability, error) {
	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := l.Store.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	out := make([]Availability, 0, len(o.Items))
	for _, it := range o.Items {
		p, ok := products[it.ProductID]
		out = append(out, Availability{
			ProductID: it.ProductID,
			Requested: it.Quantity,
			Available: p.Available(),
			Exists:    ok,
			IsActive:  ok && p.IsActive,
		})
	}
	return out, nil
}
