// Package financials is the order financial ledger. Totals and state are always
// derived from the event history; nothing writes them directly.
package financials

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DeriveState maps (status, paid, refunded, total) to a settlement label. Net
// paid is paid minus refunded; refunded only tells a cancelled order that never
// moved money apart from one that was paid back.
//
//	active:    net<0 negative | net≈total paid | net≈0 pending | net<total partial | overpaid
//	cancelled: net≈0 and nothing refunded voided | net≈0 refunded | net>0 refund_pending | over_refunded
func DeriveState(status orders.Status, paid, refunded, total decimal.Decimal) orders.FinancialState {
	zero := decimal.Zero
	net := paid.Sub(refunded)
	if status == orders.StatusCancelled {
		switch {
		case orders.NearlyEqual(net, zero) && orders.NearlyEqual(refunded, zero):
			return orders.StateVoided
		case orders.NearlyEqual(net, zero):
			return orders.StateRefunded
		case net.IsPositive():
			return orders.StateRefundPending
		default:
			return orders.StateOverRefunded
		}
	}
	switch {
	case net.LessThan(zero.Sub(orders.Epsilon)):
		return orders.StateNegative
	case orders.NearlyEqual(net, total):
		return orders.StatePaid
	case orders.NearlyEqual(net, zero):
		return orders.StatePending
	case net.LessThan(total):
		return orders.StatePartial
	default:
		return orders.StateOverpaid
	}
}

// Recompute folds the non-voided success events into the totals and re-derives
// the state. It is a no-op for drafts.
func Recompute(o *orders.Order) {
	if !o.IsFinal() {
		return
	}
	f := &o.Final.Financials
	paid, refunded := decimal.Zero, decimal.Zero
	for _, e := range f.EventHistory {
		if e.Voided != nil {
			continue
		}
		switch e.Kind {
		case orders.PaymentSuccess:
			paid = paid.Add(e.Action.Amount)
		case orders.RefundSuccess:
			refunded = refunded.Add(e.Action.Amount)
		}
	}
	f.TotalPaid = paid
	f.TotalRefunded = refunded
	f.State = DeriveState(o.Status, f.TotalPaid, f.TotalRefunded, o.Totals.Total)
}

// AddSpent moves a customer's lifetime total. A vanished customer is recorded as
// a critical event and otherwise ignored.
func AddSpent(ctx context.Context, store orders.CustomerStore, rec critical.Recorder, log *zap.Logger, o *orders.Order, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	err := store.AddTotalSpent(ctx, o.CustomerID, delta)
	if errors.Is(err, orders.ErrNotFound) {
		if rec != nil {
			rec.Record(ctx, critical.Event{
				Kind:    critical.KindCustomerMissing,
				OrderID: o.ID,
				Message: "customer missing during balance update",
				Data:    map[string]any{"customer_id": o.CustomerID, "delta": delta.String()},
			})
		}
		if log != nil {
			log.Warn("customer missing during balance update", zap.String("order_id", o.ID), zap.String("customer_id", o.CustomerID))
		}
		return nil
	}
	return err
}
