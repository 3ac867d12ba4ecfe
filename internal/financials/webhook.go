package financials

import (
	"context"
	"slices"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

func validNotification(n payment.Notification) error {
	switch {
	case n.OrderID == "" || n.TransactionID == "":
		return apperr.Validation("notification without order or transaction id")
	case !n.Kind.Valid():
		return apperr.Validation("unknown event kind %q", n.Kind)
	case n.Amount.IsNegative():
		return apperr.Validation("negative amount")
	}
	return nil
}

// ApplyWebhook settles one provider notification. A transaction id already in
// the order's history is a replay and changes nothing. Failures are recorded as
// critical events; the caller acknowledges the provider regardless.
func (l *Ledger) ApplyWebhook(ctx context.Context, n payment.Notification) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "financials.ApplyWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", n.OrderID), attribute.String("transaction_id", n.TransactionID))

	out, entry, o, err := l.applyWebhook(ctx, n)
	if err != nil {
		l.Critical.Record(ctx, critical.Event{
			Kind:    critical.KindWebhook,
			OrderID: n.OrderID,
			Message: "webhook not applied",
			Error:   err.Error(),
			Data: map[string]any{
				"provider":       n.Provider,
				"transaction_id": n.TransactionID,
				"kind":           string(n.Kind),
				"amount":         n.Amount.String(),
			},
		})
		return OutcomeFailed, err
	}
	if out == OutcomeDuplicate {
		l.Log.Info("duplicate webhook ignored", zap.String("order_id", n.OrderID), zap.String("transaction_id", n.TransactionID))
		return out, nil
	}

	if l.Dedup != nil {
		if err := l.Dedup.Mark(ctx, n.Provider, n.TransactionID); err != nil {
			l.Log.Warn("webhook dedup mark failed", zap.Error(err))
		}
	}
	l.Log.Info("webhook applied",
		zap.String("order_id", n.OrderID),
		zap.String("transaction_id", n.TransactionID),
		zap.String("kind", string(n.Kind)),
		zap.String("state", string(o.Final.Financials.State)),
	)
	l.changed(ctx, o, &entry)
	return out, nil
}

func (l *Ledger) applyWebhook(ctx context.Context, n payment.Notification) (Outcome, orders.FinancialEvent, *orders.Order, error) {
	var entry orders.FinancialEvent
	if err := validNotification(n); err != nil {
		return OutcomeFailed, entry, nil, err
	}
	if l.Dedup != nil {
		seen, err := l.Dedup.Seen(ctx, n.Provider, n.TransactionID)
		if err != nil {
			l.Log.Warn("webhook dedup lookup failed", zap.Error(err))
		} else if seen {
			return OutcomeDuplicate, entry, nil, nil
		}
	}

	entry = orders.FinancialEvent{
		ID:   uuid.NewString(),
		Kind: n.Kind,
		Action: orders.Action{
			Method: orders.MethodOnline,
			Amount: n.Amount,
			Online: &orders.OnlineDetails{Provider: n.Provider, TransactionID: n.TransactionID},
		},
		Actor: orders.Actor{ID: n.Provider, Role: orders.RoleSystem},
		At:    l.Now().UTC(),
	}

	outcome := OutcomeApplied
	var out *orders.Order
	err := l.Store.InTx(ctx, func(tx orders.Store) error {
		o, err := l.loadFinal(ctx, tx, n.OrderID)
		if err != nil {
			return err
		}
		f := &o.Final.Financials
		if hasTransaction(f.EventHistory, n.TransactionID) {
			outcome = OutcomeDuplicate
			return nil
		}
		if g := f.CurrentOnlineTransaction; g != nil {
			if i := slices.Index(g.PendingIDs, n.TransactionID); i >= 0 {
				g.PendingIDs = slices.Delete(g.PendingIDs, i, i+1)
				if len(g.PendingIDs) == 0 {
					f.CurrentOnlineTransaction = nil
				}
			}
		}
		out = o
		return l.appendEvent(ctx, tx, o, entry)
	})
	if err != nil {
		return OutcomeFailed, entry, nil, err
	}
	return outcome, entry, out, nil
}
