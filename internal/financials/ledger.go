package financials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-storefront-orders/internal/financials")

// Dedup is an optional fast path for replayed webhooks.
type Dedup interface {
	Seen(ctx context.Context, provider, txID string) (bool, error)
	Mark(ctx context.Context, provider, txID string) error
}

type Ledger struct {
	Store     orders.Store
	Providers *payment.Registry
	Notify    orders.Notifier
	Critical  critical.Recorder
	Dedup     Dedup
	Now       func() time.Time
	Log       *zap.Logger
}

func New(store orders.Store, providers *payment.Registry, notify orders.Notifier, rec critical.Recorder, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if notify.Log == nil {
		notify.Log = log
	}
	if rec == nil {
		rec = critical.New(log, nil)
	}
	return &Ledger{Store: store, Providers: providers, Notify: notify, Critical: rec, Now: time.Now, Log: log}
}

func (l *Ledger) loadFinal(ctx context.Context, s orders.OrderStore, id string) (*orders.Order, error) {
	o, err := s.GetOrder(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if !o.IsFinal() {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o, nil
}

// appendEvent adds e, recomputes and, for completed orders, moves the customer's
// lifetime total by the change in net paid.
func (l *Ledger) appendEvent(ctx context.Context, tx orders.Store, o *orders.Order, e orders.FinancialEvent) error {
	before := o.Final.Financials.NetPaid()
	o.Final.Financials.EventHistory = append(o.Final.Financials.EventHistory, e)
	return l.settle(ctx, tx, o, before)
}

func (l *Ledger) settle(ctx context.Context, tx orders.Store, o *orders.Order, netBefore decimal.Decimal) error {
	Recompute(o)
	o.UpdatedAt = l.Now().UTC()
	if o.Status == orders.StatusCompleted {
		delta := o.Final.Financials.NetPaid().Sub(netBefore)
		if err := AddSpent(ctx, tx, l.Critical, l.Log, o, delta); err != nil {
			return err
		}
	}
	return tx.UpdateOrder(ctx, o)
}

func (l *Ledger) changed(ctx context.Context, o *orders.Order, entry *orders.FinancialEvent) {
	f := o.Final.Financials
	l.Notify.Patch(ctx, orders.AdminPatch{
		OrderID:                 o.ID,
		Patches:                 orders.FinancialsPatches(f),
		NewFinancialsEventEntry: entry,
	})
	p := orders.FinancialsChangedPayload{
		OrderID:       o.ID,
		State:         f.State,
		TotalPaid:     f.TotalPaid,
		TotalRefunded: f.TotalRefunded,
	}
	if entry != nil {
		p.EventID = entry.ID
	}
	l.Notify.Event(ctx, orders.TopicFinancialsChanged, o.ID, orders.EventFinancialsChanged, p)
}

type OfflineInput struct {
	Kind         orders.EventKind            `json:"kind"`
	Method       orders.Method               `json:"method"`
	Amount       decimal.Decimal             `json:"amount"`
	Cash         *orders.CashDetails         `json:"cash,omitempty"`
	BankTransfer *orders.BankTransferDetails `json:"bank_transfer,omitempty"`
	CardManual   *orders.CardManualDetails   `json:"card_manual,omitempty"`
}

// action validates the input and keeps only the details matching its method.
func (in OfflineInput) action() (orders.Action, error) {
	if !in.Kind.Valid() {
		return orders.Action{}, apperr.Validation("unknown event kind %q", in.Kind)
	}
	if !in.Method.Offline() {
		return orders.Action{}, apperr.Validation("method %q is not an offline method", in.Method)
	}
	if !in.Amount.IsPositive() {
		return orders.Action{}, apperr.Validation("amount must be positive")
	}
	a := orders.Action{Method: in.Method, Amount: in.Amount}
	switch in.Method {
	case orders.MethodCash:
		c := orders.CashDetails{Received: in.Amount}
		if in.Cash != nil && !in.Cash.Received.IsZero() {
			if in.Cash.Received.LessThan(in.Amount) {
				return orders.Action{}, apperr.Validation("cash received is below the amount")
			}
			c.Received = in.Cash.Received
		}
		c.Change = c.Received.Sub(in.Amount)
		a.Cash = &c
	case orders.MethodBankTransfer:
		b := orders.BankTransferDetails{}
		if in.BankTransfer != nil {
			b = *in.BankTransfer
		}
		a.BankTransfer = &b
	case orders.MethodCardManual:
		c := orders.CardManualDetails{}
		if in.CardManual != nil {
			c = *in.CardManual
		}
		if len(c.Last4) > 4 {
			return orders.Action{}, apperr.Validation("last4 must have at most 4 digits")
		}
		a.CardManual = &c
	}
	return a, nil
}

// ApplyOffline records a staff-entered payment or refund.
func (l *Ledger) ApplyOffline(ctx context.Context, actor orders.Actor, orderID string, in OfflineInput) (*orders.Order, error) {
	ctx, span := tracer.Start(ctx, "financials.ApplyOffline")
	defer span.End()

	if !actor.IsStaff() {
		return nil, apperr.Forbidden("only staff may record offline payments")
	}
	action, err := in.action()
	if err != nil {
		return nil, err
	}
	e := orders.FinancialEvent{
		ID:     uuid.NewString(),
		Kind:   in.Kind,
		Action: action,
		Actor:  actor,
		At:     l.Now().UTC(),
	}

	var out *orders.Order
	err = l.Store.InTx(ctx, func(tx orders.Store) error {
		o, err := l.loadFinal(ctx, tx, orderID)
		if err != nil {
			return err
		}
		out = o
		return l.appendEvent(ctx, tx, o, e)
	})
	if err != nil {
		return nil, err
	}
	l.Log.Info("financial event recorded",
		zap.String("order_id", orderID),
		zap.String("kind", string(e.Kind)),
		zap.String("method", string(action.Method)),
		zap.String("amount", action.Amount.String()),
	)
	l.changed(ctx, out, &e)
	return out, nil
}

// Void retracts an offline event. The entry stays in history with its original
// fields; only the voiding marker is added.
func (l *Ledger) Void(ctx context.Context, actor orders.Actor, orderID, eventID, note string) (*orders.Order, error) {
	if !actor.IsStaff() {
		return nil, apperr.Forbidden("only staff may void financial events")
	}
	var (
		out    *orders.Order
		voided orders.FinancialEvent
	)
	err := l.Store.InTx(ctx, func(tx orders.Store) error {
		o, err := l.loadFinal(ctx, tx, orderID)
		if err != nil {
			return err
		}
		h := o.Final.Financials.EventHistory
		i := indexEvent(h, eventID)
		if i < 0 {
			return apperr.NotFound("financial event %s not found", eventID)
		}
		if !h[i].Action.Method.Offline() {
			return apperr.Conflict(apperr.ReasonOnlineEventVoid, "online provider events cannot be voided")
		}
		if h[i].Voided != nil {
			return apperr.NoChange("event %s already voided", eventID)
		}
		before := o.Final.Financials.NetPaid()
		h[i].Voided = &orders.Voiding{Actor: actor, At: l.Now().UTC(), Note: note}
		voided = h[i]
		out = o
		return l.settle(ctx, tx, o, before)
	})
	if err != nil {
		return nil, err
	}
	l.Log.Info("financial event voided", zap.String("order_id", orderID), zap.String("event_id", eventID))
	l.changed(ctx, out, &voided)
	return out, nil
}

func indexEvent(h []orders.FinancialEvent, id string) int {
	for i := range h {
		if h[i].ID == id {
			return i
		}
	}
	return -1
}
