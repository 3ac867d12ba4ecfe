// Package status drives confirmed orders through their delivery steps and
// handles post-confirmation edits.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-storefront-orders/internal/status")

type Action string

const (
	ActionNext     Action = "next"
	ActionRollback Action = "rollback"
	ActionCancel   Action = "cancel"
)

type Command struct {
	Action       Action           `json:"action"`
	Reason       string           `json:"reason,omitempty"`
	ShippingCost *decimal.Decimal `json:"shipping_cost,omitempty"`
}

// Cache mirrors the latest status for cheap polling; optional.
type Cache interface {
	CacheStatus(ctx context.Context, orderID, status string, at time.Time) error
}

type Machine struct {
	Store     orders.Store
	Inventory *inventory.Ledger
	Notify    orders.Notifier
	Critical  critical.Recorder
	Cache     Cache
	Now       func() time.Time
	Log       *zap.Logger
}

func New(store orders.Store, inv *inventory.Ledger, notify orders.Notifier, rec critical.Recorder, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	if notify.Log == nil {
		notify.Log = log
	}
	if rec == nil {
		rec = critical.New(log, nil)
	}
	return &Machine{Store: store, Inventory: inv, Notify: notify, Critical: rec, Now: time.Now, Log: log}
}

func load(ctx context.Context, s orders.OrderStore, actor orders.Actor, id string) (*orders.Order, error) {
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
	if !actor.CanAccess(o.CustomerID) {
		return nil, apperr.Forbidden("order %s belongs to another customer", id)
	}
	return o, nil
}

func position(seq []orders.Step, s orders.Status) int {
	for i, st := range seq {
		if st.Status == s {
			return i
		}
	}
	return -1
}

func invalid(format string, args ...any) error {
	return apperr.Conflict(apperr.ReasonInvalidTransition, format, args...)
}

// Change applies one transition and its side effects in a single transactional
// scope.
func (m *Machine) Change(ctx context.Context, actor orders.Actor, orderID string, cmd Command) (*orders.Order, error) {
	ctx, span := tracer.Start(ctx, "status.Change")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("action", string(cmd.Action)))

	switch cmd.Action {
	case ActionNext, ActionRollback, ActionCancel:
	default:
		return nil, apperr.Validation("unknown action %q", cmd.Action)
	}
	if cmd.Action == ActionCancel && strings.TrimSpace(cmd.Reason) == "" {
		return nil, apperr.Validation("a reason is required to cancel")
	}
	if cmd.ShippingCost != nil && cmd.ShippingCost.IsNegative() {
		return nil, apperr.Validation("shipping cost must not be negative")
	}

	var (
		out   *orders.Order
		entry orders.StatusEntry
	)
	err := m.Store.InTx(ctx, func(tx orders.Store) error {
		o, err := load(ctx, tx, actor, orderID)
		if err != nil {
			return err
		}
		if !actor.IsStaff() && !(cmd.Action == ActionCancel && o.Status == orders.StatusConfirmed) {
			return apperr.Forbidden("customers may only cancel orders that are not yet processed")
		}
		if o.Status.Final() {
			return invalid("order %s is %s", orderID, o.Status)
		}

		now := m.Now().UTC()
		prev := o.Status
		var changes []orders.FieldChange

		switch cmd.Action {
		case ActionNext:
			changes, err = m.next(o, cmd)
		case ActionRollback:
			changes, err = m.rollback(o)
		case ActionCancel:
			err = m.cancel(ctx, tx, o)
		}
		if err != nil {
			return err
		}

		financials.Recompute(o)
		if o.Status == orders.StatusCompleted {
			if err := financials.AddSpent(ctx, tx, m.Critical, m.Log, o, o.Final.Financials.NetPaid()); err != nil {
				return err
			}
		}

		entry = orders.StatusEntry{
			Status:   o.Status,
			Previous: prev,
			Action:   string(cmd.Action),
			Actor:    actor,
			At:       now,
			Reason:   cmd.Reason,
			Changes:  changes,
		}
		o.Final.StatusHistory = append(o.Final.StatusHistory, entry)
		o.UpdatedAt = now
		out = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	m.Log.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("from", string(entry.Previous)),
		zap.String("to", string(entry.Status)),
		zap.String("actor", actor.ID),
	)
	m.published(ctx, out, entry)
	return out, nil
}

func (m *Machine) next(o *orders.Order, cmd Command) ([]orders.FieldChange, error) {
	seq := orders.Sequence(o.Final.Delivery.Method)
	i := position(seq, o.Status)
	if i < 0 || i+1 >= len(seq) {
		return nil, invalid("no next step from %s for %s delivery", o.Status, o.Final.Delivery.Method)
	}
	target := seq[i+1].Status

	var changes []orders.FieldChange
	if target == orders.StatusDelivered {
		cost := o.Totals.ShippingCost
		if cmd.ShippingCost != nil {
			cost = cmd.ShippingCost
		}
		if cost == nil {
			return nil, apperr.Validation("shipping cost is required to mark the order delivered")
		}
		changes = setShipping(o, cost)
	}
	if target == orders.StatusCompleted {
		net := o.Final.Financials.NetPaid()
		if !orders.AtLeast(net, o.Totals.Total) {
			return nil, apperr.Conflict(apperr.ReasonUnpaid, "order %s is not fully paid (%s of %s)",
				o.ID, net.StringFixed(2), o.Totals.Total.StringFixed(2))
		}
	}
	o.Status = target
	return changes, nil
}

func (m *Machine) rollback(o *orders.Order) ([]orders.FieldChange, error) {
	seq := orders.Sequence(o.Final.Delivery.Method)
	i := position(seq, o.Status)
	if i <= 0 || !seq[i].RollbackAllowed {
		return nil, invalid("rollback is not allowed from %s", o.Status)
	}
	var changes []orders.FieldChange
	if o.Status == orders.StatusDelivered {
		changes = setShipping(o, nil)
	}
	o.Status = seq[i-1].Status
	return changes, nil
}

func (m *Machine) cancel(ctx context.Context, tx orders.Store, o *orders.Order) error {
	if o.Final.Financials.CurrentOnlineTransaction != nil {
		return apperr.Conflict(apperr.ReasonOnlineInProgress, "order %s has an online transaction in progress", o.ID)
	}
	if err := m.Inventory.With(tx).ReturnItems(ctx, o.Items); err != nil {
		return err
	}
	o.Status = orders.StatusCancelled
	return nil
}

// setShipping replaces the shipping cost and reports the deltas of the fields it
// touched.
func setShipping(o *orders.Order, cost *decimal.Decimal) []orders.FieldChange {
	prevCost, prevTotal := o.Totals.ShippingCost, o.Totals.Total
	if cost != nil {
		c := *cost
		cost = &c
	}
	o.Totals.ShippingCost = cost
	o.Recalculate()

	var changes []orders.FieldChange
	if !sameCost(prevCost, cost) {
		changes = append(changes, orders.FieldChange{Field: "totals.shipping_cost", From: prevCost, To: cost})
	}
	if !prevTotal.Equal(o.Totals.Total) {
		changes = append(changes, orders.FieldChange{Field: "totals.total", From: prevTotal, To: o.Totals.Total})
	}
	return changes
}

func sameCost(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (m *Machine) published(ctx context.Context, o *orders.Order, entry orders.StatusEntry) {
	patches := []orders.PatchOp{
		{Path: "status", Value: o.Status},
		{Path: "totals", Value: o.Totals},
	}
	patches = append(patches, orders.FinancialsPatches(o.Final.Financials)...)
	m.Notify.Patch(ctx, orders.AdminPatch{OrderID: o.ID, Patches: patches, NewStatusEntry: &entry})
	m.Notify.Event(ctx, orders.TopicOrderStatusChanged, o.ID, orders.EventOrderStatusChanged, orders.OrderStatusChangedPayload{
		OrderID: o.ID,
		Entry:   entry,
	})
	if m.Cache != nil {
		if err := m.Cache.CacheStatus(context.WithoutCancel(ctx), o.ID, string(o.Status), o.UpdatedAt); err != nil {
			m.Log.Warn("status cache write failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}
