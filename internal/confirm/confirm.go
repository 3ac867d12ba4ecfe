// Package confirm turns a draft into an immutable final order.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/drafts"
	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/ariefcatur/go-storefront-orders/internal/images"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/reconcile"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-storefront-orders/internal/confirm")

// Input completes or overrides the preferences stored on the draft.
type Input struct {
	Contact       *orders.Contact  `json:"contact,omitempty"`
	Delivery      *orders.Delivery `json:"delivery,omitempty"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	Comment       string           `json:"comment,omitempty"`
}

// Changed is the detail payload of a MODIFIED answer.
type Changed struct {
	Adjustments []reconcile.Adjustment `json:"adjustments"`
	Draft       *orders.Order          `json:"draft"`
}

type Pipeline struct {
	Store          orders.Store
	Inventory      *inventory.Ledger
	Images         images.Store
	Notify         orders.Notifier
	Critical       critical.Recorder
	MinOrderAmount decimal.Decimal
	Now            func() time.Time
	Log            *zap.Logger
}

func New(store orders.Store, inv *inventory.Ledger, img images.Store, notify orders.Notifier, rec critical.Recorder, minAmount decimal.Decimal, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if notify.Log == nil {
		notify.Log = log
	}
	return &Pipeline{Store: store, Inventory: inv, Images: img, Notify: notify, Critical: rec, MinOrderAmount: minAmount, Now: time.Now, Log: log}
}

type details struct {
	contact  orders.Contact
	delivery orders.Delivery
	payment  string
	comment  string
}

func resolve(prefs orders.Preferences, in Input) (details, error) {
	var d details
	switch {
	case in.Contact != nil:
		d.contact = *in.Contact
	case prefs.Contact != nil:
		d.contact = *prefs.Contact
	}
	switch {
	case in.Delivery != nil:
		d.delivery = *in.Delivery
	case prefs.Delivery != nil:
		d.delivery = *prefs.Delivery
	}
	d.payment = firstNonEmpty(in.PaymentMethod, prefs.PaymentMethod)
	d.comment = firstNonEmpty(in.Comment, prefs.Comment)

	var missing []string
	if strings.TrimSpace(d.contact.Name) == "" {
		missing = append(missing, "contact.name")
	}
	if strings.TrimSpace(d.contact.Phone) == "" {
		missing = append(missing, "contact.phone")
	}
	if !d.delivery.Method.Valid() {
		missing = append(missing, "delivery.method")
	} else if d.delivery.Method != orders.DeliveryPickup && strings.TrimSpace(d.delivery.Address) == "" {
		missing = append(missing, "delivery.address")
	}
	if d.payment == "" {
		missing = append(missing, "payment_method")
	}
	if len(missing) > 0 {
		return d, apperr.Validation("missing checkout details: %s", strings.Join(missing, ", "))
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Confirm converts the draft into a final order. Stale drafts are corrected and
// answered with MODIFIED; the caller must confirm again.
func (p *Pipeline) Confirm(ctx context.Context, actor orders.Actor, draftID string, in Input) (*orders.Order, error) {
	ctx, span := tracer.Start(ctx, "confirm.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("draft_id", draftID))

	draft, err := p.Store.GetOrder(ctx, draftID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, apperr.NotFound("draft %s not found", draftID)
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	if !actor.CanAccess(draft.CustomerID) {
		return nil, apperr.Forbidden("draft %s belongs to another customer", draftID)
	}
	if !draft.IsDraft() {
		return nil, apperr.Conflict(apperr.ReasonNotDraft, "order %s is not a draft", draftID)
	}
	if draft.Expired(p.Now()) {
		if err := drafts.Discard(ctx, p.Store, p.Inventory, draftID); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict(apperr.ReasonDraftExpired, "draft %s has expired", draftID)
	}
	det, err := resolve(draft.Draft.Preferences, in)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	held := draft.Quantities()
	catalog, err := p.Store.GetProducts(ctx, reconcile.ProductIDs(reconcile.LinesFromItems(draft.Items)))
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	res := reconcile.Reconcile(reconcile.LinesFromItems(draft.Items), catalog, reconcile.Options{
		CustomerDiscount: drafts.CustomerDiscount(ctx, p.Store, draft.CustomerID),
		Held:             held,
	})

	if len(res.Items) == 0 || res.Total.LessThan(p.MinOrderAmount) {
		if err := drafts.Discard(ctx, p.Store, p.Inventory, draftID); err != nil {
			return nil, err
		}
		e := apperr.Limitation(apperr.ReasonBelowMinimum, "order total %s is below the minimum of %s",
			res.Total.StringFixed(2), p.MinOrderAmount.StringFixed(2))
		e.Details = res.Adjustments
		return nil, e
	}
	if res.Changed() {
		return nil, p.correct(ctx, draft, res, det)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	items, copied, err := p.snapshot(ctx, orderID, res.Items, catalog)
	if err != nil {
		p.dropImages(ctx, copied)
		return nil, err
	}

	number, err := p.Store.NextSequence(ctx, orders.OrderNumberSequence)
	if err != nil {
		p.dropImages(ctx, copied)
		return nil, fmt.Errorf("next order number: %w", err)
	}

	now := p.Now().UTC()
	final := orders.NewFinal(orders.Header{
		ID:         orderID,
		CustomerID: draft.CustomerID,
		Status:     orders.StatusConfirmed,
		Items:      items,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, orders.FinalDetails{
		Number:        number,
		Contact:       det.contact,
		Delivery:      det.delivery,
		PaymentMethod: det.payment,
		Comment:       det.comment,
		StatusHistory: []orders.StatusEntry{{
			Status: orders.StatusConfirmed,
			Action: "confirm",
			Actor:  actor,
			At:     now,
		}},
		AuditLog:   []orders.AuditEntry{},
		Financials: orders.Financials{EventHistory: []orders.FinancialEvent{}},
	})
	final.Recalculate()
	financials.Recompute(final)

	err = p.Store.InTx(ctx, func(tx orders.Store) error {
		cur, err := tx.GetOrder(ctx, draftID)
		if errors.Is(err, orders.ErrNotFound) {
			return apperr.Conflict(apperr.ReasonNotDraft, "draft %s is gone", draftID)
		}
		if err != nil {
			return err
		}
		if !cur.IsDraft() || !sameQuantities(cur.Quantities(), held) {
			return apperr.Conflict(apperr.ReasonConflict, "draft %s changed during confirmation", draftID)
		}
		if err := tx.InsertOrder(ctx, final); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.DeleteOrder(ctx, draftID); err != nil {
			return fmt.Errorf("delete draft: %w", err)
		}
		if err := p.Inventory.With(tx).CommitItems(ctx, final.Items); err != nil {
			return err
		}
		return tx.ClearCart(ctx, final.CustomerID)
	})
	if err != nil {
		p.dropImages(ctx, copied)
		return nil, err
	}

	p.Log.Info("order confirmed",
		zap.String("order_id", final.ID),
		zap.Int64("number", number),
		zap.String("customer_id", final.CustomerID),
		zap.String("total", final.Totals.Total.String()),
	)
	entry := final.Final.StatusHistory[0]
	p.Notify.Patch(ctx, orders.AdminPatch{
		OrderID:        final.ID,
		Patches:        []orders.PatchOp{{Path: "", Value: final}},
		NewStatusEntry: &entry,
	})
	p.Notify.Event(ctx, orders.TopicOrderConfirmed, final.ID, orders.EventOrderConfirmed, orders.OrderConfirmedPayload{
		OrderID:    final.ID,
		Number:     number,
		CustomerID: final.CustomerID,
		Items:      final.Items,
		Total:      final.Totals.Total,
	})
	return final, nil
}

// correct persists the re-synced draft, gives back reservations it no longer
// needs and reports the adjustments.
func (p *Pipeline) correct(ctx context.Context, draft *orders.Order, res reconcile.Result, det details) error {
	var saved *orders.Order
	err := p.Store.InTx(ctx, func(tx orders.Store) error {
		cur, err := tx.GetOrder(ctx, draft.ID)
		if err != nil {
			return err
		}
		if !cur.IsDraft() {
			return apperr.Conflict(apperr.ReasonNotDraft, "order %s is not a draft", draft.ID)
		}
		keep := make(map[string]int, len(res.Items))
		for _, it := range res.Items {
			keep[it.ProductID] = it.Quantity
		}
		var surplus []orders.Item
		for id, q := range cur.Quantities() {
			if extra := q - keep[id]; extra > 0 {
				surplus = append(surplus, orders.Item{ProductID: id, Quantity: extra})
			}
		}
		if err := p.Inventory.With(tx).ReleaseItems(ctx, surplus); err != nil {
			return err
		}

		cur.Items = res.Items
		cur.Recalculate()
		prefs := &cur.Draft.Preferences
		prefs.Contact = &det.contact
		prefs.Delivery = &det.delivery
		prefs.PaymentMethod = det.payment
		prefs.Comment = det.comment
		cur.UpdatedAt = p.Now().UTC()
		if err := tx.UpdateOrder(ctx, cur); err != nil {
			return err
		}
		saved = cur
		return tx.SaveCart(ctx, orders.Cart{CustomerID: cur.CustomerID, Lines: res.Lines})
	})
	if err != nil {
		return err
	}
	p.Log.Info("draft corrected before confirmation", zap.String("order_id", draft.ID), zap.Int("adjustments", len(res.Adjustments)))
	return apperr.Modified(Changed{Adjustments: res.Adjustments, Draft: saved}, "order data changed, review and confirm again")
}

// snapshot freezes product data on the items and copies each primary image into
// order-scoped storage. Copies made before a failure are returned for cleanup.
func (p *Pipeline) snapshot(ctx context.Context, orderID string, items []orders.Item, catalog map[string]orders.Product) ([]orders.Item, []string, error) {
	out := make([]orders.Item, 0, len(items))
	var copied []string
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, copied, err
		}
		prod := catalog[it.ProductID]
		it.Name = prod.Name
		it.SKU = prod.SKU
		if prod.ImageKey != "" && p.Images != nil {
			dst := images.OrderKey(orderID, prod.ImageKey)
			if err := p.Images.Copy(ctx, prod.ImageKey, dst); err != nil {
				if errors.Is(err, images.ErrMissing) {
					return nil, copied, apperr.Integrity(apperr.ReasonImageMissing, err, "image %s of product %s is missing", prod.ImageKey, prod.ID)
				}
				return nil, copied, fmt.Errorf("copy image: %w", err)
			}
			copied = append(copied, dst)
			it.ImageKey = dst
		}
		out = append(out, it)
	}
	return out, copied, nil
}

// dropImages removes copies left by a failed confirmation. A copy that cannot be
// removed is an orphan someone has to clean up by hand.
func (p *Pipeline) dropImages(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, k := range keys {
		err := p.Images.Delete(ctx, k)
		if err == nil {
			continue
		}
		p.Log.Error("order image not removed", zap.String("key", k), zap.Error(err))
		if p.Critical != nil {
			p.Critical.Record(ctx, critical.Event{
				Kind:    critical.KindImages,
				Message: "order image copy not removed after failed confirmation",
				Error:   err.Error(),
				Data:    map[string]any{"key": k},
			})
		}
	}
}

func sameQuantities(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
