package status

import (
	"context"
	"strings"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"go.uber.org/zap"
)

type ItemQuantity struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// OrderPatch edits a confirmed order. Items only change quantities of lines the
// order already has; zero removes the line.
type OrderPatch struct {
	Contact         orders.Patch[orders.Contact] `json:"contact"`
	DeliveryAddress orders.Patch[string]         `json:"delivery_address"`
	Comment         orders.Patch[string]         `json:"comment"`
	AdminNote       orders.Patch[string]         `json:"admin_note"`
	Items           []ItemQuantity               `json:"items,omitempty"`
}

func (p OrderPatch) validate() error {
	var problems []string
	if p.Contact.IsUnset() {
		problems = append(problems, "contact cannot be removed")
	}
	if c, ok := p.Contact.Value(); ok && (strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Phone) == "") {
		problems = append(problems, "contact.name and contact.phone are required")
	}
	seen := map[string]bool{}
	for _, it := range p.Items {
		if it.Quantity < 0 {
			problems = append(problems, "items."+it.ProductID+": quantity must not be negative")
		}
		if seen[it.ProductID] {
			problems = append(problems, "items."+it.ProductID+": listed twice")
		}
		seen[it.ProductID] = true
	}
	if len(problems) > 0 {
		return apperr.Validation("invalid order patch: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Edit applies p while the order is still editable. Quantity changes move stock
// directly, since the units are already committed.
func (m *Machine) Edit(ctx context.Context, actor orders.Actor, orderID string, p OrderPatch) (*orders.Order, error) {
	ctx, span := tracer.Start(ctx, "status.Edit")
	defer span.End()

	if !actor.IsStaff() {
		return nil, apperr.Forbidden("only staff may edit confirmed orders")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	var (
		out   *orders.Order
		entry orders.AuditEntry
	)
	err := m.Store.InTx(ctx, func(tx orders.Store) error {
		o, err := load(ctx, tx, actor, orderID)
		if err != nil {
			return err
		}
		if !o.Status.Editable() {
			return apperr.Conflict(apperr.ReasonNotEditable, "order %s cannot be edited in status %s", orderID, o.Status)
		}
		f := o.Final
		var changes []orders.FieldChange

		prevContact := f.Contact
		if orders.Merge(&f.Contact, p.Contact, orders.Equal[orders.Contact]) {
			changes = append(changes, orders.FieldChange{Field: "contact", From: prevContact, To: f.Contact})
		}
		if p.DeliveryAddress.Present() {
			if f.Delivery.Method == orders.DeliveryPickup {
				return apperr.Validation("pickup orders have no delivery address")
			}
			prev := f.Delivery.Address
			if orders.Merge(&f.Delivery.Address, p.DeliveryAddress, orders.Equal[string]) {
				if strings.TrimSpace(f.Delivery.Address) == "" {
					return apperr.Validation("delivery.address is required for %s delivery", f.Delivery.Method)
				}
				changes = append(changes, orders.FieldChange{Field: "delivery.address", From: prev, To: f.Delivery.Address})
			}
		}
		for _, fld := range []struct {
			name string
			dst  *string
			p    orders.Patch[string]
		}{
			{"comment", &f.Comment, p.Comment},
			{"admin_note", &f.AdminNote, p.AdminNote},
		} {
			prev := *fld.dst
			if orders.Merge(fld.dst, fld.p, orders.Equal[string]) {
				changes = append(changes, orders.FieldChange{Field: fld.name, From: prev, To: *fld.dst})
			}
		}

		itemChanges, err := m.editItems(ctx, tx, o, p.Items)
		if err != nil {
			return err
		}
		changes = append(changes, itemChanges...)

		if len(changes) == 0 {
			return apperr.NoChange("order %s unchanged", orderID)
		}

		financials.Recompute(o)
		entry = orders.AuditEntry{Actor: actor, At: m.Now().UTC(), Changes: changes}
		f.AuditLog = append(f.AuditLog, entry)
		o.UpdatedAt = entry.At
		out = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	m.Log.Info("order edited", zap.String("order_id", orderID), zap.Int("changes", len(entry.Changes)))
	patches := []orders.PatchOp{
		{Path: "items", Value: out.Items},
		{Path: "totals", Value: out.Totals},
		{Path: "contact", Value: out.Final.Contact},
		{Path: "delivery", Value: out.Final.Delivery},
		{Path: "comment", Value: out.Final.Comment},
		{Path: "admin_note", Value: out.Final.AdminNote},
		{Path: "audit_log", Value: out.Final.AuditLog},
	}
	patches = append(patches, orders.FinancialsPatches(out.Final.Financials)...)
	m.Notify.Patch(ctx, orders.AdminPatch{OrderID: out.ID, Patches: patches})
	m.Notify.Event(ctx, orders.TopicOrderEdited, out.ID, orders.EventOrderEdited, orders.OrderEditedPayload{
		OrderID: out.ID,
		Entry:   entry,
	})
	return out, nil
}

func (m *Machine) editItems(ctx context.Context, tx orders.Store, o *orders.Order, want []ItemQuantity) ([]orders.FieldChange, error) {
	if len(want) == 0 {
		return nil, nil
	}
	inv := m.Inventory.With(tx)
	idx := make(map[string]int, len(o.Items))
	for i, it := range o.Items {
		idx[it.ProductID] = i
	}

	var changes []orders.FieldChange
	for _, w := range want {
		i, ok := idx[w.ProductID]
		if !ok {
			return nil, apperr.Validation("product %s is not part of order %s", w.ProductID, o.ID)
		}
		cur := o.Items[i].Quantity
		if cur == w.Quantity {
			continue
		}
		// Ordering more takes from stock; ordering less gives back.
		ok, err := inv.AdjustAfterCommit(ctx, w.ProductID, cur-w.Quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Limitation(apperr.ReasonInsufficientStock, "not enough stock of %s for %d more", w.ProductID, w.Quantity-cur)
		}
		o.Items[i].Quantity = w.Quantity
		changes = append(changes, orders.FieldChange{Field: "items." + w.ProductID + ".quantity", From: cur, To: w.Quantity})
	}
	if len(changes) == 0 {
		return nil, nil
	}

	kept := o.Items[:0]
	for _, it := range o.Items {
		if it.Quantity > 0 {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return nil, apperr.Validation("an order must keep at least one item; cancel it instead")
	}
	o.Items = kept

	prevTotal := o.Totals.Total
	o.Recalculate()
	if !prevTotal.Equal(o.Totals.Total) {
		changes = append(changes, orders.FieldChange{Field: "totals.total", From: prevTotal, To: o.Totals.Total})
	}
	return changes, nil
}
