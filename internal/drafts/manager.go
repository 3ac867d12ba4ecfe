package drafts

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/reconcile"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-storefront-orders/internal/drafts")

type Config struct {
	MinOrderAmount decimal.Decimal
	TTL            time.Duration
	BatchSize      int
	Backoff        Backoff
}

type Manager struct {
	Store     orders.Store
	Inventory *inventory.Ledger
	Config    Config
	Now       func() time.Time
	Log       *zap.Logger
}

func NewManager(store orders.Store, inv *inventory.Ledger, cfg Config, log *zap.Logger) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{Store: store, Inventory: inv, Config: cfg, Now: time.Now, Log: log}
}

type CreateInput struct {
	Lines       []orders.CartLine  `json:"lines"`
	Preferences orders.Preferences `json:"preferences"`
}

type Result struct {
	Draft       *orders.Order           `json:"draft"`
	Adjustments []reconcile.Adjustment  `json:"adjustments"`
	Products    []reconcile.ProductView `json:"products"`
	Cart        reconcile.CartView      `json:"cart"`
}

func (in CreateInput) validate() error {
	if len(in.Lines) == 0 {
		return apperr.Validation("cart is empty")
	}
	for _, l := range in.Lines {
		if l.ProductID == "" {
			return apperr.Validation("line without product id")
		}
		if l.Quantity <= 0 {
			return apperr.Validation("invalid quantity %d for product %s", l.Quantity, l.ProductID)
		}
	}
	if d := in.Preferences.Delivery; d != nil && d.Method != "" && !d.Method.Valid() {
		return apperr.Validation("unknown delivery method %q", d.Method)
	}
	return nil
}

func (m *Manager) belowMinimum(total decimal.Decimal) bool {
	return total.LessThan(m.Config.MinOrderAmount)
}

func (m *Manager) limitation(total decimal.Decimal, adjs []reconcile.Adjustment) error {
	e := apperr.Limitation(apperr.ReasonBelowMinimum, "order total %s is below the minimum of %s",
		total.StringFixed(2), m.Config.MinOrderAmount.StringFixed(2))
	e.Details = adjs
	return e
}

// Create replaces the customer's draft with a new one holding a reservation for
// every line of the reconciled cart snapshot.
func (m *Manager) Create(ctx context.Context, actor orders.Actor, in CreateInput) (*Result, error) {
	ctx, span := tracer.Start(ctx, "drafts.Create")
	defer span.End()

	if actor.ID == "" {
		return nil, apperr.Forbidden("anonymous checkout is not allowed")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	customerID := actor.ID
	span.SetAttributes(attribute.String("customer_id", customerID))

	if err := m.discardForCustomer(ctx, customerID); err != nil {
		return nil, err
	}

	discount := CustomerDiscount(ctx, m.Store, customerID)
	catalog, err := m.Store.GetProducts(ctx, reconcile.ProductIDs(in.Lines))
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	res := reconcile.Reconcile(in.Lines, catalog, reconcile.Options{CustomerDiscount: discount})
	if len(res.Items) == 0 || m.belowMinimum(res.Total) {
		return nil, m.limitation(res.Total, res.Adjustments)
	}

	items, adjs, err := m.reserveAll(ctx, res.Items, res.Adjustments, catalog, discount)
	if err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	draft := orders.NewDraft(orders.Header{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Items:      items,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, orders.DraftDetails{
		ExpiresAt:   now.Add(m.Config.TTL),
		Preferences: in.Preferences,
	})
	draft.Recalculate()

	err = m.Store.InTx(ctx, func(tx orders.Store) error {
		if err := tx.InsertOrder(ctx, draft); err != nil {
			return err
		}
		return tx.SaveCart(ctx, orders.Cart{CustomerID: customerID, Lines: reconcile.LinesFromItems(items)})
	})
	if err != nil {
		m.releaseDetached(ctx, items)
		if errors.Is(err, orders.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.ReasonDuplicateDraft, "another checkout is in progress for this customer")
		}
		return nil, fmt.Errorf("insert draft: %w", err)
	}

	m.Log.Info("draft created",
		zap.String("order_id", draft.ID),
		zap.String("customer_id", customerID),
		zap.Int("items", len(items)),
		zap.Int("adjustments", len(adjs)),
	)

	products, cart := views(draft.Items, catalog)
	return &Result{Draft: draft, Adjustments: adjs, Products: products, Cart: cart}, nil
}

// reserveAll reserves items in batches. Lines that fail to reserve are re-read and
// re-reconciled before the next attempt, and the re-read products replace their
// entries in catalog; every reservation taken is released on any failing exit.
func (m *Manager) reserveAll(ctx context.Context, items []orders.Item, adjs []reconcile.Adjustment, catalog map[string]orders.Product, discount decimal.Decimal) ([]orders.Item, []reconcile.Adjustment, error) {
	var held []orders.Item
	fail := func(err error) ([]orders.Item, []reconcile.Adjustment, error) {
		m.releaseDetached(ctx, held)
		return nil, nil, err
	}

	pending := append([]orders.Item(nil), items...)
	for attempt := 1; ; attempt++ {
		var failed []orders.Item
		for start := 0; start < len(pending); start += m.Config.BatchSize {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
			batch := pending[start:min(start+m.Config.BatchSize, len(pending))]
			ok, bad, err := m.Inventory.ReserveBatch(ctx, batch)
			held = append(held, ok...)
			if err != nil {
				return fail(err)
			}
			failed = append(failed, bad...)
		}
		if len(failed) == 0 {
			return items, adjs, nil
		}

		m.Log.Debug("reservation retry", zap.Int("attempt", attempt), zap.Int("failed", len(failed)))
		if m.Config.Backoff.exhausted(attempt) {
			e := apperr.Limitation(apperr.ReasonInsufficientStock, "stock could not be reserved after %d attempts", attempt)
			e.Details = adjs
			return fail(e)
		}
		if err := m.Config.Backoff.wait(ctx, attempt); err != nil {
			return fail(err)
		}

		lines := reconcile.LinesFromItems(failed)
		fresh, err := m.Store.GetProducts(ctx, reconcile.ProductIDs(lines))
		if err != nil {
			return fail(fmt.Errorf("reload products: %w", err))
		}
		maps.Copy(catalog, fresh)
		sub := reconcile.Reconcile(lines, fresh, reconcile.Options{CustomerDiscount: discount})
		items, adjs = mergeResult(items, adjs, failed, sub)

		total := sumItems(items)
		if len(items) == 0 || m.belowMinimum(total) {
			return fail(m.limitation(total, adjs))
		}
		pending = sub.Items
	}
}

// mergeResult replaces the failed lines in items with their re-reconciled version,
// keyed by product id, and folds the new adjustments into adjs so each product keeps
// one adjustment measured from the original snapshot.
func mergeResult(items []orders.Item, adjs []reconcile.Adjustment, failed []orders.Item, sub reconcile.Result) ([]orders.Item, []reconcile.Adjustment) {
	replaced := make(map[string]orders.Item, len(sub.Items))
	for _, it := range sub.Items {
		replaced[it.ProductID] = it
	}
	isFailed := make(map[string]bool, len(failed))
	for _, it := range failed {
		isFailed[it.ProductID] = true
	}

	out := make([]orders.Item, 0, len(items))
	for _, it := range items {
		if !isFailed[it.ProductID] {
			out = append(out, it)
			continue
		}
		if r, ok := replaced[it.ProductID]; ok {
			out = append(out, r)
		}
	}

	for _, n := range sub.Adjustments {
		i := indexOf(adjs, n.ProductID)
		if i < 0 {
			adjs = append(adjs, n)
			continue
		}
		adjs[i] = combine(adjs[i], n)
	}
	return out, adjs
}

func combine(prev, next reconcile.Adjustment) reconcile.Adjustment {
	if next.Removed {
		return next
	}
	out := reconcile.Adjustment{ProductID: prev.ProductID}
	out.Quantity = next.Quantity
	if prev.Quantity != nil && next.Quantity != nil {
		out.Quantity = &reconcile.QuantityChange{From: prev.Quantity.From, To: next.Quantity.To}
	} else if prev.Quantity != nil {
		out.Quantity = prev.Quantity
	}
	out.Price = next.Price
	if prev.Price != nil && next.Price != nil {
		out.Price = &reconcile.PriceChange{From: prev.Price.From, To: next.Price.To}
	} else if prev.Price != nil {
		out.Price = prev.Price
	}
	out.Discount = next.Discount
	if prev.Discount != nil && next.Discount != nil {
		out.Discount = &reconcile.DiscountChange{From: prev.Discount.From, To: next.Discount.To, Source: next.Discount.Source}
	} else if prev.Discount != nil {
		out.Discount = prev.Discount
	}
	return out
}

func indexOf(adjs []reconcile.Adjustment, productID string) int {
	for i, a := range adjs {
		if a.ProductID == productID {
			return i
		}
	}
	return -1
}

func sumItems(items []orders.Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return total
}

// releaseDetached releases held units even when ctx is already cancelled.
func (m *Manager) releaseDetached(ctx context.Context, items []orders.Item) {
	if len(items) == 0 {
		return
	}
	if err := m.Inventory.ReleaseItems(context.WithoutCancel(ctx), items); err != nil {
		m.Log.Error("leaked reservation", zap.Error(err))
	}
}

func (m *Manager) discardForCustomer(ctx context.Context, customerID string) error {
	existing, err := m.Store.FindDraftByCustomer(ctx, customerID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find draft: %w", err)
	}
	return Discard(ctx, m.Store, m.Inventory, existing.ID)
}

// Discard releases a draft's reservations and deletes it in one transactional
// scope. A draft that is already gone is not an error.
func Discard(ctx context.Context, store orders.Store, inv *inventory.Ledger, draftID string) error {
	return store.InTx(ctx, func(tx orders.Store) error {
		o, err := tx.GetOrder(ctx, draftID)
		if errors.Is(err, orders.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !o.IsDraft() {
			return nil
		}
		if err := inv.With(tx).ReleaseItems(ctx, o.Items); err != nil {
			return err
		}
		return tx.DeleteOrder(ctx, o.ID)
	})
}

// CustomerDiscount returns the customer's personal discount, zero when unknown.
func CustomerDiscount(ctx context.Context, store orders.CustomerStore, customerID string) decimal.Decimal {
	c, err := store.GetCustomer(ctx, customerID)
	if err != nil {
		return decimal.Zero
	}
	return c.Discount
}

func views(items []orders.Item, catalog map[string]orders.Product) ([]reconcile.ProductView, reconcile.CartView) {
	products := make([]reconcile.ProductView, 0, len(items))
	cart := reconcile.CartView{Lines: []reconcile.CartLineView{}, Total: decimal.Zero}
	for _, it := range items {
		p := catalog[it.ProductID]
		products = append(products, reconcile.ProductView{
			ID: p.ID, Name: p.Name, SKU: p.SKU, Price: p.Price, Discount: p.Discount,
			Available: p.Available(), ImageKey: p.ImageKey,
		})
		cart.Lines = append(cart.Lines, reconcile.CartLineView{
			ProductID: it.ProductID, Name: p.Name, Quantity: it.Quantity,
			UnitPrice: it.UnitPrice(), LineTotal: it.LineTotal(),
		})
		cart.Total = cart.Total.Add(it.LineTotal())
	}
	return products, cart
}

// get loads a draft the actor may access.
func get(ctx context.Context, store orders.OrderStore, actor orders.Actor, id string) (*orders.Order, error) {
	o, err := store.GetOrder(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, apperr.NotFound("draft %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	if !actor.CanAccess(o.CustomerID) {
		return nil, apperr.Forbidden("draft %s belongs to another customer", id)
	}
	if !o.IsDraft() {
		return nil, apperr.Conflict(apperr.ReasonNotDraft, "order %s is not a draft", id)
	}
	return o, nil
}

// Load returns the draft re-synced against the live catalog. An expired draft, or
// one whose item set no longer matches the customer's cart, is discarded.
func (m *Manager) Load(ctx context.Context, actor orders.Actor, id string) (*Result, error) {
	o, err := get(ctx, m.Store, actor, id)
	if err != nil {
		return nil, err
	}
	if o.Expired(m.Now()) {
		if err := Discard(ctx, m.Store, m.Inventory, o.ID); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict(apperr.ReasonDraftExpired, "draft %s has expired", id)
	}

	cart, err := m.Store.GetCart(ctx, o.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if !sameItems(cart.Lines, o.Quantities()) {
		if err := Discard(ctx, m.Store, m.Inventory, o.ID); err != nil {
			return nil, err
		}
		m.Log.Info("draft discarded on cart mismatch", zap.String("order_id", o.ID))
		return nil, apperr.Conflict(apperr.ReasonCartMismatch, "cart changed since checkout started")
	}

	catalog, err := m.Store.GetProducts(ctx, reconcile.ProductIDs(reconcile.LinesFromItems(o.Items)))
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	res := reconcile.Reconcile(reconcile.LinesFromItems(o.Items), catalog, reconcile.Options{
		CustomerDiscount: CustomerDiscount(ctx, m.Store, o.CustomerID),
		Held:             o.Quantities(),
	})
	return &Result{Draft: o, Adjustments: res.Adjustments, Products: res.Products, Cart: res.Cart}, nil
}

// sameItems reports whether cart lines and draft quantities name the same
// products with the same quantities.
func sameItems(lines []orders.CartLine, qty map[string]int) bool {
	got := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity > 0 {
			got[l.ProductID] += l.Quantity
		}
	}
	if len(got) != len(qty) {
		return false
	}
	for id, n := range qty {
		if got[id] != n {
			return false
		}
	}
	return true
}

// DraftPatch edits checkout preferences. Absent fields are left alone; null
// clears the field.
type DraftPatch struct {
	Contact       orders.Patch[orders.Contact]  `json:"contact"`
	Delivery      orders.Patch[orders.Delivery] `json:"delivery"`
	PaymentMethod orders.Patch[string]          `json:"payment_method"`
	Comment       orders.Patch[string]          `json:"comment"`
}

func (p DraftPatch) validate() error {
	if d, ok := p.Delivery.Value(); ok && !d.Method.Valid() {
		return apperr.Validation("unknown delivery method %q", d.Method)
	}
	return nil
}

// Update stores preference changes. Reservations are not touched.
func (m *Manager) Update(ctx context.Context, actor orders.Actor, id string, p DraftPatch) (*orders.Order, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	var out *orders.Order
	err := m.Store.InTx(ctx, func(tx orders.Store) error {
		o, err := get(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if o.Expired(m.Now()) {
			return apperr.Conflict(apperr.ReasonDraftExpired, "draft %s has expired", id)
		}
		prefs := &o.Draft.Preferences
		changed := orders.MergePtr(&prefs.Contact, p.Contact, orders.Equal[orders.Contact])
		changed = orders.MergePtr(&prefs.Delivery, p.Delivery, orders.Equal[orders.Delivery]) || changed
		changed = orders.Merge(&prefs.PaymentMethod, p.PaymentMethod, orders.Equal[string]) || changed
		changed = orders.Merge(&prefs.Comment, p.Comment, orders.Equal[string]) || changed
		if !changed {
			return apperr.NoChange("draft %s unchanged", id)
		}
		o.UpdatedAt = m.Now().UTC()
		out = o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete releases the draft's reservations and removes it.
func (m *Manager) Delete(ctx context.Context, actor orders.Actor, id string) error {
	if _, err := get(ctx, m.Store, actor, id); err != nil {
		return err
	}
	if err := Discard(ctx, m.Store, m.Inventory, id); err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	m.Log.Info("draft deleted", zap.String("order_id", id), zap.String("actor", actor.ID))
	return nil
}
