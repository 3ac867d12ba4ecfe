package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID       string          `json:"id"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	Stock    int             `json:"stock"`
	Reserved int             `json:"reserved"`
	IsActive bool            `json:"is_active"`
	Price    decimal.Decimal `json:"price"`
	Discount decimal.Decimal `json:"discount"` // percent, 0..100
	ImageKey string          `json:"image_key,omitempty"`
}

func (p Product) Available() int {
	if a := p.Stock - p.Reserved; a > 0 {
		return a
	}
	return 0
}

type DiscountSource string

const (
	DiscountNone     DiscountSource = "none"
	DiscountProduct  DiscountSource = "product"
	DiscountCustomer DiscountSource = "customer"
)

// Item is one order line. Name, SKU and ImageKey are frozen only on final orders.
type Item struct {
	ProductID      string          `json:"product_id"`
	Quantity       int             `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Discount       decimal.Decimal `json:"discount"`
	DiscountSource DiscountSource  `json:"discount_source"`
	Name           string          `json:"name,omitempty"`
	SKU            string          `json:"sku,omitempty"`
	ImageKey       string          `json:"image_key,omitempty"`
}

func (it Item) UnitPrice() decimal.Decimal { return DiscountedPrice(it.Price, it.Discount) }

func (it Item) LineTotal() decimal.Decimal {
	return it.UnitPrice().Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
}

type Totals struct {
	ItemsTotal   decimal.Decimal  `json:"items_total"`
	ShippingCost *decimal.Decimal `json:"shipping_cost,omitempty"`
	Total        decimal.Decimal  `json:"total"`
}

type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type DeliveryMethod string

const (
	DeliveryPickup    DeliveryMethod = "pickup"
	DeliveryCourier   DeliveryMethod = "courier"
	DeliveryTransport DeliveryMethod = "transport"
)

func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryPickup, DeliveryCourier, DeliveryTransport:
		return true
	}
	return false
}

type Delivery struct {
	Method  DeliveryMethod `json:"method"`
	Address string         `json:"address,omitempty"`
}

// Preferences are the partially-filled checkout choices kept on a draft.
type Preferences struct {
	Contact       *Contact  `json:"contact,omitempty"`
	Delivery      *Delivery `json:"delivery,omitempty"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	Comment       string    `json:"comment,omitempty"`
}

type Kind string

const (
	KindDraft Kind = "draft"
	KindFinal Kind = "final"
)

type Header struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Status     Status    `json:"status"`
	Items      []Item    `json:"items"`
	Totals     Totals    `json:"totals"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type DraftDetails struct {
	ExpiresAt   time.Time   `json:"expires_at"`
	Preferences Preferences `json:"preferences"`
}

type FinalDetails struct {
	Number        int64         `json:"number"`
	Contact       Contact       `json:"contact"`
	Delivery      Delivery      `json:"delivery"`
	PaymentMethod string        `json:"payment_method"`
	Comment       string        `json:"comment,omitempty"`
	AdminNote     string        `json:"admin_note,omitempty"`
	StatusHistory []StatusEntry `json:"status_history"`
	AuditLog      []AuditEntry  `json:"audit_log"`
	Financials    Financials    `json:"financials"`
}

// Order is either a draft or a final order; exactly one of Draft/Final is set,
// matching Kind.
type Order struct {
	Header
	Kind  Kind          `json:"kind"`
	Draft *DraftDetails `json:"draft,omitempty"`
	Final *FinalDetails `json:"final,omitempty"`
}

func NewDraft(h Header, d DraftDetails) *Order {
	h.Status = StatusDraft
	return &Order{Header: h, Kind: KindDraft, Draft: &d}
}

func NewFinal(h Header, f FinalDetails) *Order {
	return &Order{Header: h, Kind: KindFinal, Final: &f}
}

func (o *Order) IsDraft() bool { return o.Kind == KindDraft && o.Draft != nil }
func (o *Order) IsFinal() bool { return o.Kind == KindFinal && o.Final != nil }

func (o *Order) Expired(now time.Time) bool {
	return o.IsDraft() && !now.Before(o.Draft.ExpiresAt)
}

// Recalculate refreshes Totals from the item lines and shipping cost.
func (o *Order) Recalculate() {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.LineTotal())
	}
	o.Totals.ItemsTotal = sum
	o.Totals.Total = sum
	if o.Totals.ShippingCost != nil {
		o.Totals.Total = sum.Add(*o.Totals.ShippingCost)
	}
}

// Quantities maps product id to ordered quantity.
func (o *Order) Quantities() map[string]int {
	out := make(map[string]int, len(o.Items))
	for _, it := range o.Items {
		out[it.ProductID] += it.Quantity
	}
	return out
}

type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from,omitempty"`
	To    any    `json:"to,omitempty"`
}

type StatusEntry struct {
	Status   Status        `json:"status"`
	Previous Status        `json:"previous,omitempty"`
	Action   string        `json:"action"`
	Actor    Actor         `json:"actor"`
	At       time.Time     `json:"at"`
	Reason   string        `json:"reason,omitempty"`
	Changes  []FieldChange `json:"changes,omitempty"`
}

type AuditEntry struct {
	Actor   Actor         `json:"actor"`
	At      time.Time     `json:"at"`
	Changes []FieldChange `json:"changes"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsStaff() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// CanAccess reports whether a may act on an order owned by customerID.
func (a Actor) CanAccess(customerID string) bool {
	return a.IsStaff() || (a.ID != "" && a.ID == customerID)
}

type Customer struct {
	ID         string          `json:"id"`
	Discount   decimal.Decimal `json:"discount"`
	TotalSpent decimal.Decimal `json:"total_spent"`
}

type CartLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Discount  decimal.Decimal `json:"discount"`
}

type Cart struct {
	CustomerID string     `json:"customer_id"`
	Lines      []CartLine `json:"lines"`
}
