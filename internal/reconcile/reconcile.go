// Package reconcile compares a client-held cart snapshot with live catalog state
// and computes the corrected cart plus the list of adjustments the client must see.
// It performs no I/O.
package reconcile

import (
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/shopspring/decimal"
)

type Reason string

const (
	ReasonDeleted    Reason = "deleted"
	ReasonInactive   Reason = "inactive"
	ReasonOutOfStock Reason = "outOfStock"
)

type QuantityChange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type PriceChange struct {
	From decimal.Decimal `json:"from"`
	To   decimal.Decimal `json:"to"`
}

type DiscountChange struct {
	From   decimal.Decimal       `json:"from"`
	To     decimal.Decimal       `json:"to"`
	Source orders.DiscountSource `json:"source"`
}

type Adjustment struct {
	ProductID string          `json:"product_id"`
	Removed   bool            `json:"removed,omitempty"`
	Reason    Reason          `json:"reason,omitempty"`
	Quantity  *QuantityChange `json:"quantity,omitempty"`
	Price     *PriceChange    `json:"price,omitempty"`
	Discount  *DiscountChange `json:"discount,omitempty"`
}

type Options struct {
	CustomerDiscount decimal.Decimal
	// Held is the quantity per product already reserved by the draft being
	// re-synced; it counts as available to that draft.
	Held map[string]int
}

type ProductView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	Discount  decimal.Decimal `json:"discount"`
	Available int             `json:"available"`
	ImageKey  string          `json:"image_key,omitempty"`
}

type CartLineView struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type CartView struct {
	Lines []CartLineView  `json:"lines"`
	Total decimal.Decimal `json:"total"`
}

type Result struct {
	Lines       []orders.CartLine `json:"lines"`
	Items       []orders.Item     `json:"items"`
	Adjustments []Adjustment      `json:"adjustments"`
	Products    []ProductView     `json:"products"`
	Cart        CartView          `json:"cart"`
	Total       decimal.Decimal   `json:"total"`
}

func (r Result) Changed() bool { return len(r.Adjustments) > 0 }

// EffectiveDiscount picks the larger of the product and customer discounts. Ties go
// to the product.
func EffectiveDiscount(product, customer decimal.Decimal) (decimal.Decimal, orders.DiscountSource) {
	switch {
	case !product.IsPositive() && !customer.IsPositive():
		return decimal.Zero, orders.DiscountNone
	case product.GreaterThanOrEqual(customer):
		return product, orders.DiscountProduct
	default:
		return customer, orders.DiscountCustomer
	}
}

// Reconcile corrects lines against catalog. Duplicate product lines are merged
// first; lines with non-positive quantity are ignored.
func Reconcile(lines []orders.CartLine, catalog map[string]orders.Product, opt Options) Result {
	res := Result{
		Lines:       []orders.CartLine{},
		Items:       []orders.Item{},
		Adjustments: []Adjustment{},
		Products:    []ProductView{},
		Total:       decimal.Zero,
	}

	for _, line := range mergeLines(lines) {
		p, ok := catalog[line.ProductID]
		switch {
		case !ok:
			res.Adjustments = append(res.Adjustments, removed(line.ProductID, ReasonDeleted))
			continue
		case !p.IsActive:
			res.Adjustments = append(res.Adjustments, removed(line.ProductID, ReasonInactive))
			continue
		}

		available := p.Available() + opt.Held[p.ID]
		if available <= 0 {
			res.Adjustments = append(res.Adjustments, removed(line.ProductID, ReasonOutOfStock))
			continue
		}

		discount, source := EffectiveDiscount(p.Discount, opt.CustomerDiscount)
		qty := min(line.Quantity, available)

		adj := Adjustment{ProductID: p.ID}
		if qty != line.Quantity {
			adj.Quantity = &QuantityChange{From: line.Quantity, To: qty}
		}
		if !line.Price.Equal(p.Price) {
			adj.Price = &PriceChange{From: line.Price, To: p.Price}
		}
		if !line.Discount.Equal(discount) {
			adj.Discount = &DiscountChange{From: line.Discount, To: discount, Source: source}
		}
		if adj.Quantity != nil || adj.Price != nil || adj.Discount != nil {
			res.Adjustments = append(res.Adjustments, adj)
		}

		item := orders.Item{
			ProductID:      p.ID,
			Quantity:       qty,
			Price:          p.Price,
			Discount:       discount,
			DiscountSource: source,
		}
		res.Lines = append(res.Lines, orders.CartLine{ProductID: p.ID, Quantity: qty, Price: p.Price, Discount: discount})
		res.Items = append(res.Items, item)
		res.Products = append(res.Products, ProductView{
			ID: p.ID, Name: p.Name, SKU: p.SKU, Price: p.Price, Discount: p.Discount,
			Available: available, ImageKey: p.ImageKey,
		})
		res.Cart.Lines = append(res.Cart.Lines, CartLineView{
			ProductID: p.ID, Name: p.Name, Quantity: qty,
			UnitPrice: item.UnitPrice(), LineTotal: item.LineTotal(),
		})
		res.Total = res.Total.Add(item.LineTotal())
	}
	res.Cart.Total = res.Total
	return res
}

func removed(productID string, r Reason) Adjustment {
	return Adjustment{ProductID: productID, Removed: true, Reason: r}
}

func mergeLines(lines []orders.CartLine) []orders.CartLine {
	idx := make(map[string]int, len(lines))
	out := make([]orders.CartLine, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		if i, ok := idx[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}

// LinesFromItems turns order items back into snapshot lines for re-sync.
func LinesFromItems(items []orders.Item) []orders.CartLine {
	out := make([]orders.CartLine, 0, len(items))
	for _, it := range items {
		out = append(out, orders.CartLine{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price, Discount: it.Discount})
	}
	return out
}

// ProductIDs lists the distinct product ids referenced by lines.
func ProductIDs(lines []orders.CartLine) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			out = append(out, l.ProductID)
		}
	}
	return out
}
