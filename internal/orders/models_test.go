package orders

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestProductAvailable(t *testing.T) {
	assert.Equal(t, 3, Product{Stock: 5, Reserved: 2}.Available())
	assert.Equal(t, 0, Product{Stock: 2, Reserved: 2}.Available())
	assert.Equal(t, 0, Product{Stock: 1, Reserved: 4}.Available())
}

func TestRecalculate(t *testing.T) {
	o := &Order{Header: Header{Items: []Item{
		{ProductID: "a", Quantity: 2, Price: dec("10.00"), Discount: dec("10")},
		{ProductID: "b", Quantity: 1, Price: dec("5.55")},
	}}}
	o.Recalculate()
	assert.Equal(t, "23.55", o.Totals.ItemsTotal.StringFixed(2))
	assert.Equal(t, "23.55", o.Totals.Total.StringFixed(2))

	ship := dec("4.45")
	o.Totals.ShippingCost = &ship
	o.Recalculate()
	assert.Equal(t, "28.00", o.Totals.Total.StringFixed(2))
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := NewDraft(Header{ID: "d"}, DraftDetails{ExpiresAt: now})
	assert.True(t, d.Expired(now))
	assert.False(t, d.Expired(now.Add(-time.Second)))
	assert.Equal(t, StatusDraft, d.Status)

	f := NewFinal(Header{ID: "f", Status: StatusConfirmed}, FinalDetails{})
	assert.False(t, f.Expired(now.Add(time.Hour)))
}

func TestSequencePerDeliveryMethod(t *testing.T) {
	statuses := func(m DeliveryMethod) []Status {
		var out []Status
		for _, s := range Sequence(m) {
			out = append(out, s.Status)
		}
		return out
	}

	assert.Equal(t, []Status{StatusConfirmed, StatusProcessing, StatusReadyForPickup, StatusPickedUp, StatusCompleted}, statuses(DeliveryPickup))
	assert.Equal(t, []Status{StatusConfirmed, StatusProcessing, StatusInTransit, StatusDelivered, StatusCompleted}, statuses(DeliveryCourier))
	assert.Equal(t, []Status{StatusConfirmed, StatusProcessing, StatusReadyForShipment, StatusInTransit, StatusDelivered, StatusCompleted}, statuses(DeliveryTransport))
}

func TestPatchJSON(t *testing.T) {
	var body struct {
		Name    Patch[string]  `json:"name"`
		Comment Patch[string]  `json:"comment"`
		Contact Patch[Contact] `json:"contact"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Ana","comment":null}`), &body))

	v, ok := body.Name.Value()
	assert.True(t, ok)
	assert.Equal(t, "Ana", v)
	assert.True(t, body.Comment.IsUnset())
	assert.False(t, body.Contact.Present())
}

func TestMerge(t *testing.T) {
	s := "old"
	assert.False(t, Merge(&s, Patch[string]{}, Equal[string]))
	assert.False(t, Merge(&s, Set("old"), Equal[string]))
	assert.True(t, Merge(&s, Set("new"), Equal[string]))
	assert.Equal(t, "new", s)
	assert.True(t, Merge(&s, Unset[string](), Equal[string]))
	assert.Equal(t, "", s)

	var c *Contact
	assert.True(t, MergePtr(&c, Set(Contact{Name: "A"}), Equal[Contact]))
	assert.False(t, MergePtr(&c, Set(Contact{Name: "A"}), Equal[Contact]))
	assert.True(t, MergePtr(&c, Unset[Contact](), Equal[Contact]))
	assert.Nil(t, c)
}
