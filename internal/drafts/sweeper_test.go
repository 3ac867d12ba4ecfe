package drafts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func putDraft(s *memstore.Store, id, customerID string, expires time.Time, items ...orders.Item) {
	o := orders.NewDraft(orders.Header{ID: id, CustomerID: customerID, Items: items, CreatedAt: t0}, orders.DraftDetails{ExpiresAt: expires})
	s.PutOrder(o)
}

func TestSweepReleasesExpiredDraft(t *testing.T) {
	s := memstore.New()
	s.PutProduct(orders.Product{ID: "p", Stock: 10, Reserved: 6, IsActive: true, Price: d("1")})
	putDraft(s, "old", "c1", t0.Add(-time.Minute), orders.Item{ProductID: "p", Quantity: 4})
	putDraft(s, "live", "c2", t0.Add(time.Minute), orders.Item{ProductID: "p", Quantity: 2})

	sw := NewSweeper(s, inventory.New(s, nil), 10, zap.NewNop())
	sw.Now = func() time.Time { return t0 }

	n, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, reserved(t, s, "p"))

	_, err = s.GetOrder(context.Background(), "old")
	assert.ErrorIs(t, err, orders.ErrNotFound)
	_, err = s.GetOrder(context.Background(), "live")
	assert.NoError(t, err)
}

func TestSweepBatches(t *testing.T) {
	s := memstore.New()
	s.PutProduct(orders.Product{ID: "p", Stock: 100, Reserved: 7, IsActive: true, Price: d("1")})
	for i := range 7 {
		putDraft(s, fmt.Sprintf("d%d", i), fmt.Sprintf("c%d", i), t0, orders.Item{ProductID: "p", Quantity: 1})
	}

	sw := NewSweeper(s, inventory.New(s, nil), 3, nil)
	sw.Now = func() time.Time { return t0 }

	n, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 0, reserved(t, s, "p"))
	assert.Equal(t, 0, s.OrderCount())
}

func TestSweeperRunOnTrigger(t *testing.T) {
	s := memstore.New()
	s.PutProduct(orders.Product{ID: "p", Stock: 10, Reserved: 4, IsActive: true, Price: d("1")})
	putDraft(s, "old", "c1", t0.Add(-time.Second), orders.Item{ProductID: "p", Quantity: 4})

	sw := NewSweeper(s, inventory.New(s, nil), 10, nil)
	sw.Now = func() time.Time { return t0 }

	ctx, cancel := context.WithCancel(context.Background())
	trigger := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx, trigger) }()

	trigger <- t0
	// the second send only completes once the first sweep has returned
	trigger <- t0
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 0, reserved(t, s, "p"))
	assert.Equal(t, 0, s.OrderCount())
}
