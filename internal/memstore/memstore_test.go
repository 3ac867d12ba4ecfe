package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutProduct(orders.Product{ID: "p1", Stock: 5})
	s.PutCart(orders.Cart{CustomerID: "c1", Lines: []orders.CartLine{{ProductID: "p1", Quantity: 1}}})

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx orders.Store) error {
		ok, err := tx.ReserveStock(ctx, "p1", 2)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.CommitStock(ctx, "p1", 2))
		require.NoError(t, tx.ClearCart(ctx, "c1"))
		require.NoError(t, tx.InsertOrder(ctx, orders.NewDraft(orders.Header{ID: "d1", CustomerID: "c1"}, orders.DraftDetails{})))
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, _ := s.Product("p1")
	assert.Equal(t, 5, p.Stock)
	assert.Equal(t, 0, p.Reserved)
	cart, _ := s.GetCart(ctx, "c1")
	assert.Len(t, cart.Lines, 1)
	assert.Equal(t, 0, s.OrderCount())
}

func TestOneDraftPerCustomer(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertOrder(ctx, orders.NewDraft(orders.Header{ID: "d1", CustomerID: "c1"}, orders.DraftDetails{})))
	err := s.InsertOrder(ctx, orders.NewDraft(orders.Header{ID: "d2", CustomerID: "c1"}, orders.DraftDetails{}))
	assert.ErrorIs(t, err, orders.ErrDuplicate)
}

func TestGuardOnlyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutOrder(orders.NewFinal(orders.Header{ID: "o1", Status: orders.StatusConfirmed}, orders.FinalDetails{Number: 1}))

	ok, err := s.BeginOnlineTransaction(ctx, "o1", orders.OnlineTransaction{Type: orders.OnlinePayment, Status: orders.OnlineInit})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginOnlineTransaction(ctx, "o1", orders.OnlineTransaction{Type: orders.OnlineRefund, Status: orders.OnlineInit})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ClearOnlineTransaction(ctx, "o1"))
	ok, err = s.UpdateOnlineTransaction(ctx, "o1", orders.OnlineTransaction{Status: orders.OnlineProcessing})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardWaitsForOpenScope(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutOrder(orders.NewFinal(orders.Header{ID: "o1", Status: orders.StatusConfirmed}, orders.FinalDetails{Number: 1}))

	began := make(chan bool, 1)
	err := s.InTx(ctx, func(tx orders.Store) error {
		cur, err := tx.GetOrder(ctx, "o1")
		if err != nil {
			return err
		}
		go func() {
			ok, _ := s.BeginOnlineTransaction(ctx, "o1", orders.OnlineTransaction{Type: orders.OnlinePayment, Status: orders.OnlineInit})
			began <- ok
		}()
		select {
		case <-began:
			assert.Fail(t, "guard written while the order was locked")
		case <-time.After(50 * time.Millisecond):
		}
		cur.Final.AdminNote = "edited"
		return tx.UpdateOrder(ctx, cur)
	})
	require.NoError(t, err)
	assert.True(t, <-began)

	o, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "edited", o.Final.AdminNote)
	require.NotNil(t, o.Final.Financials.CurrentOnlineTransaction)

	ok, err := s.BeginOnlineTransaction(ctx, "o1", orders.OnlineTransaction{Type: orders.OnlinePayment, Status: orders.OnlineInit})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardRefusesPaymentOnCancelledOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutOrder(orders.NewFinal(orders.Header{ID: "o1", Status: orders.StatusCancelled}, orders.FinalDetails{Number: 1}))

	ok, err := s.BeginOnlineTransaction(ctx, "o1", orders.OnlineTransaction{Type: orders.OnlinePayment, Status: orders.OnlineInit})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.BeginOnlineTransaction(ctx, "o1", orders.OnlineTransaction{Type: orders.OnlineRefund, Status: orders.OnlineInit})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredDraftsSkipLocked(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	s.PutOrder(orders.NewDraft(orders.Header{ID: "a", CustomerID: "c1"}, orders.DraftDetails{ExpiresAt: now.Add(-time.Minute)}))
	s.PutOrder(orders.NewDraft(orders.Header{ID: "b", CustomerID: "c2"}, orders.DraftDetails{ExpiresAt: now.Add(-time.Minute)}))
	s.PutOrder(orders.NewDraft(orders.Header{ID: "c", CustomerID: "c3"}, orders.DraftDetails{ExpiresAt: now.Add(time.Hour)}))

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.InTx(ctx, func(tx orders.Store) error {
			_, _ = tx.GetOrder(ctx, "a")
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.InTx(ctx, func(tx orders.Store) error {
		got, err := tx.ListExpiredDrafts(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].ID)
		return nil
	})
	require.NoError(t, err)
	close(release)
	<-done
}
