package inventory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLedger(stock int) (*Ledger, *memstore.Store) {
	s := memstore.New()
	s.PutProduct(orders.Product{ID: "p1", Stock: stock, IsActive: true})
	return New(s, zap.NewNop()), s
}

func product(t *testing.T, s *memstore.Store) orders.Product {
	t.Helper()
	p, ok := s.Product("p1")
	require.True(t, ok)
	return p
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(5)

	ok, err := l.Reserve(ctx, "p1", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, product(t, s).Reserved)

	require.NoError(t, l.Release(ctx, "p1", 3))
	assert.Equal(t, 0, product(t, s).Reserved)
	assert.Equal(t, 5, product(t, s).Stock)
}

func TestReserveRefusedWhenShort(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(2)

	ok, err := l.Reserve(ctx, "p1", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, product(t, s).Reserved)

	_, err = l.Reserve(ctx, "p1", 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestReleaseFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(5)
	_, _ = l.Reserve(ctx, "p1", 1)

	require.NoError(t, l.Release(ctx, "p1", 4))
	assert.Equal(t, 0, product(t, s).Reserved)
}

func TestCommitDepletesReservation(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(5)
	_, _ = l.Reserve(ctx, "p1", 3)

	require.NoError(t, l.Commit(ctx, "p1", 3))
	p := product(t, s)
	assert.Equal(t, 2, p.Stock)
	assert.Equal(t, 0, p.Reserved)
}

func TestAdjustAfterCommitKeepsInvariant(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(5)
	_, _ = l.Reserve(ctx, "p1", 4)

	ok, err := l.AdjustAfterCommit(ctx, "p1", -2)
	require.NoError(t, err)
	assert.False(t, ok, "would push stock below reserved")

	ok, err = l.AdjustAfterCommit(ctx, "p1", -1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, product(t, s).Stock)

	ok, err = l.AdjustAfterCommit(ctx, "p1", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, product(t, s).Stock)
}

func TestReturnAddsStock(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(1)
	require.NoError(t, l.Return(ctx, "p1", 4))
	assert.Equal(t, 5, product(t, s).Stock)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	const stock, callers = 7, 50
	ctx := context.Background()
	l, s := newLedger(stock)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Reserve(ctx, "p1", 1)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(stock), wins.Load())
	p := product(t, s)
	assert.Equal(t, stock, p.Reserved)
	assert.LessOrEqual(t, p.Reserved, p.Stock)
}

func TestReserveBatchReportsFailures(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(2)
	s.PutProduct(orders.Product{ID: "p2", Stock: 10, IsActive: true})

	reserved, failed, err := l.ReserveBatch(ctx, []orders.Item{
		{ProductID: "p1", Quantity: 3},
		{ProductID: "p2", Quantity: 4},
		{ProductID: "missing", Quantity: 1},
	})
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, "p2", reserved[0].ProductID)
	assert.Len(t, failed, 2)

	require.NoError(t, l.ReleaseItems(ctx, reserved))
	p2, _ := s.Product("p2")
	assert.Equal(t, 0, p2.Reserved)
}

func TestForOrder(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(4)
	o := &orders.Order{Header: orders.Header{Items: []orders.Item{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "gone", Quantity: 1},
	}}}

	av, err := l.ForOrder(ctx, o)
	require.NoError(t, err)
	require.Len(t, av, 2)
	assert.Equal(t, Availability{ProductID: "p1", Requested: 2, Available: 4, Exists: true, IsActive: true}, av[0])
	assert.False(t, av[1].Exists)
}
