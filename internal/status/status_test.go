package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/broadcast"
	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	admin = orders.Actor{ID: "admin", Role: orders.RoleAdmin}
	alice = orders.Actor{ID: "alice", Role: orders.RoleCustomer}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type published struct {
	topic, key, eventType string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key, eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic, key, eventType})
}

type fixture struct {
	store    *memstore.Store
	machine  *Machine
	bus      *broadcast.Recorder
	events   *recordingPublisher
	critical *critical.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		bus:      &broadcast.Recorder{},
		events:   &recordingPublisher{},
		critical: &critical.Memory{},
	}
	f.store.PutProduct(orders.Product{ID: "a", Stock: 7, IsActive: true, Price: d("10")})
	f.store.PutProduct(orders.Product{ID: "b", Stock: 3, Reserved: 2, IsActive: true, Price: d("5")})
	f.store.PutCustomer(orders.Customer{ID: "alice"})

	inv := inventory.New(f.store, zap.NewNop())
	f.machine = New(f.store, inv, orders.Notifier{Broadcaster: f.bus, Publisher: f.events}, f.critical, zap.NewNop())
	f.machine.Now = func() time.Time { return t0 }
	return f
}

// order stores a confirmed order holding 3 of a and 2 of b (total 40).
func (f *fixture) order(t *testing.T, method orders.DeliveryMethod, status orders.Status) *orders.Order {
	t.Helper()
	o := orders.NewFinal(orders.Header{
		ID:         "o-" + string(method),
		CustomerID: "alice",
		Status:     status,
		Items: []orders.Item{
			{ProductID: "a", Quantity: 3, Price: d("10")},
			{ProductID: "b", Quantity: 2, Price: d("5")},
		},
	}, orders.FinalDetails{
		Number:   1,
		Contact:  orders.Contact{Name: "Alice", Phone: "555-0100"},
		Delivery: orders.Delivery{Method: method, Address: "1 Main St"},
	})
	o.Recalculate()
	financials.Recompute(o)
	f.store.PutOrder(o)
	return o
}

func (f *fixture) pay(t *testing.T, id, amount string) {
	t.Helper()
	o := f.get(t, id)
	o.Final.Financials.EventHistory = append(o.Final.Financials.EventHistory, orders.FinancialEvent{
		ID:     "pay-" + amount,
		Kind:   orders.PaymentSuccess,
		Action: orders.Action{Method: orders.MethodCash, Amount: d(amount)},
	})
	financials.Recompute(o)
	f.store.PutOrder(o)
}

func (f *fixture) get(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) product(t *testing.T, id string) orders.Product {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p
}

func (f *fixture) change(t *testing.T, id string, cmd Command) (*orders.Order, error) {
	t.Helper()
	return f.machine.Change(context.Background(), admin, id, cmd)
}

func TestNextWalksEverySequence(t *testing.T) {
	cases := []struct {
		method orders.DeliveryMethod
		want   []orders.Status
	}{
		{orders.DeliveryPickup, []orders.Status{orders.StatusProcessing, orders.StatusReadyForPickup, orders.StatusPickedUp, orders.StatusCompleted}},
		{orders.DeliveryCourier, []orders.Status{orders.StatusProcessing, orders.StatusInTransit, orders.StatusDelivered, orders.StatusCompleted}},
		{orders.DeliveryTransport, []orders.Status{orders.StatusProcessing, orders.StatusReadyForShipment, orders.StatusInTransit, orders.StatusDelivered, orders.StatusCompleted}},
	}
	for _, c := range cases {
		t.Run(string(c.method), func(t *testing.T) {
			f := newFixture(t)
			o := f.order(t, c.method, orders.StatusConfirmed)
			f.pay(t, o.ID, "100")

			var got []orders.Status
			for range c.want {
				out, err := f.change(t, o.ID, Command{Action: ActionNext, ShippingCost: ptr("0")})
				require.NoError(t, err)
				got = append(got, out.Status)
			}
			assert.Equal(t, c.want, got)

			_, err := f.change(t, o.ID, Command{Action: ActionNext})
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.ReasonInvalidTransition, e.Reason)
		})
	}
}

func TestStatusEntryPerTransition(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)

	_, err := f.change(t, o.ID, Command{Action: ActionNext})
	require.NoError(t, err)
	_, err = f.change(t, o.ID, Command{Action: ActionRollback})
	require.NoError(t, err)

	h := f.get(t, o.ID).Final.StatusHistory
	require.Len(t, h, 2)
	assert.Equal(t, orders.StatusProcessing, h[0].Status)
	assert.Equal(t, orders.StatusConfirmed, h[0].Previous)
	assert.Equal(t, admin, h[0].Actor)
	assert.Equal(t, t0, h[0].At)
	assert.Equal(t, orders.StatusConfirmed, h[1].Status)
	assert.Equal(t, "rollback", h[1].Action)

	msgs := f.bus.Messages()
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].NewStatusEntry)
	assert.Equal(t, orders.StatusConfirmed, msgs[1].NewStatusEntry.Status)
	assert.Equal(t, []published{
		{orders.TopicOrderStatusChanged, o.ID, orders.EventOrderStatusChanged},
		{orders.TopicOrderStatusChanged, o.ID, orders.EventOrderStatusChanged},
	}, f.events.events)
}

func TestDeliveredNeedsShippingCost(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusInTransit)

	_, err := f.change(t, o.ID, Command{Action: ActionNext})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.change(t, o.ID, Command{Action: ActionNext, ShippingCost: ptr("-1")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	out, err := f.change(t, o.ID, Command{Action: ActionNext, ShippingCost: ptr("7.5")})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, out.Status)
	assert.Equal(t, "47.5", out.Totals.Total.String())
	entry := out.Final.StatusHistory[len(out.Final.StatusHistory)-1]
	require.Len(t, entry.Changes, 2)
	assert.Equal(t, "totals.shipping_cost", entry.Changes[0].Field)
	assert.Equal(t, "totals.total", entry.Changes[1].Field)
}

func TestRollbackFromDeliveredResetsShipping(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusInTransit)
	_, err := f.change(t, o.ID, Command{Action: ActionNext, ShippingCost: ptr("5")})
	require.NoError(t, err)

	out, err := f.change(t, o.ID, Command{Action: ActionRollback})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusInTransit, out.Status)
	assert.Nil(t, out.Totals.ShippingCost)
	assert.Equal(t, "40", out.Totals.Total.String())
}

func TestRollbackNotAllowedFromConfirmed(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryPickup, orders.StatusConfirmed)

	_, err := f.change(t, o.ID, Command{Action: ActionRollback})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ReasonInvalidTransition, e.Reason)
	assert.Empty(t, f.get(t, o.ID).Final.StatusHistory)
}

func TestCompletionRequiresFullPayment(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryPickup, orders.StatusPickedUp)
	f.pay(t, o.ID, "30")

	_, err := f.change(t, o.ID, Command{Action: ActionNext})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ReasonUnpaid, e.Reason)
	assert.Equal(t, orders.StatusPickedUp, f.get(t, o.ID).Status)

	f.pay(t, o.ID, "9.996")
	out, err := f.change(t, o.ID, Command{Action: ActionNext})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, out.Status)
	assert.Equal(t, orders.StatePaid, out.Final.Financials.State)

	c, err := f.store.GetCustomer(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "39.996", c.TotalSpent.String())
}

func TestCompletionWithMissingCustomerIsCritical(t *testing.T) {
	f := newFixture(t)
	f.store.DeleteCustomer("alice")
	o := f.order(t, orders.DeliveryPickup, orders.StatusPickedUp)
	f.pay(t, o.ID, "40")

	out, err := f.change(t, o.ID, Command{Action: ActionNext})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, out.Status)
	events := f.critical.Events()
	require.Len(t, events, 1)
	assert.Equal(t, critical.KindCustomerMissing, events[0].Kind)
}

func TestCancelReturnsStock(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusProcessing)

	_, err := f.change(t, o.ID, Command{Action: ActionCancel})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	out, err := f.change(t, o.ID, Command{Action: ActionCancel, Reason: "customer asked"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, out.Status)
	assert.Equal(t, orders.StateVoided, out.Final.Financials.State)
	assert.Equal(t, 10, f.product(t, "a").Stock)
	assert.Equal(t, 5, f.product(t, "b").Stock)
	assert.Equal(t, "customer asked", out.Final.StatusHistory[0].Reason)

	_, err = f.change(t, o.ID, Command{Action: ActionCancel, Reason: "again"})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, 10, f.product(t, "a").Stock)
}

func TestCancelRefusedDuringOnlineTransaction(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)
	ok, err := f.store.BeginOnlineTransaction(context.Background(), o.ID, orders.OnlineTransaction{
		Type: orders.OnlinePayment, Status: orders.OnlineInit, Provider: "sandbox", Amount: d("40"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.change(t, o.ID, Command{Action: ActionCancel, Reason: "changed mind"})
	e, isApp := apperr.As(err)
	require.True(t, isApp)
	assert.Equal(t, apperr.ReasonOnlineInProgress, e.Reason)
	assert.Equal(t, 7, f.product(t, "a").Stock)
}

func TestCancelledPaidOrderIsRefundPending(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusProcessing)
	f.pay(t, o.ID, "40")

	out, err := f.change(t, o.ID, Command{Action: ActionCancel, Reason: "out of town"})
	require.NoError(t, err)
	assert.Equal(t, orders.StateRefundPending, out.Final.Financials.State)
}

func TestCustomerPermissions(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)
	ctx := context.Background()

	_, err := f.machine.Change(ctx, alice, o.ID, Command{Action: ActionNext})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.machine.Change(ctx, orders.Actor{ID: "bob", Role: orders.RoleCustomer}, o.ID, Command{Action: ActionCancel, Reason: "x"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	out, err := f.machine.Change(ctx, alice, o.ID, Command{Action: ActionCancel, Reason: "ordered twice"})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, out.Status)
}

func TestUnknownActionAndOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.change(t, "missing", Command{Action: ActionNext})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.change(t, "missing", Command{Action: "jump"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

type memCache struct{ last map[string]string }

func (c *memCache) CacheStatus(_ context.Context, orderID, status string, _ time.Time) error {
	c.last[orderID] = status
	return nil
}

func TestChangeRefreshesStatusCache(t *testing.T) {
	f := newFixture(t)
	cache := &memCache{last: map[string]string{}}
	f.machine.Cache = cache
	o := f.order(t, orders.DeliveryPickup, orders.StatusConfirmed)

	_, err := f.change(t, o.ID, Command{Action: ActionNext})
	require.NoError(t, err)
	assert.Equal(t, "processing", cache.last[o.ID])
}

func TestEditQuantitiesMoveStock(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusProcessing)

	out, err := f.machine.Edit(context.Background(), admin, o.ID, OrderPatch{
		Items: []ItemQuantity{{ProductID: "a", Quantity: 5}, {ProductID: "b", Quantity: 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 5}, out.Quantities())
	assert.Equal(t, "50", out.Totals.Total.String())
	assert.Equal(t, 5, f.product(t, "a").Stock)
	assert.Equal(t, 5, f.product(t, "b").Stock)

	require.Len(t, out.Final.AuditLog, 1)
	fields := []string{}
	for _, c := range out.Final.AuditLog[0].Changes {
		fields = append(fields, c.Field)
	}
	assert.Equal(t, []string{"items.a.quantity", "items.b.quantity", "totals.total"}, fields)
	assert.Equal(t, []published{{orders.TopicOrderEdited, o.ID, orders.EventOrderEdited}}, f.events.events)
}

func TestEditCannotTakeReservedStock(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)

	// b has 3 in stock, 2 of them reserved by someone else's draft.
	_, err := f.machine.Edit(context.Background(), admin, o.ID, OrderPatch{
		Items: []ItemQuantity{{ProductID: "a", Quantity: 4}, {ProductID: "b", Quantity: 4}},
	})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ReasonInsufficientStock, e.Reason)
	assert.Equal(t, 7, f.product(t, "a").Stock)
	assert.Equal(t, 3, f.product(t, "b").Stock)
	assert.Equal(t, 3, f.get(t, o.ID).Items[0].Quantity)
}

func TestEditDetails(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)
	ctx := context.Background()

	out, err := f.machine.Edit(ctx, admin, o.ID, OrderPatch{
		Contact:         orders.Set(orders.Contact{Name: "Alice B", Phone: "555-0100"}),
		DeliveryAddress: orders.Set("2 Side St"),
		AdminNote:       orders.Set("fragile"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice B", out.Final.Contact.Name)
	assert.Equal(t, "2 Side St", out.Final.Delivery.Address)
	assert.Equal(t, "fragile", out.Final.AdminNote)

	_, err = f.machine.Edit(ctx, admin, o.ID, OrderPatch{AdminNote: orders.Set("fragile")})
	assert.True(t, apperr.Is(err, apperr.KindNoChange))

	_, err = f.machine.Edit(ctx, admin, o.ID, OrderPatch{DeliveryAddress: orders.Unset[string]()})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.machine.Edit(ctx, admin, o.ID, OrderPatch{Contact: orders.Unset[orders.Contact]()})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	out, err = f.machine.Edit(ctx, admin, o.ID, OrderPatch{AdminNote: orders.Unset[string]()})
	require.NoError(t, err)
	assert.Empty(t, out.Final.AdminNote)
	assert.Len(t, out.Final.AuditLog, 2)
}

func TestEditRules(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusInTransit)
	ctx := context.Background()

	_, err := f.machine.Edit(ctx, admin, o.ID, OrderPatch{AdminNote: orders.Set("late")})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ReasonNotEditable, e.Reason)

	_, err = f.machine.Edit(ctx, alice, o.ID, OrderPatch{AdminNote: orders.Set("mine")})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestEditRejectsUnknownOrEmptyItems(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)
	ctx := context.Background()

	_, err := f.machine.Edit(ctx, admin, o.ID, OrderPatch{Items: []ItemQuantity{{ProductID: "z", Quantity: 1}}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.machine.Edit(ctx, admin, o.ID, OrderPatch{
		Items: []ItemQuantity{{ProductID: "a", Quantity: 0}, {ProductID: "b", Quantity: 0}},
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 7, f.product(t, "a").Stock)
	assert.Equal(t, map[string]int{"a": 3, "b": 2}, f.get(t, o.ID).Quantities())
}

func TestListScopesCustomers(t *testing.T) {
	f := newFixture(t)
	f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)
	other := orders.NewFinal(orders.Header{ID: "o-bob", CustomerID: "bob", Status: orders.StatusConfirmed}, orders.FinalDetails{Number: 2})
	f.store.PutOrder(other)
	ctx := context.Background()

	mine, err := f.machine.List(ctx, alice, orders.ListFilter{CustomerID: "bob"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "alice", mine[0].CustomerID)

	all, err := f.machine.List(ctx, admin, orders.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.machine.Get(ctx, alice, "o-bob")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestStockForOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.DeliveryCourier, orders.StatusConfirmed)

	av, err := f.machine.Stock(context.Background(), admin, o.ID)
	require.NoError(t, err)
	require.Len(t, av, 2)
	assert.Equal(t, inventory.Availability{ProductID: "a", Requested: 3, Available: 7, Exists: true, IsActive: true}, av[0])
	assert.Equal(t, 1, av[1].Available)
}
