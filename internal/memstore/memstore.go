// Package memstore is an in-memory orders.Store. Every single-record operation is
// atomic; InTx scopes keep an undo log and per-order locks so a failed scope leaves
// no partial writes behind. Used by tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/shopspring/decimal"
)

type data struct {
	mu        sync.Mutex
	products  map[string]orders.Product
	orders    map[string]*orders.Order
	customers map[string]orders.Customer
	carts     map[string]orders.Cart
	counters  map[string]int64
	locks     map[string]*sync.Mutex
}

type txState struct {
	mu   sync.Mutex
	undo []func()
	held map[string]*sync.Mutex
}

type Store struct {
	d  *data
	tx *txState
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{d: &data{
		products:  map[string]orders.Product{},
		orders:    map[string]*orders.Order{},
		customers: map[string]orders.Customer{},
		carts:     map[string]orders.Cart{},
		counters:  map[string]int64{},
		locks:     map[string]*sync.Mutex{},
	}}
}

// ---- seeding & inspection ----

func (s *Store) PutProduct(p orders.Product) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.products[p.ID] = p
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.products[id]
	return p, ok
}

func (s *Store) PutCustomer(c orders.Customer) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.customers[c.ID] = c
}

func (s *Store) DeleteCustomer(id string) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	delete(s.d.customers, id)
}

func (s *Store) PutCart(c orders.Cart) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.carts[c.CustomerID] = c
}

// PutOrder stores o as-is, bypassing uniqueness checks.
func (s *Store) PutOrder(o *orders.Order) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.orders[o.ID] = clone(o)
}

func (s *Store) OrderCount() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return len(s.d.orders)
}

// ---- transactions ----

func (s *Store) InTx(ctx context.Context, fn func(orders.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	t := &txState{held: map[string]*sync.Mutex{}}
	err := fn(&Store{d: s.d, tx: t})

	t.mu.Lock()
	undo, held := t.undo, t.held
	t.mu.Unlock()
	if err != nil {
		s.d.mu.Lock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		s.d.mu.Unlock()
	}
	for _, l := range held {
		l.Unlock()
	}
	return err
}

// record must be called with d.mu held.
func (s *Store) record(undo func()) {
	if s.tx == nil {
		return
	}
	s.tx.mu.Lock()
	s.tx.undo = append(s.tx.undo, undo)
	s.tx.mu.Unlock()
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	l, ok := s.d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.d.locks[id] = l
	}
	return l
}

// lock holds the order's row lock until the enclosing scope ends.
func (s *Store) lock(id string) {
	if s.tx == nil {
		return
	}
	s.tx.mu.Lock()
	_, held := s.tx.held[id]
	s.tx.mu.Unlock()
	if held {
		return
	}
	l := s.lockFor(id)
	l.Lock()
	s.tx.mu.Lock()
	s.tx.held[id] = l
	s.tx.mu.Unlock()
}

func (s *Store) tryLock(id string) bool {
	if s.tx == nil {
		return true
	}
	s.tx.mu.Lock()
	_, held := s.tx.held[id]
	s.tx.mu.Unlock()
	if held {
		return true
	}
	l := s.lockFor(id)
	if !l.TryLock() {
		return false
	}
	s.tx.mu.Lock()
	s.tx.held[id] = l
	s.tx.mu.Unlock()
	return true
}

func (s *Store) NextSequence(_ context.Context, name string) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.counters[name]++
	return s.d.counters[name], nil
}

// ---- products ----

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]orders.Product, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.d.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ReserveStock(_ context.Context, id string, qty int) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.products[id]
	if !ok || p.Stock-p.Reserved < qty {
		return false, nil
	}
	p.Reserved += qty
	s.d.products[id] = p
	s.record(func() { s.shift(id, 0, -qty) })
	return true, nil
}

func (s *Store) ReleaseStock(_ context.Context, id string, qty int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.products[id]
	if !ok {
		return nil
	}
	r := min(qty, p.Reserved)
	p.Reserved -= r
	s.d.products[id] = p
	s.record(func() { s.shift(id, 0, r) })
	return nil
}

func (s *Store) CommitStock(_ context.Context, id string, qty int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.products[id]
	if !ok {
		return nil
	}
	ds, dr := min(qty, p.Stock), min(qty, p.Reserved)
	p.Stock -= ds
	p.Reserved -= dr
	s.d.products[id] = p
	s.record(func() { s.shift(id, ds, dr) })
	return nil
}

func (s *Store) AdjustStock(_ context.Context, id string, delta int) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.products[id]
	if !ok || p.Stock+delta < p.Reserved {
		return false, nil
	}
	p.Stock += delta
	s.d.products[id] = p
	s.record(func() { s.shift(id, -delta, 0) })
	return true, nil
}

func (s *Store) ReturnStock(_ context.Context, id string, qty int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.products[id]
	if !ok {
		return nil
	}
	p.Stock += qty
	s.d.products[id] = p
	s.record(func() { s.shift(id, -qty, 0) })
	return nil
}

// shift must be called with d.mu held.
func (s *Store) shift(id string, stock, reserved int) {
	p, ok := s.d.products[id]
	if !ok {
		return
	}
	p.Stock += stock
	p.Reserved += reserved
	s.d.products[id] = p
}

// ---- orders ----

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.lock(id)
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	o, ok := s.d.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) FindDraftByCustomer(_ context.Context, customerID string) (*orders.Order, error) {
	s.d.mu.Lock()
	var id string
	for _, o := range s.d.orders {
		if o.IsDraft() && o.CustomerID == customerID {
			id = o.ID
			break
		}
	}
	s.d.mu.Unlock()
	if id == "" {
		return nil, orders.ErrNotFound
	}
	return s.GetOrder(context.Background(), id)
}

func (s *Store) InsertOrder(_ context.Context, o *orders.Order) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.orders[o.ID]; ok {
		return orders.ErrDuplicate
	}
	for _, x := range s.d.orders {
		if o.IsDraft() && x.IsDraft() && x.CustomerID == o.CustomerID {
			return orders.ErrDuplicate
		}
		if o.IsFinal() && x.IsFinal() && x.Final.Number == o.Final.Number {
			return orders.ErrDuplicate
		}
	}
	s.d.orders[o.ID] = clone(o)
	id := o.ID
	s.record(func() { delete(s.d.orders, id) })
	return nil
}

func (s *Store) UpdateOrder(_ context.Context, o *orders.Order) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	prev, ok := s.d.orders[o.ID]
	if !ok {
		return orders.ErrNotFound
	}
	s.d.orders[o.ID] = clone(o)
	s.record(func() { s.d.orders[prev.ID] = prev })
	return nil
}

func (s *Store) DeleteOrder(_ context.Context, id string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	prev, ok := s.d.orders[id]
	if !ok {
		return nil
	}
	delete(s.d.orders, id)
	s.record(func() { s.d.orders[id] = prev })
	return nil
}

func (s *Store) ListOrders(_ context.Context, f orders.ListFilter) ([]*orders.Order, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*orders.Order
	for _, o := range s.d.orders {
		if !o.IsFinal() {
			continue
		}
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Final.Number > out[j].Final.Number })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListExpiredDrafts(_ context.Context, now time.Time, limit int) ([]*orders.Order, error) {
	s.d.mu.Lock()
	var ids []string
	for _, o := range s.d.orders {
		if o.Expired(now) {
			ids = append(ids, o.ID)
		}
	}
	s.d.mu.Unlock()
	sort.Strings(ids)

	var out []*orders.Order
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !s.tryLock(id) {
			continue
		}
		s.d.mu.Lock()
		if o, ok := s.d.orders[id]; ok {
			out = append(out, clone(o))
		}
		s.d.mu.Unlock()
	}
	return out, nil
}

func (s *Store) BeginOnlineTransaction(_ context.Context, orderID string, tx orders.OnlineTransaction) (bool, error) {
	return s.setGuard(orderID, &tx, true)
}

func (s *Store) UpdateOnlineTransaction(_ context.Context, orderID string, tx orders.OnlineTransaction) (bool, error) {
	return s.setGuard(orderID, &tx, false)
}

func (s *Store) ClearOnlineTransaction(_ context.Context, orderID string) error {
	_, err := s.setGuard(orderID, nil, false)
	return err
}

// setGuard writes under the order's row lock, so a scope that read the order
// first finishes before the guard lands.
func (s *Store) setGuard(orderID string, tx *orders.OnlineTransaction, onlyIfAbsent bool) (bool, error) {
	if s.tx == nil {
		l := s.lockFor(orderID)
		l.Lock()
		defer l.Unlock()
	} else {
		s.lock(orderID)
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	o, ok := s.d.orders[orderID]
	if !ok || !o.IsFinal() {
		return false, nil
	}
	cur := o.Final.Financials.CurrentOnlineTransaction
	if onlyIfAbsent && (cur != nil || !orders.GuardAllowed(o.Status, tx.Type)) {
		return false, nil
	}
	if !onlyIfAbsent && tx != nil && cur == nil {
		return false, nil
	}
	next := clone(o)
	next.Final.Financials.CurrentOnlineTransaction = tx
	s.d.orders[orderID] = next
	s.record(func() { s.d.orders[orderID] = o })
	return true, nil
}

// ---- customers & carts ----

func (s *Store) GetCustomer(_ context.Context, id string) (*orders.Customer, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	c, ok := s.d.customers[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &c, nil
}

func (s *Store) AddTotalSpent(_ context.Context, id string, delta decimal.Decimal) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	c, ok := s.d.customers[id]
	if !ok {
		return orders.ErrNotFound
	}
	c.TotalSpent = c.TotalSpent.Add(delta)
	s.d.customers[id] = c
	s.record(func() {
		if c, ok := s.d.customers[id]; ok {
			c.TotalSpent = c.TotalSpent.Sub(delta)
			s.d.customers[id] = c
		}
	})
	return nil
}

func (s *Store) GetCart(_ context.Context, customerID string) (*orders.Cart, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	c, ok := s.d.carts[customerID]
	if !ok {
		return &orders.Cart{CustomerID: customerID}, nil
	}
	c.Lines = append([]orders.CartLine(nil), c.Lines...)
	return &c, nil
}

func (s *Store) SaveCart(_ context.Context, c orders.Cart) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	prev, had := s.d.carts[c.CustomerID]
	c.Lines = append([]orders.CartLine(nil), c.Lines...)
	s.d.carts[c.CustomerID] = c
	s.record(func() {
		if had {
			s.d.carts[c.CustomerID] = prev
		} else {
			delete(s.d.carts, c.CustomerID)
		}
	})
	return nil
}

func (s *Store) ClearCart(_ context.Context, customerID string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	prev, ok := s.d.carts[customerID]
	if !ok {
		return nil
	}
	delete(s.d.carts, customerID)
	s.record(func() { s.d.carts[customerID] = prev })
	return nil
}

func clone(o *orders.Order) *orders.Order {
	b, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	var out orders.Order
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return &out
}
