package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/critical"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxTxAttempts = 3

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements orders.Store on Postgres. Inventory counters are only ever
// changed by single conditional UPDATEs; orders are JSONB documents with a few
// projected columns.
type Store struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
	log  *zap.Logger
}

var (
	_ orders.Store  = (*Store)(nil)
	_ critical.Sink = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, q: pool, log: log}
}

// ---- transactions ----

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// InTx runs fn in one transaction, retrying serialization failures and deadlocks.
// Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(orders.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		s.log.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*25) * time.Millisecond):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(orders.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&Store{pool: s.pool, q: tx, inTx: true, log: s.log}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// NextSequence always runs on the pool so the value survives a rollback of the
// caller's transaction.
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO counters (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
		RETURNING value`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", name, err)
	}
	return n, nil
}

// ---- products ----

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, sku, name, stock, reserved, is_active, price, discount, image_key
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]orders.Product, len(ids))
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.Reserved, &p.IsActive, &p.Price, &p.Discount, &p.ImageKey); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *Store) ReserveStock(ctx context.Context, id string, qty int) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE products SET reserved = reserved + $2, updated_at = now()
		WHERE id = $1 AND stock - reserved >= $2`, id, qty)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseStock(ctx context.Context, id string, qty int) error {
	_, err := s.q.Exec(ctx, `
		UPDATE products SET reserved = GREATEST(reserved - $2, 0), updated_at = now()
		WHERE id = $1`, id, qty)
	return err
}

func (s *Store) CommitStock(ctx context.Context, id string, qty int) error {
	_, err := s.q.Exec(ctx, `
		UPDATE products
		SET stock = GREATEST(stock - $2, 0),
		    reserved = GREATEST(reserved - $2, 0),
		    updated_at = now()
		WHERE id = $1`, id, qty)
	return err
}

func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= reserved`, id, delta)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReturnStock(ctx context.Context, id string, qty int) error {
	_, err := s.q.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`, id, qty)
	return err
}

// ---- orders ----

func decodeOrder(doc []byte) (*orders.Order, error) {
	var o orders.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

func (s *Store) scanOrder(row pgx.Row) (*orders.Order, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orders.ErrNotFound
		}
		return nil, err
	}
	return decodeOrder(doc)
}

func (s *Store) lockClause() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	return s.scanOrder(s.q.QueryRow(ctx, `SELECT doc FROM orders WHERE id = $1`+s.lockClause(), id))
}

func (s *Store) FindDraftByCustomer(ctx context.Context, customerID string) (*orders.Order, error) {
	return s.scanOrder(s.q.QueryRow(ctx,
		`SELECT doc FROM orders WHERE customer_id = $1 AND kind = 'draft'`+s.lockClause(), customerID))
}

// projection returns the columns kept next to the document.
func projection(o *orders.Order) (number *int64, expires *time.Time) {
	if o.IsFinal() {
		n := o.Final.Number
		number = &n
	}
	if o.IsDraft() {
		e := o.Draft.ExpiresAt
		expires = &e
	}
	return number, expires
}

func (s *Store) InsertOrder(ctx context.Context, o *orders.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	number, expires := projection(o)
	_, err = s.q.Exec(ctx, `
		INSERT INTO orders (id, customer_id, kind, status, number, expires_at, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.CustomerID, string(o.Kind), string(o.Status), number, expires, doc, o.CreatedAt, o.UpdatedAt)
	if uniqueViolation(err) {
		return orders.ErrDuplicate
	}
	return err
}

func (s *Store) UpdateOrder(ctx context.Context, o *orders.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	number, expires := projection(o)
	tag, err := s.q.Exec(ctx, `
		UPDATE orders SET status = $2, number = $3, expires_at = $4, doc = $5, updated_at = $6
		WHERE id = $1`,
		o.ID, string(o.Status), number, expires, doc, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return err
}

func (s *Store) ListOrders(ctx context.Context, f orders.ListFilter) ([]*orders.Order, error) {
	sql := `SELECT doc FROM orders WHERE kind = 'final'`
	args := []any{}
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		sql += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	sql += " ORDER BY number DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryOrders(ctx, sql, args...)
}

// ListExpiredDrafts locks the rows it returns and skips rows a concurrent sweep
// already holds.
func (s *Store) ListExpiredDrafts(ctx context.Context, now time.Time, limit int) ([]*orders.Order, error) {
	sql := `SELECT doc FROM orders WHERE kind = 'draft' AND expires_at <= $1 ORDER BY id LIMIT $2`
	if s.inTx {
		sql += ` FOR UPDATE SKIP LOCKED`
	}
	return s.queryOrders(ctx, sql, now, limit)
}

func (s *Store) queryOrders(ctx context.Context, sql string, args ...any) ([]*orders.Order, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*orders.Order
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		o, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const guardPath = `'{final,financials,current_online_transaction}'`

// BeginOnlineTransaction is the existence guard: the UPDATE matches only when no
// transaction is recorded on the order and, for payments, the order is not
// cancelled. The status check sits in the same statement so a cancel that
// commits first wins.
func (s *Store) BeginOnlineTransaction(ctx context.Context, orderID string, t orders.OnlineTransaction) (bool, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE orders SET doc = jsonb_set(doc, `+guardPath+`, $2::jsonb, true), updated_at = now()
		WHERE id = $1 AND kind = 'final'
		  AND doc #> `+guardPath+` IS NULL
		  AND ($3::text = 'refund' OR status <> 'cancelled')`, orderID, b, string(t.Type))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateOnlineTransaction(ctx context.Context, orderID string, t orders.OnlineTransaction) (bool, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE orders SET doc = jsonb_set(doc, `+guardPath+`, $2::jsonb, false), updated_at = now()
		WHERE id = $1 AND kind = 'final'
		  AND doc #> `+guardPath+` IS NOT NULL`, orderID, b)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClearOnlineTransaction(ctx context.Context, orderID string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE orders SET doc = doc #- `+guardPath+`, updated_at = now()
		WHERE id = $1 AND kind = 'final'`, orderID)
	return err
}

// ---- customers & carts ----

func (s *Store) GetCustomer(ctx context.Context, id string) (*orders.Customer, error) {
	var c orders.Customer
	err := s.q.QueryRow(ctx, `SELECT id, discount, total_spent FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Discount, &c.TotalSpent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) AddTotalSpent(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := s.q.Exec(ctx, `UPDATE customers SET total_spent = total_spent + $2 WHERE id = $1`, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func (s *Store) GetCart(ctx context.Context, customerID string) (*orders.Cart, error) {
	c := &orders.Cart{CustomerID: customerID}
	var lines []byte
	err := s.q.QueryRow(ctx, `SELECT lines FROM carts WHERE customer_id = $1`, customerID).Scan(&lines)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &c.Lines); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return c, nil
}

func (s *Store) SaveCart(ctx context.Context, c orders.Cart) error {
	lines := c.Lines
	if lines == nil {
		lines = []orders.CartLine{}
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO carts (customer_id, lines, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (customer_id) DO UPDATE SET lines = EXCLUDED.lines, updated_at = now()`,
		c.CustomerID, b)
	return err
}

func (s *Store) ClearCart(ctx context.Context, customerID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM carts WHERE customer_id = $1`, customerID)
	return err
}

// ---- critical events ----

func (s *Store) InsertCriticalEvent(ctx context.Context, e critical.Event) error {
	var data []byte
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		data = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO critical_events (kind, order_id, message, error, data, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Kind, e.OrderID, e.Message, e.Error, data, e.At)
	return err
}
