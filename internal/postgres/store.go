package postgres

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// querier is the part of pgxpool.Pool and pgx.Tx the queries need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements orders.Store on Postgres. Row locks are taken with
// SELECT ... FOR UPDATE and stock moves use guarded updates, so the default
// read committed isolation is enough.
type Store struct {
	DB         *pgxpool.Pool
	Log        *zap.Logger
	TxAttempts int // transactions failing on serialization or deadlock are re-run up to this many times
}

var _ orders.Store = (*Store)(nil)

func NewStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{DB: db, Log: logger, TxAttempts: 3}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	attempts := s.TxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond

	run := func() error {
		err := s.runTx(ctx, fn)
		if err != nil && !retryableTx(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.Log.Debug("retrying transaction", zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(run, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx), notify)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func retryableTx(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

func (s *Store) CartItems(ctx context.Context, buyerID string) ([]orders.CartItem, error) {
	return cartItems(ctx, s.DB, buyerID)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if err != nil {
		return orders.Order{}, err
	}
	if o.Lines, err = orderLines(ctx, s.DB, orderID); err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (s *Store) AttemptByReference(ctx context.Context, reference string) (orders.PaymentAttempt, error) {
	return scanAttempt(s.DB.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE reference=$1`, reference))
}

func (s *Store) StaleAttempts(ctx context.Context, cutoff time.Time, maxVerifications, limit int) ([]orders.PaymentAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE applied_at IS NULL AND initiated_at < $1 AND verify_count < $2
		ORDER BY initiated_at, reference
		LIMIT $3`, cutoff, maxVerifications, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- tx ----

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) CartItems(ctx context.Context, buyerID string) ([]orders.CartItem, error) {
	return cartItems(ctx, t.tx, buyerID)
}

func (t *pgTx) LockProducts(ctx context.Context, productIDs []string) (map[string]orders.Product, error) {
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)
	rows, err := t.tx.Query(ctx, `
		SELECT id, vendor_id, name, price_minor, stock_quantity, status, updated_at
		FROM products WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]orders.Product, len(ids))
	for rows.Next() {
		var p orders.Product
		var status string
		if err := rows.Scan(&p.ID, &p.VendorID, &p.Name, &p.PriceMinor, &p.StockQuantity, &status, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = orders.ProductStatus(status)
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id=$1 AND stock_quantity >= $2`, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) IncrementStock(ctx context.Context, productID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return errors.New("postgres: product " + productID + " not found")
	}
	return nil
}

func (t *pgTx) ClearCart(ctx context.Context, buyerID string) (int, error) {
	ct, err := t.tx.Exec(ctx, `DELETE FROM cart_lines WHERE buyer_id=$1`, buyerID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, buyer_id, status, payment_status, currency,
			shipping_minor, tax_minor, total_minor, shipping_address, billing_address,
			tracking_number, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13)`,
		o.ID, o.BuyerID, string(o.Status), string(o.PaymentStatus), o.Currency,
		o.ShippingMinor, o.TaxMinor, o.TotalMinor, o.ShippingAddress, o.BillingAddress,
		o.TrackingNumber, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertOrderLines(ctx context.Context, lines []orders.OrderLine) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`
			INSERT INTO order_lines(order_id, product_id, vendor_id, quantity, unit_price_minor, total_price_minor)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			l.OrderID, l.ProductID, l.VendorID, l.Quantity, l.UnitPriceMinor, l.TotalPriceMinor,
		)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
}

func (t *pgTx) OrderLines(ctx context.Context, orderID string) ([]orders.OrderLine, error) {
	return orderLines(ctx, t.tx, orderID)
}

func (t *pgTx) UpdateOrderState(ctx context.Context, o orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, tracking_number=NULLIF($4,''), updated_at=$5
		WHERE id=$1`,
		o.ID, string(o.Status), string(o.PaymentStatus), o.TrackingNumber, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) InsertAttempt(ctx context.Context, a orders.PaymentAttempt) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_attempts(reference, order_id, attempt, amount_minor, currency,
			status, verify_count, initiated_at, last_verified_at, applied_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.Reference, a.OrderID, a.Attempt, a.AmountMinor, a.Currency,
		string(a.Status), a.VerifyCount, a.InitiatedAt, a.LastVerifiedAt, a.AppliedAt,
	)
	return err
}

func (t *pgTx) LockAttempt(ctx context.Context, reference string) (orders.PaymentAttempt, error) {
	return scanAttempt(t.tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE reference=$1 FOR UPDATE`, reference))
}

func (t *pgTx) LatestAttempt(ctx context.Context, orderID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(attempt), 0) FROM payment_attempts WHERE order_id=$1`, orderID).Scan(&n)
	return n, err
}

func (t *pgTx) UpdateAttempt(ctx context.Context, a orders.PaymentAttempt) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE payment_attempts
		SET status=$2, verify_count=$3, last_verified_at=$4, applied_at=$5
		WHERE reference=$1`,
		a.Reference, string(a.Status), a.VerifyCount, a.LastVerifiedAt, a.AppliedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrAttemptNotFound
	}
	return nil
}

// ---- shared queries ----

const orderColumns = `id, buyer_id, status, payment_status, currency, shipping_minor, tax_minor, total_minor,
	shipping_address, billing_address, COALESCE(tracking_number, ''), created_at, updated_at`

const attemptColumns = `reference, order_id, attempt, amount_minor, currency, status, verify_count,
	initiated_at, last_verified_at, applied_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o             orders.Order
		status, pstat string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &status, &pstat, &o.Currency, &o.ShippingMinor, &o.TaxMinor, &o.TotalMinor,
		&o.ShippingAddress, &o.BillingAddress, &o.TrackingNumber, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	o.PaymentStatus = orders.PaymentStatus(pstat)
	return o, nil
}

func scanAttempt(row pgx.Row) (orders.PaymentAttempt, error) {
	var (
		a      orders.PaymentAttempt
		status string
	)
	err := row.Scan(&a.Reference, &a.OrderID, &a.Attempt, &a.AmountMinor, &a.Currency, &status, &a.VerifyCount,
		&a.InitiatedAt, &a.LastVerifiedAt, &a.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.PaymentAttempt{}, orders.ErrAttemptNotFound
	}
	if err != nil {
		return orders.PaymentAttempt{}, err
	}
	a.Status = orders.AttemptStatus(status)
	return a, nil
}

func cartItems(ctx context.Context, q querier, buyerID string) ([]orders.CartItem, error) {
	rows, err := q.Query(ctx, `
		SELECT c.buyer_id, c.product_id, c.quantity, c.added_at,
		       p.vendor_id, p.name, p.price_minor, p.stock_quantity, p.status, p.updated_at
		FROM cart_lines c
		JOIN products p ON p.id = c.product_id
		WHERE c.buyer_id=$1
		ORDER BY c.added_at, c.product_id`, buyerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.CartItem
	for rows.Next() {
		var (
			it     orders.CartItem
			status string
		)
		if err := rows.Scan(&it.BuyerID, &it.ProductID, &it.Quantity, &it.AddedAt,
			&it.Product.VendorID, &it.Product.Name, &it.Product.PriceMinor, &it.Product.StockQuantity,
			&status, &it.Product.UpdatedAt); err != nil {
			return nil, err
		}
		it.Product.ID = it.ProductID
		it.Product.Status = orders.ProductStatus(status)
		out = append(out, it)
	}
	return out, rows.Err()
}

func orderLines(ctx context.Context, q querier, orderID string) ([]orders.OrderLine, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, product_id, vendor_id, quantity, unit_price_minor, total_price_minor
		FROM order_lines WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.OrderLine
	for rows.Next() {
		var l orders.OrderLine
		if err := rows.Scan(&l.OrderID, &l.ProductID, &l.VendorID, &l.Quantity, &l.UnitPriceMinor, &l.TotalPriceMinor); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
