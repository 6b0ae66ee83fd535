// Package memstore is an in-process orders.Store used by tests and by the
// api binary when STORE=memory. Transactions are serialised by one mutex and
// run against a copy of the state that replaces the live state on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

type state struct {
	products map[string]orders.Product
	carts    map[string][]orders.CartLine
	orders   map[string]orders.Order
	lines    map[string][]orders.OrderLine
	attempts map[string]orders.PaymentAttempt
}

func newState() *state {
	return &state{
		products: map[string]orders.Product{},
		carts:    map[string][]orders.CartLine{},
		orders:   map[string]orders.Order{},
		lines:    map[string][]orders.OrderLine{},
		attempts: map[string]orders.PaymentAttempt{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = append([]orders.CartLine(nil), v...)
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = append([]orders.OrderLine(nil), v...)
	}
	for k, v := range s.attempts {
		c.attempts[k] = cloneAttempt(v)
	}
	return c
}

func cloneAttempt(a orders.PaymentAttempt) orders.PaymentAttempt {
	if a.LastVerifiedAt != nil {
		t := *a.LastVerifiedAt
		a.LastVerifiedAt = &t
	}
	if a.AppliedAt != nil {
		t := *a.AppliedAt
		a.AppliedAt = &t
	}
	return a
}

type Store struct {
	mu     sync.Mutex
	st     *state
	faults map[string]error

	commits    int
	rollbacks  int
	cartClears int
}

func New() *Store {
	return &Store{st: newState(), faults: map[string]error{}}
}

var _ orders.Store = (*Store)(nil)

// FailOn makes every later call of the named Tx method (e.g.
// "UpdateOrderState") return err, rolling back the transaction it runs in.
// A nil err removes the fault.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{st: s.st.clone(), faults: s.faults}
	if err := fn(ctx, tx); err != nil {
		s.rollbacks++
		return err
	}
	s.st = tx.st
	s.commits++
	s.cartClears += tx.cartClears
	return nil
}

func (s *Store) CartItems(_ context.Context, buyerID string) ([]orders.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cartItems(s.st, buyerID), nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	o.Lines = append([]orders.OrderLine(nil), s.st.lines[orderID]...)
	return o, nil
}

func (s *Store) AttemptByReference(_ context.Context, reference string) (orders.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.attempts[reference]
	if !ok {
		return orders.PaymentAttempt{}, orders.ErrAttemptNotFound
	}
	return cloneAttempt(a), nil
}

func (s *Store) StaleAttempts(_ context.Context, cutoff time.Time, maxVerifications, limit int) ([]orders.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.PaymentAttempt
	for _, a := range s.st.attempts {
		if a.Applied() || a.VerifyCount >= maxVerifications || !a.InitiatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneAttempt(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InitiatedAt.Equal(out[j].InitiatedAt) {
			return out[i].Reference < out[j].Reference
		}
		return out[i].InitiatedAt.Before(out[j].InitiatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- seeding and inspection ----

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = orders.ProductActive
	}
	s.st.products[p.ID] = p
}

// AddCartLine appends a line to the buyer's cart, replacing the quantity of
// an existing line for the same product.
func (s *Store) AddCartLine(buyerID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart := s.st.carts[buyerID]
	for i := range cart {
		if cart[i].ProductID == productID {
			cart[i].Quantity = qty
			return
		}
	}
	s.st.carts[buyerID] = append(cart, orders.CartLine{
		BuyerID:   buyerID,
		ProductID: productID,
		Quantity:  qty,
		AddedAt:   time.Now().UTC(),
	})
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

func (s *Store) CartLines(buyerID string) []orders.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.CartLine(nil), s.st.carts[buyerID]...)
}

// Attempts returns the order's payment attempts by attempt number.
func (s *Store) Attempts(orderID string) []orders.PaymentAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.PaymentAttempt
	for _, a := range s.st.attempts {
		if a.OrderID == orderID {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

// CartClears counts committed ClearCart calls that removed at least one line.
func (s *Store) CartClears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartClears
}

func (s *Store) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// ---- tx ----

type tx struct {
	st         *state
	faults     map[string]error
	cartClears int
}

func (t *tx) fault(op string) error {
	return t.faults[op]
}

func cartItems(st *state, buyerID string) []orders.CartItem {
	cart := st.carts[buyerID]
	items := make([]orders.CartItem, 0, len(cart))
	for _, l := range cart {
		items = append(items, orders.CartItem{CartLine: l, Product: st.products[l.ProductID]})
	}
	return items
}

func (t *tx) CartItems(_ context.Context, buyerID string) ([]orders.CartItem, error) {
	if err := t.fault("CartItems"); err != nil {
		return nil, err
	}
	return cartItems(t.st, buyerID), nil
}

func (t *tx) LockProducts(_ context.Context, productIDs []string) (map[string]orders.Product, error) {
	if err := t.fault("LockProducts"); err != nil {
		return nil, err
	}
	out := make(map[string]orders.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := t.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) DecrementStock(_ context.Context, productID string, qty int) (bool, error) {
	if err := t.fault("DecrementStock"); err != nil {
		return false, err
	}
	p, ok := t.st.products[productID]
	if !ok || p.StockQuantity < qty {
		return false, nil
	}
	p.StockQuantity -= qty
	t.st.products[productID] = p
	return true, nil
}

func (t *tx) IncrementStock(_ context.Context, productID string, qty int) error {
	if err := t.fault("IncrementStock"); err != nil {
		return err
	}
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("memstore: product %s not found", productID)
	}
	p.StockQuantity += qty
	t.st.products[productID] = p
	return nil
}

func (t *tx) ClearCart(_ context.Context, buyerID string) (int, error) {
	if err := t.fault("ClearCart"); err != nil {
		return 0, err
	}
	n := len(t.st.carts[buyerID])
	delete(t.st.carts, buyerID)
	if n > 0 {
		t.cartClears++
	}
	return n, nil
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order) error {
	if err := t.fault("InsertOrder"); err != nil {
		return err
	}
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("memstore: order %s already exists", o.ID)
	}
	o.Lines = nil
	t.st.orders[o.ID] = o
	return nil
}

func (t *tx) InsertOrderLines(_ context.Context, lines []orders.OrderLine) error {
	if err := t.fault("InsertOrderLines"); err != nil {
		return err
	}
	for _, l := range lines {
		if _, ok := t.st.orders[l.OrderID]; !ok {
			return fmt.Errorf("memstore: order %s not found for line", l.OrderID)
		}
		t.st.lines[l.OrderID] = append(t.st.lines[l.OrderID], l)
	}
	return nil
}

func (t *tx) LockOrder(_ context.Context, orderID string) (orders.Order, error) {
	if err := t.fault("LockOrder"); err != nil {
		return orders.Order{}, err
	}
	o, ok := t.st.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (t *tx) OrderLines(_ context.Context, orderID string) ([]orders.OrderLine, error) {
	if err := t.fault("OrderLines"); err != nil {
		return nil, err
	}
	return append([]orders.OrderLine(nil), t.st.lines[orderID]...), nil
}

func (t *tx) UpdateOrderState(_ context.Context, o orders.Order) error {
	if err := t.fault("UpdateOrderState"); err != nil {
		return err
	}
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	cur.Status = o.Status
	cur.PaymentStatus = o.PaymentStatus
	cur.TrackingNumber = o.TrackingNumber
	cur.UpdatedAt = o.UpdatedAt
	t.st.orders[o.ID] = cur
	return nil
}

func (t *tx) InsertAttempt(_ context.Context, a orders.PaymentAttempt) error {
	if err := t.fault("InsertAttempt"); err != nil {
		return err
	}
	if _, ok := t.st.attempts[a.Reference]; ok {
		return fmt.Errorf("memstore: reference %s already exists", a.Reference)
	}
	t.st.attempts[a.Reference] = cloneAttempt(a)
	return nil
}

func (t *tx) LockAttempt(_ context.Context, reference string) (orders.PaymentAttempt, error) {
	if err := t.fault("LockAttempt"); err != nil {
		return orders.PaymentAttempt{}, err
	}
	a, ok := t.st.attempts[reference]
	if !ok {
		return orders.PaymentAttempt{}, orders.ErrAttemptNotFound
	}
	return cloneAttempt(a), nil
}

func (t *tx) LatestAttempt(_ context.Context, orderID string) (int, error) {
	if err := t.fault("LatestAttempt"); err != nil {
		return 0, err
	}
	latest := 0
	for _, a := range t.st.attempts {
		if a.OrderID == orderID && a.Attempt > latest {
			latest = a.Attempt
		}
	}
	return latest, nil
}

func (t *tx) UpdateAttempt(_ context.Context, a orders.PaymentAttempt) error {
	if err := t.fault("UpdateAttempt"); err != nil {
		return err
	}
	if _, ok := t.st.attempts[a.Reference]; !ok {
		return orders.ErrAttemptNotFound
	}
	t.st.attempts[a.Reference] = cloneAttempt(a)
	return nil
}
