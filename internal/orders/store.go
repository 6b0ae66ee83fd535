package orders

import (
	"context"
	"time"
)

// Store is the persistence port used by the checkout services. Every state
// change goes through WithTx; fn's effects are committed together or not at all.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CartItems(ctx context.Context, buyerID string) ([]CartItem, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	AttemptByReference(ctx context.Context, reference string) (PaymentAttempt, error)
	// StaleAttempts lists unresolved attempts initiated before cutoff whose
	// verify count is still below maxVerifications, oldest first.
	StaleAttempts(ctx context.Context, cutoff time.Time, maxVerifications, limit int) ([]PaymentAttempt, error)
}

// Tx is a unit of work. Lock methods take row-level write locks that are
// held until the transaction ends.
type Tx interface {
	CartItems(ctx context.Context, buyerID string) ([]CartItem, error)
	// LockProducts locks the given products in id order and returns them by id.
	LockProducts(ctx context.Context, productIDs []string) (map[string]Product, error)
	// DecrementStock subtracts qty only if at least qty units remain and
	// reports whether the row was updated.
	DecrementStock(ctx context.Context, productID string, qty int) (bool, error)
	IncrementStock(ctx context.Context, productID string, qty int) error
	ClearCart(ctx context.Context, buyerID string) (int, error)

	InsertOrder(ctx context.Context, o Order) error
	InsertOrderLines(ctx context.Context, lines []OrderLine) error
	LockOrder(ctx context.Context, orderID string) (Order, error)
	OrderLines(ctx context.Context, orderID string) ([]OrderLine, error)
	// UpdateOrderState persists Status, PaymentStatus, TrackingNumber and UpdatedAt.
	UpdateOrderState(ctx context.Context, o Order) error

	InsertAttempt(ctx context.Context, a PaymentAttempt) error
	LockAttempt(ctx context.Context, reference string) (PaymentAttempt, error)
	LatestAttempt(ctx context.Context, orderID string) (int, error)
	UpdateAttempt(ctx context.Context, a PaymentAttempt) error
}

// Publisher receives domain events after the transaction that produced them committed.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Cache holds derived read models that must be dropped when an order changes.
type Cache interface {
	InvalidateOrder(ctx context.Context, orderID string) error
}
