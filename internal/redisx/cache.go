package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

// OrderCache keeps the buyer-facing order view. Entries are dropped by the
// services after every committed state change. A read-through Put racing
// that invalidation can restore the old view, so only settled orders get the
// long TTL.
type OrderCache struct {
	rdb *redis.Client
}

func NewOrderCache(rdb *redis.Client) *OrderCache { return &OrderCache{rdb: rdb} }

var _ orders.Cache = (*OrderCache)(nil)

func (c *OrderCache) Get(ctx context.Context, orderID string) (orders.Order, bool, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderView, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		// Unreadable entry: treat as a miss, the next Put overwrites it.
		return orders.Order{}, false, nil
	}
	return o, true, nil
}

func (c *OrderCache) Put(ctx context.Context, o orders.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderView, o.ID), b, orderViewTTL(o)).Err()
}

func orderViewTTL(o orders.Order) time.Duration {
	if o.Status.Terminal() && o.PaymentStatus != orders.PaymentPaid {
		return TTLOrderView
	}
	return TTLOrderViewOpen
}

func (c *OrderCache) InvalidateOrder(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderView, orderID)).Err()
}
