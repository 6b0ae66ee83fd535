package redisx

import "time"

const (
	// Order read model: order_view:{order_id} -> JSON order with lines
	KeyOrderView = "order_view:%s"

	// Dedup processing: dedup:{scope}:{id} (id = reference:event for webhooks, event_id for retry events)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLOrderView = 5 * time.Minute
	// Orders that can still move are cached briefly: a read racing a commit
	// may write back the pre-commit view after the commit invalidated it.
	TTLOrderViewOpen = 5 * time.Second
	TTLDedup     = 48 * time.Hour
)
