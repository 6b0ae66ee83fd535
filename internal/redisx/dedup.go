package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup claims ids with SET NX so at-least-once deliveries are processed
// once per scope. A claim is released when processing fails and the sender
// is expected to redeliver.
type Dedup struct {
	rdb   *redis.Client
	scope string
	ttl   time.Duration
}

func NewDedup(rdb *redis.Client, scope string) *Dedup {
	return &Dedup{rdb: rdb, scope: scope, ttl: TTLDedup}
}

// Claim reports whether id was claimed by this call. False means another
// delivery already claimed it.
func (d *Dedup) Claim(ctx context.Context, id string) (bool, error) {
	return d.rdb.SetNX(ctx, d.key(id), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *Dedup) Release(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, d.key(id)).Err()
}

func (d *Dedup) key(id string) string { return fmt.Sprintf(KeyDedup, d.scope, id) }
