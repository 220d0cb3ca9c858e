package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/open-rails/premiumkit/entitlements"
)

// SubscriptionCache is a redis-backed entitlement cache for hosts that run
// more than one process per user session. Entries are keyed per user, so an
// owner mismatch is structurally impossible; TTL is enforced by redis.
type SubscriptionCache struct {
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
}

func NewSubscriptionCache(rdb *redis.Client, keyPrefix string, ttl time.Duration) *SubscriptionCache {
	if keyPrefix == "" {
		keyPrefix = "premium:sub:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SubscriptionCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (c *SubscriptionCache) key(userID uuid.UUID) string { return c.keyNS + userID.String() }

// Get returns the cached record for userID. A stored JSON null is a hit for
// a known-absent row.
func (c *SubscriptionCache) Get(ctx context.Context, userID uuid.UUID) (*entitlements.Record, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec *entitlements.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (c *SubscriptionCache) Put(ctx context.Context, userID uuid.UUID, rec *entitlements.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(userID), b, c.ttl).Err()
}

// Invalidate drops every cached entry under this cache's namespace.
func (c *SubscriptionCache) Invalidate(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.keyNS+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
