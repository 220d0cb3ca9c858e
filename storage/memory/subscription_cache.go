package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/premiumkit/entitlements"
)

// DefaultTTL is the maximum age at which a cached entitlement record is
// still served.
const DefaultTTL = 5 * time.Minute

// SubscriptionCache holds the last-fetched entitlement record for a single
// user. One live entry per process: a Put fully replaces whatever was there,
// and a Get for a different owner clears the entry rather than ever serving
// another user's record.
type SubscriptionCache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	record    *entitlements.Record
	owner     uuid.UUID
	populated bool
	fetchedAt time.Time
}

// NewSubscriptionCache creates an empty cache. If ttl <= 0, DefaultTTL is used.
func NewSubscriptionCache(ttl time.Duration) *SubscriptionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SubscriptionCache{ttl: ttl, now: time.Now}
}

// WithClock replaces the cache's time source. Test hook.
func (c *SubscriptionCache) WithClock(now func() time.Time) *SubscriptionCache {
	c.now = now
	return c
}

// Get returns the cached record for userID. ok is false on an empty cache,
// an expired entry, or an owner mismatch; a mismatch also clears the entry.
// The cached record itself may be nil (a known-absent row).
func (c *SubscriptionCache) Get(ctx context.Context, userID uuid.UUID) (*entitlements.Record, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.populated {
		return nil, false, nil
	}
	if c.owner != userID {
		// Serving a stale owner's record would be a correctness bug,
		// not a staleness tradeoff.
		c.clearLocked()
		return nil, false, nil
	}
	if c.now().Sub(c.fetchedAt) >= c.ttl {
		c.clearLocked()
		return nil, false, nil
	}
	return c.record, true, nil
}

// Put stores rec for userID, replacing any prior entry entirely.
func (c *SubscriptionCache) Put(ctx context.Context, userID uuid.UUID, rec *entitlements.Record) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record = rec
	c.owner = userID
	c.populated = true
	c.fetchedAt = c.now()
	return nil
}

// Invalidate clears the cache back to empty. Idempotent.
func (c *SubscriptionCache) Invalidate(ctx context.Context) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	return nil
}

func (c *SubscriptionCache) clearLocked() {
	c.record = nil
	c.owner = uuid.Nil
	c.populated = false
	c.fetchedAt = time.Time{}
}
