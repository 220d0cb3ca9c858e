package redislimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	memorylimiter "github.com/open-rails/premiumkit/ratelimit/memory"
)

// Limiter is a Redis-backed sliding-window limiter using ZSETs, for hosts
// running more than one node behind the same user base.
type Limiter struct {
	rdb    *redis.Client
	limits map[string]memorylimiter.Limit
}

// New constructs a limiter. nil limits selects the memory variant's
// DefaultLimits so both backends enforce the same policy.
func New(rdb *redis.Client, limits map[string]memorylimiter.Limit) *Limiter {
	if limits == nil {
		limits = memorylimiter.DefaultLimits
	}
	return &Limiter{rdb: rdb, limits: limits}
}

func (l *Limiter) limitFor(bucket string) memorylimiter.Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return memorylimiter.Limit{Limit: 60, Window: time.Minute}
}

// AllowNamed reports whether one more request in bucket is allowed for key.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}

	ctx := context.Background()
	lim := l.limitFor(bucket)
	now := time.Now().UnixMilli()
	start := now - lim.Window.Milliseconds()
	zkey := "premium:rl:" + bucket + ":" + key

	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now), Member: now})
	pipe.ZRemRangeByScore(ctx, zkey, "0", fmt.Sprintf("%d", start))
	countCmd := pipe.ZCard(ctx, zkey)
	pipe.Expire(ctx, zkey, lim.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	count, err := countCmd.Result()
	if err != nil {
		return false, err
	}
	if count > int64(lim.Limit) {
		l.rdb.ZRem(ctx, zkey, now)
		return false, nil
	}
	return true, nil
}
