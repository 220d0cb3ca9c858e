package memorylimiter

import (
	"fmt"
	"sync"
	"time"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// DefaultLimits guards premiumkit's abuse-prone surfaces. A user-initiated
// subscription refresh triggers a remote read, so it gets a tight window.
var DefaultLimits = map[string]Limit{
	"premium:refresh": {Limit: 6, Window: time.Minute},
	"default":         {Limit: 60, Window: time.Minute},
}

// Limiter is an in-memory sliding-window rate limiter for single-node
// hosts; multi-node deployments should use the redis variant.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	history map[string][]int64 // request times in Unix ms, newest last
}

// New constructs a limiter. nil limits selects DefaultLimits.
func New(limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{
		limits:  limits,
		history: make(map[string][]int64),
	}
}

func (l *Limiter) limitFor(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return Limit{Limit: 60, Window: time.Minute}
}

// AllowNamed reports whether one more request in bucket is allowed for key.
// Denied attempts are not recorded against the window.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}

	lim := l.limitFor(bucket)
	nowMs := time.Now().UnixMilli()
	windowStart := nowMs - lim.Window.Milliseconds()
	histKey := bucket + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.history[histKey]
	keep := 0
	for keep < len(ts) && ts[keep] < windowStart {
		keep++
	}
	ts = ts[keep:]

	if len(ts) >= lim.Limit {
		if len(ts) == 0 {
			delete(l.history, histKey)
		} else {
			l.history[histKey] = ts
		}
		return false, nil
	}

	l.history[histKey] = append(ts, nowMs)
	return true, nil
}
