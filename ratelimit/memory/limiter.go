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

// Limiter is an in-memory fixed-window rate limiter guarding the mutating
// storefront endpoints (purchase, restore). Single-node by design: the
// kit fronts one user session, so a distributed limiter has nothing to
// coordinate.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// New constructs a limiter with the provided per-bucket limits. Buckets
// without an explicit limit fall back to "default", then to 30/minute.
func New(limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{limits: limits, windows: make(map[string]*window)}
}

func (l *Limiter) limitFor(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return Limit{Limit: 30, Window: time.Minute}
}

// AllowNamed reports whether one more request is allowed for the
// bucket/key pair. Expired windows are reset in place, and denied
// requests are not counted against the next window.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}

	lim := l.limitFor(bucket)
	now := time.Now()
	wkey := key + ":" + bucket

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[wkey]
	if !ok || now.Sub(w.start) >= lim.Window {
		w = &window{start: now}
		l.windows[wkey] = w
	}
	if w.count >= lim.Limit {
		return false, nil
	}
	w.count++
	return true, nil
}
