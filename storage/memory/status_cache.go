package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/open-rails/storekit/status"
)

// StatusCache is an in-memory last-known-status cache with TTL, keyed by
// user id. It is the single-node fallback when Redis is unavailable.
type StatusCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	data   map[string]item
	closed chan struct{}
}

type item struct {
	v   status.SubscriptionStatus
	exp time.Time
}

// NewStatusCache creates an in-memory status cache with the given TTL.
// If ttl <= 0, a default of 24 hours is used. A background goroutine
// cleans up expired entries every minute; call Close when done.
func NewStatusCache(ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &StatusCache{ttl: ttl, data: make(map[string]item), closed: make(chan struct{})}
	go c.cleanupLoop()
	return c
}

func (c *StatusCache) Put(ctx context.Context, userID string, s status.SubscriptionStatus) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[userID] = item{v: s, exp: time.Now().Add(c.ttl)}
	return nil
}

func (c *StatusCache) Get(ctx context.Context, userID string) (status.SubscriptionStatus, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.data[userID]
	if !ok {
		return status.SubscriptionStatus{}, false, nil
	}
	if time.Now().After(it.exp) {
		delete(c.data, userID)
		return status.SubscriptionStatus{}, false, nil
	}
	return it.v, true, nil
}

func (c *StatusCache) Del(ctx context.Context, userID string) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, userID)
	return nil
}

func (c *StatusCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.closed:
			return
		}
	}
}

func (c *StatusCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, v := range c.data {
		if now.After(v.exp) {
			delete(c.data, k)
		}
	}
}

// Close stops the background cleanup goroutine.
func (c *StatusCache) Close() error {
	close(c.closed)
	return nil
}
