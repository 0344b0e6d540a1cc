package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/open-rails/storekit/status"
)

// StatusCache stores the last published subscription status per user so a
// fresh session can seed last-known-good instead of starting cold.
type StatusCache struct {
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
}

func NewStatusCache(rdb *redis.Client, keyPrefix string, ttl time.Duration) *StatusCache {
	if keyPrefix == "" {
		keyPrefix = "store:status:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StatusCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (c *StatusCache) key(userID string) string { return c.keyNS + userID }

func (c *StatusCache) Put(ctx context.Context, userID string, s status.SubscriptionStatus) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(userID), b, c.ttl).Err()
}

func (c *StatusCache) Get(ctx context.Context, userID string) (status.SubscriptionStatus, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return status.SubscriptionStatus{}, false, nil
	}
	if err != nil {
		return status.SubscriptionStatus{}, false, err
	}
	var s status.SubscriptionStatus
	if err := json.Unmarshal(val, &s); err != nil {
		return status.SubscriptionStatus{}, false, err
	}
	return s, true, nil
}

func (c *StatusCache) Del(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, c.key(userID)).Err()
}
