package smtpauth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const failureKeyPrefix = "encimap:smtpauth:fail:"

// Cache throttles repeated authentication failures per username using
// redis. Counters expire on their own, so a quiet username recovers
// without intervention.
type Cache struct {
	client      *redis.Client
	maxFailures int64
	window      time.Duration
}

// NewCache creates a Cache. maxFailures and window default to 10 failures
// in 15 minutes when zero.
func NewCache(client *redis.Client, maxFailures int64, window time.Duration) *Cache {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Cache{client: client, maxFailures: maxFailures, window: window}
}

// Blocked reports whether a username has exhausted its failure budget.
func (c *Cache) Blocked(ctx context.Context, username string) (bool, error) {
	n, err := c.client.Get(ctx, failureKeyPrefix+username).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= c.maxFailures, nil
}

// RecordFailure bumps the failure counter. The expiry is set on the first
// failure only; the window is from the first failure, not the last.
func (c *Cache) RecordFailure(ctx context.Context, username string) error {
	key := failureKeyPrefix + username
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		return c.client.Expire(ctx, key, c.window).Err()
	}
	return nil
}

// Clear drops the failure counter after a successful authentication or a
// password reissue.
func (c *Cache) Clear(ctx context.Context, username string) error {
	return c.client.Del(ctx, failureKeyPrefix+username).Err()
}
