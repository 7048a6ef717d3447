package holiday

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = 24 * time.Hour

// RedisCache memoizes another Checker in Redis. A cache outage degrades to
// asking the wrapped checker directly.
type RedisCache struct {
	client *redis.Client
	next   Checker
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and wraps next.
func NewRedisCache(redisURL string, next Checker, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, next, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, next Checker, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if next == nil {
		next = None
	}
	return &RedisCache{client: client, next: next, prefix: "holiday:", ttl: ttl}
}

func (c *RedisCache) key(date time.Time, contextID string) string {
	return c.prefix + contextID + ":" + date.Format("2006-01-02")
}

func (c *RedisCache) IsHoliday(ctx context.Context, date time.Time, contextID string) (bool, error) {
	key := c.key(date, contextID)
	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return val == "1", nil
	}
	holiday, lookupErr := c.next.IsHoliday(ctx, date, contextID)
	if lookupErr != nil {
		return false, lookupErr
	}
	if err == redis.Nil {
		flag := "0"
		if holiday {
			flag = "1"
		}
		// Best effort; the answer is already known.
		_ = c.client.Set(ctx, key, flag, c.ttl).Err()
	}
	return holiday, nil
}

// Invalidate drops the cached answer for one day.
func (c *RedisCache) Invalidate(ctx context.Context, date time.Time, contextID string) error {
	if err := c.client.Del(ctx, c.key(date, contextID)).Err(); err != nil {
		return fmt.Errorf("invalidate holiday: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
