// Package ratelimit bounds how many cases one user may open per calendar day.
// Counters live in Redis keyed by user and UTC date and expire at midnight.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDailyLimit matches the product rule of three new cases per day.
const DefaultDailyLimit = 3

type RedisLimiter struct {
	client *redis.Client
	limit  int64
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, limit int64) *RedisLimiter {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &RedisLimiter{client: client, limit: limit, now: time.Now}
}

// NewRedisLimiterFromURL dials Redis from a redis:// URL.
func NewRedisLimiterFromURL(url string, limit int64) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), limit), nil
}

// Allow increments today's counter and reports whether the user is still under
// the limit. The first increment of the day sets the key to expire at the next
// UTC midnight so counters reset without a sweeper.
func (l *RedisLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	now := l.now().UTC()
	key := fmt.Sprintf("case_starts:%d:%s", userID, now.Format("2006-01-02"))

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		if err := l.client.ExpireAt(ctx, key, midnight).Err(); err != nil {
			return n <= l.limit, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return n <= l.limit, nil
}

func (l *RedisLimiter) Close() error { return l.client.Close() }
