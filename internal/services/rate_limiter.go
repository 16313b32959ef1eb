package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RateLimiter counts successful requests per user per UTC day in Redis.
// It fails open: without Redis every request is allowed.
type RateLimiter struct {
	redis  *redis.Client
	name   string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(redisClient *redis.Client, name string, maxPerDay int) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		name:   name,
		limit:  maxPerDay,
		window: 24 * time.Hour,
		now:    time.Now,
	}
}

func (l *RateLimiter) key(userID string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", l.name, userID, l.now().UTC().Format("2006-01-02"))
}

// Allow reports whether userID is under today's limit and how many requests remain.
func (l *RateLimiter) Allow(ctx context.Context, userID string) (int, bool) {
	if l.redis == nil || l.limit <= 0 {
		return l.limit, true
	}

	count, err := l.redis.Get(ctx, l.key(userID)).Int()
	if err != nil && err != redis.Nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("[RATELIMIT] Check failed, allowing request")
		return 0, true
	}

	if count >= l.limit {
		return 0, false
	}
	return l.limit - count, true
}

// Record counts one successful request.
func (l *RateLimiter) Record(ctx context.Context, userID string) {
	if l.redis == nil {
		return
	}

	key := l.key(userID)
	pipe := l.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("[RATELIMIT] Failed to record request")
	}
}
