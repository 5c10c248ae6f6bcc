package api

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var checkoutRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimiter decides whether subject may start another checkout.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (allowed bool, retryAfterSeconds int, err error)
}

// RedisRateLimiter is a fixed-window limiter shared by every payment-service replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix, limit: limit, window: window}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return true, 0, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return true, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:checkout:%s", r.prefix, subject)
	rawResult, err := checkoutRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	if int(count) <= r.limit {
		return true, 0, nil
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// LocalRateLimiter keeps one token bucket per subject in process memory.
type LocalRateLimiter struct {
	limiters *cache.Cache
	every    rate.Limit
	burst    int
}

// NewLocalRateLimiter allows limit requests per window for each subject.
func NewLocalRateLimiter(limit int, window time.Duration) *LocalRateLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &LocalRateLimiter{
		limiters: cache.New(2*window, 4*window),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	var limiter *rate.Limiter
	if cached, ok := l.limiters.Get(subject); ok {
		limiter = cached.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.every, l.burst)
		if err := l.limiters.Add(subject, limiter, cache.DefaultExpiration); err != nil {
			// Lost the race to another request for the same subject.
			if cached, ok := l.limiters.Get(subject); ok {
				limiter = cached.(*rate.Limiter)
			}
		}
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return true, 0, nil
	}
	reservation.Cancel()
	return false, int(math.Ceil(delay.Seconds())), nil
}

// FallbackRateLimiter uses primary and switches to fallback for a request when primary errors.
type FallbackRateLimiter struct {
	primary  RateLimiter
	fallback RateLimiter
	logger   *slog.Logger
}

func NewFallbackRateLimiter(primary, fallback RateLimiter, logger *slog.Logger) *FallbackRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRateLimiter{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackRateLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	allowed, retryAfter, err := f.primary.Allow(ctx, subject)
	if err == nil {
		return allowed, retryAfter, nil
	}
	f.logger.Warn("distributed rate limiter unavailable; using local limiter", "error", err)
	return f.fallback.Allow(ctx, subject)
}
