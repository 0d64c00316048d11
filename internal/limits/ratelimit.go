package limits

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	// Count is the number of events in the window, including this one.
	Count   int
	Limit   int
	ResetAt time.Time
}

// Remaining returns how many events are left in the window.
func (d Decision) Remaining() int {
	if d.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Count
}

// RateLimiter counts events per key in a sliding window. Implementations
// fail open: a backend error allows the event.
type RateLimiter interface {
	// Allow records one event for key and reports whether the window holds
	// at most limit events.
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
	// Count returns the events recorded for key within window without
	// recording a new one.
	Count(ctx context.Context, key string, window time.Duration) int
}

// RedisLimiter keeps one sorted set per key, scored by event time, so every
// proxy instance shares the same windows.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisLimiter connects to redisURL (redis://host:port/db) and verifies
// the connection.
func NewRedisLimiter(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisLimiterWithClient(client, logger), nil
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, prefix: "ratelimit:", logger: logger, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := l.now()
	k := l.prefix + key

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.ZAdd(ctx, k, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	card := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, 2*window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("redis rate limit check failed, failing open",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return Decision{Allowed: true, Limit: limit, ResetAt: now.Add(window)}
	}

	count := int(card.Val())
	return Decision{Allowed: count <= limit, Count: count, Limit: limit, ResetAt: now.Add(window)}
}

func (l *RedisLimiter) Count(ctx context.Context, key string, window time.Duration) int {
	now := l.now()
	n, err := l.client.ZCount(ctx, l.prefix+key, fmt.Sprintf("%d", now.Add(-window).UnixNano()), "+inf").Result()
	if err != nil {
		l.logger.Warn("redis rate limit count failed, failing open",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return 0
	}
	return int(n)
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// MemoryLimiter is a single-process RateLimiter. Windows live in a bounded
// LRU so idle keys are evicted.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows *expirable.LRU[string, []time.Time]
	now     func() time.Time
}

// NewMemoryLimiter tracks at most size keys, each idle for at most ttl.
func NewMemoryLimiter(size int, ttl time.Duration) *MemoryLimiter {
	if size <= 0 {
		size = 10000
	}
	return &MemoryLimiter{
		windows: expirable.NewLRU[string, []time.Time](size, nil, ttl),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	events := append(l.prune(key, now, window), now)
	l.windows.Add(key, events)

	count := len(events)
	return Decision{Allowed: count <= limit, Count: count, Limit: limit, ResetAt: events[0].Add(window)}
}

func (l *MemoryLimiter) Count(_ context.Context, key string, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(key, l.now(), window))
}

func (l *MemoryLimiter) prune(key string, now time.Time, window time.Duration) []time.Time {
	events, _ := l.windows.Get(key)
	cutoff := now.Add(-window)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return append([]time.Time(nil), events[i:]...)
}
