package oracle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RateLimiter admits calls per authority within a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, authority string) (bool, error)
}

// MemoryLimiter is a process-local sliding window.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryLimiter(limit int, window time.Duration, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{limit: limit, window: window, now: now, hits: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Allow(_ context.Context, authority string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.hits[authority][:0]
	for _, t := range l.hits[authority] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[authority] = kept
		return false, nil
	}
	l.hits[authority] = append(kept, now)
	return true, nil
}

// RedisLimiter shares the sliding window across replicas using one sorted set
// per authority, scored by call time in milliseconds.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "caregate:oracle:rl:", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, authority string) (bool, error) {
	key := l.prefix + authority
	now := l.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10)

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, l.window+time.Second)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit window %s: %w", key, err)
	}
	if card.Val() > int64(l.limit) {
		if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
			return false, fmt.Errorf("release rate limit slot %s: %w", key, err)
		}
		return false, nil
	}
	return true, nil
}
