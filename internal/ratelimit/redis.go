package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SpacingKey and WindowKey name the shared Redis state.
func SpacingKey(name string) string {
	return fmt.Sprintf("imagejobs:ratelimit:%s:last_call", name)
}

func WindowKey(name, key string) string {
	return fmt.Sprintf("imagejobs:ratelimit:%s:window:%s", name, key)
}

// RedisSpacing is Spacing shared by every process using the same Redis.
type RedisSpacing struct {
	rc       *redis.Client
	key      string
	interval time.Duration
	now      func() time.Time
}

func NewRedisSpacing(rc *redis.Client, name string, interval time.Duration) *RedisSpacing {
	return &RedisSpacing{rc: rc, key: SpacingKey(name), interval: interval, now: time.Now}
}

func (s *RedisSpacing) WaitTime(ctx context.Context) (time.Duration, error) {
	v, err := s.rc.Get(ctx, s.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: read last call: %w", err)
	}
	wait := time.UnixMilli(v).Add(s.interval).Sub(s.now())
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}

// Record stores the call time; the key expires once it can no longer
// delay anyone.
func (s *RedisSpacing) Record(ctx context.Context) error {
	ttl := s.interval
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	err := s.rc.Set(ctx, s.key, strconv.FormatInt(s.now().UnixMilli(), 10), ttl).Err()
	if err != nil {
		return fmt.Errorf("ratelimit: record last call: %w", err)
	}
	return nil
}

// RedisWindow is Window backed by one sorted set per key, scored by call
// time in milliseconds.
type RedisWindow struct {
	rc     *redis.Client
	name   string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisWindow(rc *redis.Client, name string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{rc: rc, name: name, limit: limit, window: window, now: time.Now}
}

func (w *RedisWindow) prune(ctx context.Context, key string, now time.Time) (int64, error) {
	cutoff := now.Add(-w.window).UnixMilli()
	pipe := w.rc.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: prune window: %w", err)
	}
	return card.Val(), nil
}

func (w *RedisWindow) CanProceed(ctx context.Context, key string) (bool, error) {
	if w.limit < 1 {
		return true, nil
	}
	n, err := w.prune(ctx, WindowKey(w.name, key), w.now())
	if err != nil {
		return false, err
	}
	return n < int64(w.limit), nil
}

func (w *RedisWindow) Record(ctx context.Context, key string) error {
	if w.limit < 1 {
		return nil
	}
	redisKey := WindowKey(w.name, key)
	now := w.now()
	pipe := w.rc.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.PExpire(ctx, redisKey, w.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: record window call: %w", err)
	}
	return nil
}

func (w *RedisWindow) WaitTime(ctx context.Context, key string) (time.Duration, error) {
	if w.limit < 1 {
		return 0, nil
	}
	redisKey := WindowKey(w.name, key)
	now := w.now()
	n, err := w.prune(ctx, redisKey, now)
	if err != nil {
		return 0, err
	}
	if n < int64(w.limit) {
		return 0, nil
	}
	entries, err := w.rc.ZRangeWithScores(ctx, redisKey, n-int64(w.limit), n-int64(w.limit)).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: read window: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	wait := time.UnixMilli(int64(entries[0].Score)).Add(w.window).Sub(now)
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}
