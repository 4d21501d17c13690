package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a single-flight processing flag with a hard expiry. A holder that
// crashes or hangs loses the lock once ttl passes.
type Lock interface {
	// TryAcquire returns a token when the lock was free, or "" when held.
	TryAcquire(ctx context.Context, ttl time.Duration) (string, error)
	// Release frees the lock if token still owns it.
	Release(ctx context.Context, token string) error
}

// MemoryLock coordinates drivers inside one process.
type MemoryLock struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

func NewMemoryLock(now func() time.Time) *MemoryLock {
	if now == nil {
		now = time.Now
	}
	return &MemoryLock{now: now}
}

func (l *MemoryLock) TryAcquire(_ context.Context, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.token != "" && now.Before(l.expires) {
		return "", nil
	}
	l.token = uuid.NewString()
	l.expires = now.Add(ttl)
	return l.token, nil
}

func (l *MemoryLock) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != "" && token == l.token {
		l.token = ""
		l.expires = time.Time{}
	}
	return nil
}

// Held reports whether an unexpired holder exists.
func (l *MemoryLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token != "" && l.now().Before(l.expires)
}

// releaseScript deletes the key only when it still carries our token, so a
// holder whose lock already expired cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockKey names the shared processing lock.
func LockKey(name string) string {
	return fmt.Sprintf("imagejobs:driver:%s:lock", name)
}

// RedisLock coordinates drivers across processes.
type RedisLock struct {
	rc  *redis.Client
	key string
}

func NewRedisLock(rc *redis.Client, name string) *RedisLock {
	return &RedisLock{rc: rc, key: LockKey(name)}
}

func (l *RedisLock) TryAcquire(ctx context.Context, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.rc.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("driver: acquire lock: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (l *RedisLock) Release(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rc, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("driver: release lock: %w", err)
	}
	return nil
}
