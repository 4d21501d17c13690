package driver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rc := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err())
	return rc
}

func TestRedisLockSingleFlight(t *testing.T) {
	rc := startRedis(t)
	ctx := context.Background()
	a := NewRedisLock(rc, "image-generation")
	b := NewRedisLock(rc, "image-generation")

	token, err := a.TryAcquire(ctx, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := b.TryAcquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, b.Release(ctx, "not-the-owner"))
	other, err = b.TryAcquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Empty(t, other, "foreign release must not free the lock")

	require.NoError(t, a.Release(ctx, token))
	other, err = b.TryAcquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, other)
}

func TestRedisLockExpires(t *testing.T) {
	rc := startRedis(t)
	ctx := context.Background()
	lock := NewRedisLock(rc, "expiry")

	token, err := lock.TryAcquire(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	time.Sleep(400 * time.Millisecond)
	next, err := lock.TryAcquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, next)
}
