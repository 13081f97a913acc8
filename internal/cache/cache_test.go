package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// backends returns the caches under test: memory always, Redis unless -short.
func backends(t *testing.T) map[string]func(t *testing.T) cache.Cache {
	t.Helper()
	out := map[string]func(t *testing.T) cache.Cache{
		"memory": func(t *testing.T) cache.Cache {
			mc := cache.NewMemoryCache(50 * time.Millisecond)
			t.Cleanup(func() { _ = mc.Close() })
			return mc
		},
	}
	if !testing.Short() {
		out["redis"] = func(t *testing.T) cache.Cache { return setupRedis(t) }
	}
	return out
}

func TestPing(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, newCache(t).Ping(context.Background()))
		})
	}
}

func TestSetGet_Roundtrip(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()

			require.NoError(t, c.Set(ctx, "test:key", []byte("hello"), 10*time.Second))

			val, found, err := c.Get(ctx, "test:key")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("hello"), val)

			val, found, err = c.Get(ctx, "nonexistent:key")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Nil(t, val)
		})
	}
}

func TestSet_TTLExpiry(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()

			require.NoError(t, c.Set(ctx, "expiry:key", []byte("temp"), time.Second))

			_, found, err := c.Get(ctx, "expiry:key")
			require.NoError(t, err)
			assert.True(t, found)

			time.Sleep(1500 * time.Millisecond)

			_, found, err = c.Get(ctx, "expiry:key")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()

			require.NoError(t, c.Set(ctx, "del:key", []byte("bye"), 10*time.Second))
			require.NoError(t, c.Delete(ctx, "del:key"))

			_, found, err := c.Get(ctx, "del:key")
			require.NoError(t, err)
			assert.False(t, found)

			assert.NoError(t, c.Delete(ctx, "does:not:exist"))
		})
	}
}

func TestSetNX_OnlyFirstWins(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()
			key := "nx:" + uuid.NewString()

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := c.SetNX(ctx, key, []byte("pending"), 10*time.Second)
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())

			// Set overwrites regardless.
			require.NoError(t, c.Set(ctx, key, []byte("done"), 10*time.Second))
			val, _, err := c.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("done"), val)
		})
	}
}

func TestSetNX_AfterExpiry(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()
			key := "nx:exp:" + uuid.NewString()

			ok, err := c.SetNX(ctx, key, []byte("a"), time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			time.Sleep(1500 * time.Millisecond)

			ok, err = c.SetNX(ctx, key, []byte("b"), time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestIncrWithExpiry(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()
			key := "ratelimit:test:" + uuid.NewString()[:8]

			for want := int64(1); want <= 3; want++ {
				val, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
				require.NoError(t, err)
				assert.Equal(t, want, val)
			}
		})
	}
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	for name, newCache := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()
			key := "ratelimit:expiry:" + uuid.NewString()[:8]

			_, err := c.IncrWithExpiry(ctx, key, time.Second)
			require.NoError(t, err)

			time.Sleep(1500 * time.Millisecond)

			// After expiry, should start from 1 again
			val, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(1), val)
		})
	}
}

func TestMemoryCache_CleanupEvictsExpired(t *testing.T) {
	mc := cache.NewMemoryCache(20 * time.Millisecond)
	t.Cleanup(func() { _ = mc.Close() })
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	require.NoError(t, mc.Set(ctx, "long", []byte("y"), time.Hour))

	assert.Eventually(t, func() bool { return mc.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMemoryCache_CloseIdempotent(t *testing.T) {
	mc := cache.NewMemoryCache(time.Second)
	assert.NoError(t, mc.Close())
	assert.NoError(t, mc.Close())
}

// --- Cache Key Builders ---

func TestRateLimitKey(t *testing.T) {
	tenantID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	key := cache.RateLimitKey(tenantID, 29000000)
	assert.Equal(t, "ratelimit:11111111-1111-1111-1111-111111111111:29000000", key)
}

func TestIdempotencyKey(t *testing.T) {
	tenantID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := cache.IdempotencyKey(tenantID, "instance.create", "req-1")
	assert.Equal(t, "idempotency:22222222-2222-2222-2222-222222222222:instance.create:req-1", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	tenantID := uuid.New()

	keys := map[string]bool{
		cache.RateLimitKey(tenantID, 1):           true,
		cache.IdempotencyKey(tenantID, "op", "k"): true,
		cache.DashboardKey(tenantID):              true,
		cache.DashboardKey(uuid.New()):            true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
