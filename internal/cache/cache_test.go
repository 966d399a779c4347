package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	cachelib "github.com/eko/gocache/lib/v4/cache"
	lib_store "github.com/eko/gocache/lib/v4/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortmail/inboxsync/internal/config"
)

// countingFetcher returns a fetcher that counts its calls and answers with a
// body embedding the call number.
func countingFetcher(calls *atomic.Int32) Fetcher {
	return func(_ context.Context) ([]byte, error) {
		n := calls.Add(1)
		return []byte(fmt.Sprintf(`{"fetch":%d}`, n)), nil
	}
}

func newMemoryCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(context.Background(), &config.CacheConfig{})
	require.NoError(t, err)
	return c
}

func newRedisCache(t *testing.T, mode string) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := New(context.Background(), &config.CacheConfig{Mode: mode}, WithRedisClient(client))
	require.NoError(t, err)
	return c, mr
}

func TestCache_Read_CachesValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	var calls atomic.Int32
	first, err := c.Read(ctx, ThreadsKey, countingFetcher(&calls))
	require.NoError(t, err)
	second, err := c.Read(ctx, ThreadsKey, countingFetcher(&calls))
	require.NoError(t, err)

	assert.Equal(t, `{"fetch":1}`, string(first))
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Invalidate_Idempotent(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 5, 50} {
		t.Run(fmt.Sprintf("%d_invalidations", n), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := newMemoryCache(t)

			var calls atomic.Int32
			_, err := c.Read(ctx, ThreadsKey, countingFetcher(&calls))
			require.NoError(t, err)

			for range n {
				c.Invalidate(ctx, ThreadsKey)
			}

			for range 3 {
				_, err := c.Read(ctx, ThreadsKey, countingFetcher(&calls))
				require.NoError(t, err)
			}

			assert.Equal(t, int32(2), calls.Load(), "N invalidations must cause exactly one refetch")
		})
	}
}

func TestCache_Invalidate_CoversQueryVariants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	var calls atomic.Int32
	keys := []Key{ThreadsKey, ThreadsQueryKey("filter=urgent"), ThreadsQueryKey("filter=unread")}
	for _, k := range keys {
		_, err := c.Read(ctx, k, countingFetcher(&calls))
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), calls.Load())

	c.Invalidate(ctx, ThreadsKey)

	for _, k := range keys {
		_, err := c.Read(ctx, k, countingFetcher(&calls))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(6), calls.Load())
}

func TestCache_Invalidate_LeavesOtherKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	var calls atomic.Int32
	_, err := c.Read(ctx, ThreadKey("t1"), countingFetcher(&calls))
	require.NoError(t, err)
	_, err = c.Read(ctx, SyncStatusKey, countingFetcher(&calls))
	require.NoError(t, err)

	c.Invalidate(ctx, ThreadKey("t2"))
	c.Invalidate(ctx, ThreadsKey)

	_, err = c.Read(ctx, ThreadKey("t1"), countingFetcher(&calls))
	require.NoError(t, err)
	_, err = c.Read(ctx, SyncStatusKey, countingFetcher(&calls))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Read_InFlightFetchNotStoredAfterInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(_ context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte(`"stale"`), nil
	}

	done := make(chan []byte)
	go func() {
		data, err := c.Read(ctx, ThreadsKey, slow)
		assert.NoError(t, err)
		done <- data
	}()

	<-started
	c.Invalidate(ctx, ThreadsKey)
	close(release)
	assert.Equal(t, `"stale"`, string(<-done))

	var calls atomic.Int32
	data, err := c.Read(ctx, ThreadsKey, countingFetcher(&calls))
	require.NoError(t, err)
	assert.Equal(t, `{"fetch":1}`, string(data))
	assert.Equal(t, int32(1), calls.Load())
}

// gatedStore parks the first Set until release is closed
type gatedStore struct {
	cachelib.CacheInterface[string]
	gated   atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func (g *gatedStore) Set(ctx context.Context, key any, object string, options ...lib_store.Option) error {
	if g.gated.CompareAndSwap(false, true) {
		close(g.parked)
		<-g.release
	}
	return g.CacheInterface.Set(ctx, key, object, options...)
}

func TestCache_Invalidate_DuringStoreWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	gate := &gatedStore{
		CacheInterface: c.store,
		parked:         make(chan struct{}),
		release:        make(chan struct{}),
	}
	c.store = gate

	done := make(chan []byte)
	go func() {
		data, err := c.Read(ctx, ThreadsKey, func(context.Context) ([]byte, error) {
			return []byte(`"stale"`), nil
		})
		assert.NoError(t, err)
		done <- data
	}()

	<-gate.parked
	invalidated := make(chan struct{})
	go func() {
		c.Invalidate(ctx, ThreadsKey)
		close(invalidated)
	}()
	close(gate.release)

	assert.Equal(t, `"stale"`, string(<-done))
	<-invalidated

	var calls atomic.Int32
	data, err := c.Read(ctx, ThreadsKey, countingFetcher(&calls))
	require.NoError(t, err)
	assert.Equal(t, `{"fetch":1}`, string(data))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Read_ForgetsIdleRoots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	var calls atomic.Int32
	for i := range 100 {
		key := ThreadKey(fmt.Sprintf("t%d", i))
		_, err := c.Read(ctx, key, countingFetcher(&calls))
		require.NoError(t, err)
		c.Invalidate(ctx, key)
	}
	c.Invalidate(ctx, ThreadsKey)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.inflight)
}

func TestCache_Read_CancelledCallerDoesNotCancelSharedFetch(t *testing.T) {
	t.Parallel()
	c := newMemoryCache(t)

	var fetchErrs sync.Map
	var calls atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fetch := func(fetchCtx context.Context) ([]byte, error) {
		n := calls.Add(1)
		started <- struct{}{}
		<-release
		fetchErrs.Store(n, fetchCtx.Err())
		return []byte(`{"id":"t1"}`), nil
	}

	callerCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error)
	go func() {
		_, err := c.Read(callerCtx, ThreadKey("t1"), fetch)
		first <- err
	}()
	<-started

	second := make(chan []byte)
	go func() {
		data, err := c.Read(context.Background(), ThreadKey("t1"), fetch)
		assert.NoError(t, err)
		second <- data
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		flight, ok := c.inflight[ThreadKey("t1")]
		return ok && flight.readers == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(release)
	assert.Equal(t, `{"id":"t1"}`, string(<-second))

	fetchErrs.Range(func(_, value any) bool {
		assert.Nil(t, value, "shared fetch must not see the caller's cancellation")
		return true
	})

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.inflight) == 0
	}, time.Second, time.Millisecond)
}

func TestCache_Read_ConcurrentMissesShareFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(_ context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`[]`), nil
	}

	const readers = 10
	var wg sync.WaitGroup
	wg.Add(readers)
	for range readers {
		go func() {
			defer wg.Done()
			data, err := c.Read(ctx, ThreadKey("t1"), fetch)
			assert.NoError(t, err)
			assert.Equal(t, `[]`, string(data))
		}()
	}

	// Give the readers time to pile up on the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(readers))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	_, err := c.Read(ctx, ThreadKey("t1"), fetch)
	require.NoError(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(readers))
}

func TestCache_Read_FetchError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemoryCache(t)

	boom := errors.New("boom")
	_, err := c.Read(ctx, SyncStatusKey, func(context.Context) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	var calls atomic.Int32
	_, err = c.Read(ctx, SyncStatusKey, countingFetcher(&calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "errors must not be cached")
}

func TestCache_Redis(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{config.CacheModeRedis, config.CacheModeTwoLevel} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c, mr := newRedisCache(t, mode)

			var calls atomic.Int32
			_, err := c.Read(ctx, ThreadsQueryKey("filter=urgent"), countingFetcher(&calls))
			require.NoError(t, err)
			_, err = c.Read(ctx, ThreadsQueryKey("filter=urgent"), countingFetcher(&calls))
			require.NoError(t, err)
			assert.Equal(t, int32(1), calls.Load())
			assert.True(t, mr.Exists(redisKeyPrefix+"threads?filter=urgent"))

			c.Invalidate(ctx, ThreadsKey)
			c.Invalidate(ctx, ThreadsKey)
			assert.False(t, mr.Exists(redisKeyPrefix+"threads?filter=urgent"))

			_, err = c.Read(ctx, ThreadsQueryKey("filter=urgent"), countingFetcher(&calls))
			require.NoError(t, err)
			assert.Equal(t, int32(2), calls.Load())

			require.NoError(t, c.Close())
		})
	}
}

func TestCache_Redis_TTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, mr := newRedisCache(t, config.CacheModeRedis)

	var calls atomic.Int32
	_, err := c.Read(ctx, ThreadKey("t1"), countingFetcher(&calls))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultThreadTTL, mr.TTL(redisKeyPrefix+"thread:t1"))

	mr.FastForward(config.DefaultThreadTTL + time.Second)
	_, err = c.Read(ctx, ThreadKey("t1"), countingFetcher(&calls))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNew_RedisUnavailable(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), &config.CacheConfig{
		Mode:  config.CacheModeRedis,
		Redis: &config.RedisConfig{Addr: "127.0.0.1:1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create redis client for cache")
}
