// Package cache provides the local read cache shared by the sync coordinator,
// the push subscriber and the local read API.
//
// Writers never put data into the cache directly: the only write primitive
// available to the engine is Invalidate, which marks a key (and every query
// variant sharing its root) stale so the next Read refetches it. Invalidation
// is idempotent, so concurrent pull and push paths may invalidate the same key
// any number of times.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cachelib "github.com/eko/gocache/lib/v4/cache"
	lib_store "github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/sortmail/inboxsync/internal/config"
	"github.com/sortmail/inboxsync/internal/redisclient"
	"github.com/sortmail/inboxsync/internal/telemetry"
)

//go:generate mockgen -destination=mocks/mock_cache.go -package=mocks -source=cache.go Invalidator,Reader

const (
	// memoryCleanupInterval is how often expired in-memory entries are purged
	memoryCleanupInterval = 10 * time.Minute

	// redisKeyPrefix namespaces every key written to Redis
	redisKeyPrefix = "inboxsync:"
)

// Fetcher loads the authoritative value for a key on a cache miss
type Fetcher func(ctx context.Context) ([]byte, error)

// Invalidator marks cached keys stale
type Invalidator interface {
	// Invalidate marks key stale. It never fails: a store error is logged and
	// any in-flight fetch of the key's root is still kept from repopulating it.
	Invalidate(ctx context.Context, key Key)
}

// Reader serves cached reads
type Reader interface {
	// Read returns the cached value for key, calling fetch on a miss
	Read(ctx context.Context, key Key, fetch Fetcher) ([]byte, error)
}

// Cache is the gocache-backed implementation of Invalidator and Reader
type Cache struct {
	store cachelib.CacheInterface[string]
	ttls  map[string]time.Duration
	group singleflight.Group

	// mu guards inflight and orders stores against invalidations
	mu       sync.Mutex
	inflight map[Key]*rootFlight

	metrics     *telemetry.CacheMetrics
	redisClient redis.UniversalClient
	ownsRedis   bool
}

// rootFlight tracks the fetches running under one root key. It exists only
// while at least one Read of the root is in progress.
type rootFlight struct {
	gen     uint64
	readers int
}

// Option configures the cache
type Option func(*Cache)

// WithMetrics sets the cache metrics
func WithMetrics(metrics *telemetry.CacheMetrics) Option {
	return func(c *Cache) {
		c.metrics = metrics
	}
}

// WithRedisClient injects an existing Redis client for the redis and two-level
// modes instead of dialing one from configuration. The caller keeps ownership.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *Cache) {
		c.redisClient = client
	}
}

// New builds a cache for the configured mode
func New(ctx context.Context, cfg *config.CacheConfig, opts ...Option) (*Cache, error) {
	if cfg == nil {
		cfg = &config.CacheConfig{}
	}

	c := &Cache{
		ttls: map[string]time.Duration{
			FamilyThreads:    cfg.GetThreadsTTL(),
			FamilyThread:     cfg.GetThreadTTL(),
			FamilySyncStatus: cfg.GetSyncStatusTTL(),
			FamilyOther:      cfg.GetThreadsTTL(),
		},
		inflight: make(map[Key]*rootFlight),
	}
	for _, opt := range opts {
		opt(c)
	}

	mode := cfg.GetMode()
	if mode != config.CacheModeMemory && c.redisClient == nil {
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client for cache: %w", err)
		}
		c.redisClient = client
		c.ownsRedis = true
	}

	switch mode {
	case config.CacheModeMemory:
		c.store = c.newMemory()
	case config.CacheModeRedis:
		c.store = c.newRedis()
	case config.CacheModeTwoLevel:
		c.store = cachelib.NewChain[string](c.newMemory(), c.newRedis())
	default:
		return nil, fmt.Errorf("unsupported cache mode: %s", mode)
	}

	slog.Info("Cache initialized",
		"mode", mode,
		"threads_ttl", c.ttls[FamilyThreads],
		"thread_ttl", c.ttls[FamilyThread],
		"sync_status_ttl", c.ttls[FamilySyncStatus])

	return c, nil
}

func (c *Cache) newMemory() *cachelib.Cache[string] {
	client := gocache.New(c.ttls[FamilyThreads], memoryCleanupInterval)
	return cachelib.New[string](gocache_store.NewGoCache(client))
}

func (c *Cache) newRedis() *cachelib.Cache[string] {
	return cachelib.New[string](newRedisStore(c.redisClient, redisKeyPrefix))
}

// Read returns the cached value for key or fetches it. Concurrent misses on
// the same key share one fetch, which keeps running if the caller that
// started it goes away. A fetch that completes after the key was invalidated
// is returned to its callers but not stored.
func (c *Cache) Read(ctx context.Context, key Key, fetch Fetcher) ([]byte, error) {
	family := key.Family()

	if value, err := c.store.Get(ctx, key.String()); err == nil && value != "" {
		c.metrics.RecordLookup(ctx, family, true)
		return []byte(value), nil
	}
	c.metrics.RecordLookup(ctx, family, false)

	root := key.Root()
	flight, gen := c.join(root)

	flightKey := fmt.Sprintf("%s#%d", key, gen)
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(flightKey, func() (any, error) {
		data, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if flight.gen != gen {
			slog.Debug("Discarding fetch result invalidated while in flight", "key", key)
			return data, nil
		}

		if err := c.store.Set(fetchCtx, key.String(), string(data),
			lib_store.WithExpiration(c.ttls[family]),
			lib_store.WithTags([]string{root.String()}),
		); err != nil {
			slog.Warn("Failed to store cached value", "key", key, "error", err)
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		// Stay registered until the shared fetch ends so an invalidation still reaches it
		go func() {
			<-ch
			c.leave(root)
		}()
		return nil, fmt.Errorf("failed to fetch %s: %w", key, ctx.Err())
	case res := <-ch:
		c.leave(root)
		if res.Err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", key, res.Err)
		}
		//nolint:forcetypeassert // the flight only ever returns []byte
		return res.Val.([]byte), nil
	}
}

// Invalidate marks key and all variants sharing its root stale
func (c *Cache) Invalidate(ctx context.Context, key Key) {
	root := key.Root()

	c.mu.Lock()
	if flight, ok := c.inflight[root]; ok {
		flight.gen++
	}
	if err := c.store.Delete(ctx, key.String()); err != nil {
		slog.Debug("Failed to delete cached key", "key", key, "error", err)
	}
	if err := c.store.Invalidate(ctx, lib_store.WithInvalidateTags([]string{root.String()})); err != nil {
		slog.Warn("Failed to invalidate cache tag", "tag", root, "error", err)
	}
	c.mu.Unlock()

	c.metrics.RecordInvalidation(ctx, key.Family())
	slog.Debug("Cache key invalidated", "key", key)
}

// Close releases the Redis client if the cache created it
func (c *Cache) Close() error {
	if c.ownsRedis && c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}

// join registers a reader of root and returns the generation it fetches under
func (c *Cache) join(root Key) (*rootFlight, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	flight, ok := c.inflight[root]
	if !ok {
		flight = &rootFlight{}
		c.inflight[root] = flight
	}
	flight.readers++
	return flight, flight.gen
}

// leave drops a reader of root, forgetting the root once nobody reads it
func (c *Cache) leave(root Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	flight := c.inflight[root]
	flight.readers--
	if flight.readers == 0 {
		delete(c.inflight, root)
	}
}
