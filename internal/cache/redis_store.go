package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lib_store "github.com/eko/gocache/lib/v4/store"
	"github.com/redis/go-redis/v9"
)

const (
	// RedisStoreType is returned by redisStore.GetType
	RedisStoreType = "redis"

	// redisTagPattern is the set key holding the members of a tag
	redisTagPattern = "inboxsync_tag_%s"

	// defaultRedisTagTTL keeps tag sets around longer than any cached value
	defaultRedisTagTTL = 24 * time.Hour
)

// redisClient is the subset of go-redis the store needs
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// redisStore is a gocache store that keeps raw response bodies as Redis
// strings and supports tag invalidation through Redis sets.
type redisStore struct {
	client    redisClient
	keyPrefix string
	options   *lib_store.Options
}

func newRedisStore(client redisClient, keyPrefix string, options ...lib_store.Option) *redisStore {
	return &redisStore{
		client:    client,
		keyPrefix: keyPrefix,
		options:   lib_store.ApplyOptions(options...),
	}
}

func (s *redisStore) key(key any) string {
	return fmt.Sprintf("%s%v", s.keyPrefix, key)
}

// Get returns the value stored under key
func (s *redisStore) Get(ctx context.Context, key any) (any, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lib_store.NotFoundWithCause(err)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// GetWithTTL returns the value stored under key and its remaining lifetime
func (s *redisStore) GetWithTTL(ctx context.Context, key any) (any, time.Duration, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return nil, 0, err
	}
	return value, ttl, nil
}

// Set stores value under key and records it in every tag set
func (s *redisStore) Set(ctx context.Context, key any, value any, options ...lib_store.Option) error {
	opts := lib_store.ApplyOptionsWithDefault(s.options, options...)

	if err := s.client.Set(ctx, s.key(key), value, opts.Expiration).Err(); err != nil {
		return err
	}

	tagTTL := opts.TagsTTL
	if tagTTL == 0 {
		tagTTL = defaultRedisTagTTL
	}
	for _, tag := range opts.Tags {
		tagKey := s.key(fmt.Sprintf(redisTagPattern, tag))
		if err := s.client.SAdd(ctx, tagKey, s.key(key)).Err(); err != nil {
			return fmt.Errorf("failed to tag %v with %s: %w", key, tag, err)
		}
		s.client.Expire(ctx, tagKey, tagTTL)
	}

	return nil
}

// Delete removes key
func (s *redisStore) Delete(ctx context.Context, key any) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Invalidate removes every key recorded under the given tags
func (s *redisStore) Invalidate(ctx context.Context, options ...lib_store.InvalidateOption) error {
	opts := lib_store.ApplyInvalidateOptions(options...)

	for _, tag := range opts.Tags {
		tagKey := s.key(fmt.Sprintf(redisTagPattern, tag))
		members, err := s.client.SMembers(ctx, tagKey).Result()
		if err != nil {
			return fmt.Errorf("failed to read tag %s: %w", tag, err)
		}

		if err := s.client.Del(ctx, append(members, tagKey)...).Err(); err != nil {
			return fmt.Errorf("failed to invalidate tag %s: %w", tag, err)
		}
	}

	return nil
}

// Clear is not supported: the Redis database may be shared with other data.
func (*redisStore) Clear(_ context.Context) error {
	return errors.New("clear is not supported by the redis cache store")
}

// GetType returns the store type
func (*redisStore) GetType() string {
	return RedisStoreType
}
