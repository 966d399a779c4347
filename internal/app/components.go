package app

import (
	"github.com/redis/go-redis/v9"

	"github.com/sortmail/inboxsync/internal/cache"
	"github.com/sortmail/inboxsync/internal/engine"
	"github.com/sortmail/inboxsync/internal/remote"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Engine mounts the sync coordinator and the push subscriber
	Engine engine.Engine

	// Cache serves local reads and receives every invalidation
	Cache *cache.Cache

	// Client talks to the remote API
	Client remote.Client

	// StreamRedis is the pub/sub connection of the Redis push source (optional)
	StreamRedis redis.UniversalClient
}
