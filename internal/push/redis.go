package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ChannelName returns the pub/sub channel the backend publishes a user's events on
func ChannelName(userID string) string {
	return fmt.Sprintf("user:%s:events", userID)
}

// redisTransport reads events straight from the backend's Redis relay.
// Frames carry no event name; the payload's type field identifies them.
type redisTransport struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisTransport creates a transport subscribed to userID's event channel
func NewRedisTransport(client redis.UniversalClient, userID string) (Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required for the redis event source")
	}

	return &redisTransport{
		client:  client,
		channel: ChannelName(userID),
	}, nil
}

// Subscribe subscribes to the channel. Unlike the SSE transport it waits for
// the subscription to be confirmed so a publish right after it is not lost.
// go-redis reconnects the subscription on its own.
func (t *redisTransport) Subscribe(ctx context.Context) (<-chan Frame, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.channel, err)
	}

	slog.Debug("Subscribed to redis event channel", "channel", t.channel)

	out := make(chan Frame, frameBuffer)
	go func() {
		defer close(out)
		defer func() {
			_ = pubsub.Close()
		}()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- Frame{Data: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
