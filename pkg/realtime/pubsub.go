// Package realtime provides the ephemeral per-user pub/sub lane used for
// live socket delivery. Channels are best-effort: no durability, no replay.
package realtime

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

// UserChannel names the pub/sub channel of one user.
func UserChannel(userID string) string {
	return "user:" + userID
}

// PubSub is the Redis-backed pub/sub client. One per process.
type PubSub struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &PubSub{client: client}, nil
}

// AddrFromEnv returns the Redis address from the environment.
func AddrFromEnv() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// Publish sends payload to every current subscriber of channel and returns
// how many there were. Zero subscribers is not an error; callers use the
// count to decide on push-notification fallback.
func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	subscribers, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return subscribers, nil
}

// Subscribe opens a subscription that delivers exactly the messages
// published after it was established.
func (p *PubSub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	sub := p.client.Subscribe(ctx, channel)
	// Receive the subscription confirmation so Publish calls made after
	// Subscribe returns are guaranteed to reach this subscriber.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &Subscription{pubsub: sub, channel: channel}, nil
}

// Close shuts down the underlying Redis client.
func (p *PubSub) Close() error {
	return p.client.Close()
}

// Subscription is one live channel subscription.
type Subscription struct {
	pubsub  *redis.PubSub
	channel string
}

// Messages returns the stream of payloads. The channel closes when the
// subscription is closed or the connection is lost.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close unsubscribes and releases the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
