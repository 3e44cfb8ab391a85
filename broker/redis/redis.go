// Package redis provides a Redis Pub/Sub-backed implementation of the
// broker.Broker interface so that collaboration traffic for one document
// reaches members connected to different server processes.
package redis

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/slidecraft/collab-go/broker"
)

// Broker implements broker.Broker on Redis Pub/Sub. Pub/Sub matches the
// collaboration layer's delivery contract exactly: forward-only, no replay,
// at-most-once per subscriber.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client connecting
	// to localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis channels used by the broker.
	// Defaults to "collab:doc:" if empty.
	KeyPrefix string
}

// New creates a new Redis-based broker instance.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "collab:doc:"
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, documentID string, data []byte) error {
	channel := b.channel(documentID)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe. The Redis subscription is
// confirmed before Subscribe returns, so no frame published afterwards is
// missed.
func (b *Broker) Subscribe(ctx context.Context, documentID string) (broker.MessageStream, error) {
	channel := b.channel(documentID)

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to channel %s: %w", channel, err)
	}

	return &stream{
		pubsub: pubsub,
		ch:     pubsub.Channel(),
	}, nil
}

// Cleanup implements broker.Broker.Cleanup. Redis Pub/Sub channels carry no
// durable state; subscriptions end when their streams are closed, so there
// is nothing to delete server-side.
func (b *Broker) Cleanup(ctx context.Context, documentID string) error {
	return nil
}

func (b *Broker) channel(documentID string) string {
	return b.keyPrefix + documentID
}

// stream adapts a redis.PubSub to broker.MessageStream.
type stream struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Next implements broker.MessageStream.Next.
func (s *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements broker.MessageStream.Close.
func (s *stream) Close() error {
	return s.pubsub.Close()
}

// Compile-time interface checks
var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
