package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/slidecraft/collab-go/broker"
	"github.com/slidecraft/collab-go/broker/brokertest"
)

func TestRedisBroker(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	testClient.Close()

	factory := func(t *testing.T) broker.Broker {
		client := redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
		b := New(Config{
			Client:    client,
			KeyPrefix: "test:collab:doc:",
		})
		t.Cleanup(func() { b.Close() })
		return b
	}

	brokertest.RunBrokerTests(t, factory)
}
