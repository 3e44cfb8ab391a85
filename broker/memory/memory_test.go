package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/slidecraft/collab-go/broker"
	"github.com/slidecraft/collab-go/broker/brokertest"
)

func TestMemoryBrokerConformance(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestCleanupEndsStreams(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Cleanup(ctx, "doc-1"); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF after cleanup, got %v", err)
	}

	// Publishing into a cleaned-up document is a no-op, not an error.
	if err := b.Publish(ctx, "doc-1", []byte("late")); err != nil {
		t.Fatalf("Publish after cleanup failed: %v", err)
	}
}

func TestCleanupUnknownDocument(t *testing.T) {
	b := New()
	if err := b.Cleanup(context.Background(), "never-seen"); err != nil {
		t.Fatalf("Cleanup of unknown document failed: %v", err)
	}
}
