// Package brokertest provides a conformance test suite that every
// broker.Broker implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slidecraft/collab-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		testPublishReachesSubscriber(t, factory)
	})
	t.Run("NoReplayBeforeSubscribe", func(t *testing.T) {
		testNoReplayBeforeSubscribe(t, factory)
	})
	t.Run("MultipleSubscribersToSameDocument", func(t *testing.T) {
		testMultipleSubscribersToSameDocument(t, factory)
	})
	t.Run("DocumentIsolation", func(t *testing.T) {
		testDocumentIsolation(t, factory)
	})
	t.Run("NextHonorsContextCancellation", func(t *testing.T) {
		testNextHonorsContextCancellation(t, factory)
	})
	t.Run("CloseEndsStream", func(t *testing.T) {
		testCloseEndsStream(t, factory)
	})
	t.Run("PublishPreservesOrder", func(t *testing.T) {
		testPublishPreservesOrder(t, factory)
	})
}

func mustSubscribe(t *testing.T, b broker.Broker, ctx context.Context, documentID string) broker.MessageStream {
	t.Helper()
	stream, err := b.Subscribe(ctx, documentID)
	if err != nil {
		t.Fatalf("Subscribe to %s failed: %v", documentID, err)
	}
	t.Cleanup(func() { stream.Close() })
	return stream
}

func testPublishReachesSubscriber(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := mustSubscribe(t, b, ctx, "doc-1")

	want := `{"event":"cursor_moved"}`
	if err := b.Publish(ctx, "doc-1", []byte(want)); err != nil {
		t.Fatalf("Failed to publish frame: %v", err)
	}

	frame, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(frame) != want {
		t.Fatalf("Unexpected frame payload: %s", frame)
	}
}

func testNoReplayBeforeSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Publish(ctx, "doc-1", []byte("before")); err != nil {
		t.Fatalf("Failed to publish frame: %v", err)
	}

	stream := mustSubscribe(t, b, ctx, "doc-1")

	if err := b.Publish(ctx, "doc-1", []byte("after")); err != nil {
		t.Fatalf("Failed to publish frame: %v", err)
	}

	frame, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(frame) != "after" {
		t.Fatalf("Subscription must start from the next published frame, got %s", frame)
	}
}

func testMultipleSubscribersToSameDocument(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream1 := mustSubscribe(t, b, ctx, "doc-1")
	stream2 := mustSubscribe(t, b, ctx, "doc-1")

	if err := b.Publish(ctx, "doc-1", []byte("frame")); err != nil {
		t.Fatalf("Failed to publish frame: %v", err)
	}

	for i, stream := range []broker.MessageStream{stream1, stream2} {
		frame, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Subscriber %d Next failed: %v", i+1, err)
		}
		if string(frame) != "frame" {
			t.Fatalf("Subscriber %d got unexpected frame: %s", i+1, frame)
		}
	}
}

func testDocumentIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := mustSubscribe(t, b, ctx, "doc-a")

	if err := b.Publish(ctx, "doc-b", []byte("other document")); err != nil {
		t.Fatalf("Failed to publish frame: %v", err)
	}

	// Any misrouted frame would arrive within this window.
	shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer shortCancel()
	if frame, err := stream.Next(shortCtx); err == nil {
		t.Fatalf("doc-a subscriber received doc-b frame: %s", frame)
	}
}

func testNextHonorsContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := mustSubscribe(t, b, ctx, "doc-1")

	nextCtx, nextCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(nextCtx)
		done <- err
	}()

	nextCancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after context cancellation")
	}
}

func testCloseEndsStream(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := mustSubscribe(t, b, ctx, "doc-1")
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := stream.Next(ctx); err == nil {
		t.Fatal("Next on a closed stream must fail")
	}
}

func testPublishPreservesOrder(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := mustSubscribe(t, b, ctx, "doc-1")

	const n = 20
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "doc-1", []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to publish frame %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		frame, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if len(frame) != 1 || frame[0] != byte(i) {
			t.Fatalf("Frame %d out of order: %v", i, frame)
		}
	}
}
