// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for frame delivery. It is suitable for
// single-process deployments and tests; state is local to the process.
package memory

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/slidecraft/collab-go/broker"
)

// Broker implements broker.Broker with per-document subscriber sets. Frames
// are delivered in publish order to each subscriber.
type Broker struct {
	mu        sync.Mutex
	documents map[string]*document
}

// document is one isolated fan-out channel with its subscribers.
type document struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	doc    *document
	ch     chan []byte
	closed atomic.Bool
}

// New creates a new memory-based broker instance.
func New() *Broker {
	return &Broker{
		documents: make(map[string]*document),
	}
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, documentID string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	doc := b.ensureDocument(documentID)

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.closed {
		// Cleaned up between ensure and lock. Presence traffic is
		// best-effort, so publishing into a torn-down channel is not an
		// error.
		return nil
	}

	frame := append([]byte(nil), data...)
	for sub := range doc.subscribers {
		select {
		case sub.ch <- frame:
		default:
			// Subscriber buffer full; drop rather than block the session's
			// serialized mutation path.
		}
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context, documentID string) (broker.MessageStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	doc := b.ensureDocument(documentID)

	sub := &subscription{
		doc: doc,
		ch:  make(chan []byte, 100), // buffer to avoid blocking publishers
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.closed {
		// Raced with cleanup of a dying session; hand back a stream that is
		// already at EOF.
		close(sub.ch)
		sub.closed.Store(true)
		return sub, nil
	}
	doc.subscribers[sub] = struct{}{}
	return sub, nil
}

// Cleanup implements broker.Broker.Cleanup.
func (b *Broker) Cleanup(ctx context.Context, documentID string) error {
	b.mu.Lock()
	doc, ok := b.documents[documentID]
	if ok {
		delete(b.documents, documentID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	doc.closed = true
	for sub := range doc.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	doc.subscribers = make(map[*subscription]struct{})
	return nil
}

func (b *Broker) ensureDocument(documentID string) *document {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.documents[documentID]
	if !ok {
		doc = &document{subscribers: make(map[*subscription]struct{})}
		b.documents[documentID] = doc
	}
	return doc
}

// Next implements broker.MessageStream.Next.
func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements broker.MessageStream.Close.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.doc.mu.Lock()
		delete(s.doc.subscribers, s)
		s.doc.mu.Unlock()
		close(s.ch)
	}
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
