// Package store declares the persistence collaborator the collaboration
// layer consumes. The collaboration server only guarantees in-memory
// fan-out; materialized document content and a durable record of accepted
// operations are supplied and owned by an external store.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/slidecraft/collab-go/protocol"
)

// DocumentStore supplies initial document content for join snapshots and
// durably records accepted operations. Implementations must tolerate unknown
// documents: LoadContent returns nil content rather than an error so a
// session can still form around a document the store has never seen.
type DocumentStore interface {
	// LoadContent returns the document's materialized content and its last
	// modification time, or nil content if the store has no record of it.
	LoadContent(ctx context.Context, documentID string) (json.RawMessage, *time.Time, error)

	// AppendOperation records one accepted operation at its assigned
	// version. Failures are logged and tolerated upstream; they never block
	// fan-out.
	AppendOperation(ctx context.Context, documentID string, version uint64, userID string, op protocol.Operation) error
}

// Noop is a DocumentStore that stores nothing. It serves deployments where
// persistence is handled entirely outside the collaboration layer.
type Noop struct{}

func (Noop) LoadContent(ctx context.Context, documentID string) (json.RawMessage, *time.Time, error) {
	return nil, nil, nil
}

func (Noop) AppendOperation(ctx context.Context, documentID string, version uint64, userID string, op protocol.Operation) error {
	return nil
}

// Compile-time interface check
var _ DocumentStore = Noop{}
