// Package broker abstracts how document events fan out to the connections
// subscribed to a document. The in-memory implementation serves a single
// server process; the Redis implementation lets several server processes
// share cursor, typing and operation traffic for the same document.
package broker

import (
	"context"
	"encoding/json"
)

// Broker fans frames out to every active subscriber of a document channel.
// Delivery is best-effort and forward-only: a subscription sees frames
// published after Subscribe returns, with no replay. Per-document ordering
// follows publish order.
type Broker interface {
	// Publish sends a frame to every active subscriber of the document.
	Publish(ctx context.Context, documentID string, data []byte) error

	// Subscribe opens a stream of the document's frames. The subscription
	// is registered before Subscribe returns, so no frame published after
	// the call completes is missed.
	Subscribe(ctx context.Context, documentID string) (MessageStream, error)

	// Cleanup tears down the document channel and terminates its
	// subscriptions. Called when the last member leaves a session.
	Cleanup(ctx context.Context, documentID string) error
}

// MessageStream provides ordered frame consumption for one document. A
// stream is safe for use by a single consumer.
type MessageStream interface {
	// Next blocks until a frame is available or ctx is cancelled. Returns
	// io.EOF when the stream is closed and no more frames will arrive.
	Next(ctx context.Context) ([]byte, error)

	// Close releases resources associated with this stream. After Close,
	// Next returns an error.
	Close() error
}

// Envelope is the fan-out payload the session registry publishes: one
// encoded protocol frame, plus the member the frame must not be echoed back
// to (the submitter already applied the change locally).
type Envelope struct {
	DocumentID    string `json:"document_id"`
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
	Frame         []byte `json:"frame"`
}

// EncodeEnvelope marshals an envelope for publishing.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals a published envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
