package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OperationKind enumerates the four mutations a client can submit against a
// document's element tree.
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpMove   OperationKind = "move"
)

var (
	// ErrInvalidOperation indicates an operation missing required fields for
	// its kind. Such operations are rejected at submission and never advance
	// the session version.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Operation is one atomic client-submitted document change. It is immutable
// once broadcast and carries no identity of its own beyond the version the
// session assigns to it. Timestamp is the client's submission time in Unix
// milliseconds and is advisory only; ordering authority is the session
// version.
type Operation struct {
	Kind        OperationKind   `json:"type"`
	ElementID   string          `json:"elementId,omitempty"`
	Element     json.RawMessage `json:"element,omitempty"`
	Updates     json.RawMessage `json:"updates,omitempty"`
	SlideIndex  *int            `json:"slideIndex,omitempty"`
	NewPosition json.RawMessage `json:"newPosition,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Version     uint64          `json:"version,omitempty"`
}

// Validate checks that the operation carries the fields its kind requires.
func (op *Operation) Validate() error {
	switch op.Kind {
	case OpInsert:
		if len(op.Element) == 0 {
			return fmt.Errorf("%w: insert requires element payload", ErrInvalidOperation)
		}
	case OpUpdate:
		if op.ElementID == "" {
			return fmt.Errorf("%w: update requires elementId", ErrInvalidOperation)
		}
		if len(op.Updates) == 0 {
			return fmt.Errorf("%w: update requires updates payload", ErrInvalidOperation)
		}
	case OpDelete:
		if op.ElementID == "" {
			return fmt.Errorf("%w: delete requires elementId", ErrInvalidOperation)
		}
	case OpMove:
		if op.ElementID == "" {
			return fmt.Errorf("%w: move requires elementId", ErrInvalidOperation)
		}
		if len(op.NewPosition) == 0 {
			return fmt.Errorf("%w: move requires newPosition", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}
