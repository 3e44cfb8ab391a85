package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the outer frame shape: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var (
	// ErrUnknownEvent indicates a frame whose event name is not part of the
	// protocol surface.
	ErrUnknownEvent = errors.New("unknown event")
)

// Encode wraps an event in an envelope and marshals it to a wire frame.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Name(), err)
	}
	return json.Marshal(Envelope{Event: ev.Name(), Data: data})
}

// Decode parses a wire frame into its typed event. Handling code can then
// switch exhaustively on the concrete type instead of matching event-name
// strings, so a mistyped name fails loudly here rather than silently doing
// nothing at a registration site.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	switch env.Event {
	case EventJoinDocument:
		ev = &JoinDocument{}
	case EventLeaveDocument:
		ev = &LeaveDocument{}
	case EventDocumentChange:
		ev = &DocumentChange{}
	case EventCursorMove:
		ev = &CursorMove{}
	case EventTypingStart:
		ev = &TypingStart{}
	case EventTypingStop:
		ev = &TypingStop{}
	case EventDocumentState:
		ev = &DocumentState{}
	case EventUserJoined:
		ev = &UserJoined{}
	case EventUserLeft:
		ev = &UserLeft{}
	case EventDocumentUpdated:
		ev = &DocumentUpdated{}
	case EventCursorMoved:
		ev = &CursorMoved{}
	case EventUserTyping:
		ev = &UserTyping{}
	case EventUserStoppedTyping:
		ev = &UserStoppedTyping{}
	case EventError:
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return ev, nil
}
