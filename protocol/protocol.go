// Package protocol defines the wire contract between collaboration clients
// and the collaboration server: the member and operation data model, the
// event payloads exchanged over the socket, and the envelope codec that
// turns raw frames into a closed set of typed events.
package protocol

import (
	"encoding/json"
	"time"
)

// Identity is the connection-time auth payload. It is supplied once when a
// client connects and is assumed to be pre-validated by an external identity
// provider; the collaboration layer performs no credential checking.
type Identity struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

// CursorPosition is a member's last-known pointer location on the canvas,
// optionally anchored to a specific element.
type CursorPosition struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

// Member is one user's presence record within a document session.
type Member struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email"`
	Color           string          `json:"color"`
	Cursor          *CursorPosition `json:"cursor_position,omitempty"`
	LastSeen        time.Time       `json:"last_seen"`
	IsActive        bool            `json:"is_active"`
	IsTyping        bool            `json:"is_typing,omitempty"`
	TypingElementID string          `json:"typing_element_id,omitempty"`
}

// Event is the closed set of messages that cross the wire in either
// direction. Name returns the event's wire name so handling code can log or
// route without re-switching on the concrete type.
type Event interface {
	Name() string
}

// Wire event names.
const (
	EventJoinDocument      = "join_document"
	EventLeaveDocument     = "leave_document"
	EventDocumentChange    = "document_change"
	EventCursorMove        = "cursor_move"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventDocumentState     = "document_state"
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventDocumentUpdated   = "document_updated"
	EventCursorMoved       = "cursor_moved"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventError             = "error"
)

// --- Client → server events ---

// JoinDocument asks the server to add the connection's identity to the
// document's session. The server answers with a DocumentState snapshot.
type JoinDocument struct {
	DocumentID string `json:"document_id"`
	UserName   string `json:"user_name"`
	UserEmail  string `json:"user_email"`
}

// LeaveDocument removes the connection from the document's session.
type LeaveDocument struct {
	DocumentID string `json:"document_id"`
}

// DocumentChange submits one operation against the document.
type DocumentChange struct {
	DocumentID string    `json:"document_id"`
	Operation  Operation `json:"operation"`
}

// CursorMove reports the sender's cursor position. Cursor movement is not a
// document mutation and never advances the session version.
type CursorMove struct {
	DocumentID string         `json:"document_id"`
	Position   CursorPosition `json:"position"`
}

// TypingStart marks the sender as typing, optionally inside one element.
type TypingStart struct {
	DocumentID string `json:"document_id"`
	ElementID  string `json:"element_id,omitempty"`
}

// TypingStop clears the sender's typing state.
type TypingStop struct {
	DocumentID string `json:"document_id"`
}

// --- Server → client events ---

// DocumentState is the join response: the session's current version and
// member set, plus whatever materialized content the persistence collaborator
// supplied. LastOperation lets a late joiner reconcile against the most
// recent edit; no deeper history is kept.
type DocumentState struct {
	Content       json.RawMessage   `json:"content"`
	Version       uint64            `json:"version"`
	Users         map[string]Member `json:"users"`
	LastModified  *time.Time        `json:"last_modified,omitempty"`
	LastOperation *Operation        `json:"last_operation,omitempty"`
}

// UserJoined announces a new member to the rest of the session.
type UserJoined struct {
	User       Member `json:"user"`
	DocumentID string `json:"document_id"`
}

// UserLeft announces a departed member to the rest of the session.
type UserLeft struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
}

// DocumentUpdated fans an accepted operation out to every member except the
// submitter, carrying the version the server assigned to it.
type DocumentUpdated struct {
	Operation Operation `json:"operation"`
	Version   uint64    `json:"version"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CursorMoved relays another member's cursor position.
type CursorMoved struct {
	UserID    string         `json:"user_id"`
	Position  CursorPosition `json:"position"`
	UserName  string         `json:"user_name"`
	UserColor string         `json:"user_color"`
}

// UserTyping relays another member's typing indicator.
type UserTyping struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserColor string `json:"user_color"`
	ElementID string `json:"element_id,omitempty"`
}

// UserStoppedTyping clears another member's typing indicator.
type UserStoppedTyping struct {
	UserID string `json:"user_id"`
}

// ErrorEvent surfaces a logical failure (malformed operation, acting on a
// document the connection never joined) synchronously to the submitter. It
// is never broadcast.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorEvent.
const (
	ErrCodeInvalidOperation = "invalid_operation"
	ErrCodeNotJoined        = "not_joined"
	ErrCodeBadPayload       = "bad_payload"
)

func (JoinDocument) Name() string      { return EventJoinDocument }
func (LeaveDocument) Name() string     { return EventLeaveDocument }
func (DocumentChange) Name() string    { return EventDocumentChange }
func (CursorMove) Name() string        { return EventCursorMove }
func (TypingStart) Name() string       { return EventTypingStart }
func (TypingStop) Name() string        { return EventTypingStop }
func (DocumentState) Name() string     { return EventDocumentState }
func (UserJoined) Name() string        { return EventUserJoined }
func (UserLeft) Name() string          { return EventUserLeft }
func (DocumentUpdated) Name() string   { return EventDocumentUpdated }
func (CursorMoved) Name() string       { return EventCursorMoved }
func (UserTyping) Name() string        { return EventUserTyping }
func (UserStoppedTyping) Name() string { return EventUserStoppedTyping }
func (ErrorEvent) Name() string        { return EventError }

// Compile-time event set checks
var (
	_ Event = JoinDocument{}
	_ Event = LeaveDocument{}
	_ Event = DocumentChange{}
	_ Event = CursorMove{}
	_ Event = TypingStart{}
	_ Event = TypingStop{}
	_ Event = DocumentState{}
	_ Event = UserJoined{}
	_ Event = UserLeft{}
	_ Event = DocumentUpdated{}
	_ Event = CursorMoved{}
	_ Event = UserTyping{}
	_ Event = UserStoppedTyping{}
	_ Event = ErrorEvent{}
)
