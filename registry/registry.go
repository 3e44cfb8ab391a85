// Package registry is the single source of truth for document sessions: the
// set of members currently collaborating on each document, the session's
// monotonically increasing version counter, and each member's ephemeral
// presence state. It accepts client-submitted operations, assigns their
// ordering, and fans results out through a broker.
//
// All mutations to one session are serialized under that session's lock so
// the version counter advances exactly once per accepted operation, with no
// gaps or duplicates. Sessions for different documents are independent and
// mutate concurrently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slidecraft/collab-go/broker"
	"github.com/slidecraft/collab-go/protocol"
)

var (
	// ErrUnknownDocument indicates an operation against a document with no
	// active session.
	ErrUnknownDocument = errors.New("no active session for document")
	// ErrNotMember indicates an operation by a user who never joined the
	// document's session.
	ErrNotMember = errors.New("not a member of document session")
)

// DefaultTypingTTL is how long a member stays marked as typing without a
// renewed typing_start. Expiry is owned server-side so a crashed or closed
// tab cannot leave a typing indicator stuck until disconnect detection.
const DefaultTypingTTL = 3 * time.Second

// DefaultPalette supplies member colors, assigned by cycling on join order
// to keep concurrent members visually distinct.
var DefaultPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEAA7", "#DDA0DD", "#98D8C8", "#F7DC6F",
}

// Config configures a Registry.
type Config struct {
	// Broker carries fan-out frames to subscribed connections. Required.
	Broker broker.Broker
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// TypingTTL defaults to DefaultTypingTTL.
	TypingTTL time.Duration
	// Palette defaults to DefaultPalette.
	Palette []string
}

// Registry maps document IDs to live sessions. Sessions are created lazily
// on first join and destroyed when their member count returns to zero; no
// state survives a session's lifetime.
type Registry struct {
	broker    broker.Broker
	log       *slog.Logger
	typingTTL time.Duration
	palette   []string
	now       func() time.Time // test seam

	mu       sync.Mutex
	sessions map[string]*session
}

// Snapshot is what a joining member gets back: the session's current state
// plus the color assigned to the joiner.
type Snapshot struct {
	DocumentID    string
	Version       uint64
	Members       map[string]protocol.Member
	LastOperation *protocol.Operation
	Color         string
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Broker == nil {
		return nil, errors.New("registry: broker is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	palette := cfg.Palette
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &Registry{
		broker:    cfg.Broker,
		log:       log,
		typingTTL: ttl,
		palette:   palette,
		now:       time.Now,
		sessions:  make(map[string]*session),
	}, nil
}

// Join adds the identity to the document's session, creating the session at
// version 0 if it does not exist. It returns a snapshot of the session so
// the joining client can render existing presence immediately, and
// broadcasts user_joined to the other members.
func (r *Registry) Join(ctx context.Context, documentID string, id protocol.Identity) (Snapshot, error) {
	if id.UserID == "" {
		return Snapshot{}, errors.New("join requires a user id")
	}

	for {
		s := r.ensureSession(documentID)

		s.mu.Lock()
		if s.destroyed {
			// Lost a race with the last member leaving; the session was
			// removed from the map, so take a fresh one.
			s.mu.Unlock()
			continue
		}

		m, rejoin := s.members[id.UserID]
		if !rejoin {
			m = &memberState{
				Member: protocol.Member{
					ID:       id.UserID,
					Name:     id.UserName,
					Email:    id.UserEmail,
					Color:    r.palette[s.joinSeq%len(r.palette)],
					IsActive: true,
				},
			}
			s.joinSeq++
			s.members[id.UserID] = m
		}
		m.LastSeen = r.now()

		if !rejoin {
			r.broadcastLocked(ctx, s, id.UserID, protocol.UserJoined{
				User:       m.Member,
				DocumentID: documentID,
			})
		}

		snap := Snapshot{
			DocumentID:    documentID,
			Version:       s.version,
			Members:       s.membersLocked(),
			LastOperation: s.lastOp,
			Color:         m.Color,
		}
		s.mu.Unlock()

		r.log.Debug("member joined document",
			slog.String("document_id", documentID),
			slog.String("user_id", id.UserID),
		)
		return snap, nil
	}
}

// Leave removes the member from the document's session, broadcasting
// user_left to the remaining members. When the last member leaves, the
// session is destroyed and its broker channel is cleaned up. Leaving a
// document with no session, or one the user never joined, is a no-op.
func (r *Registry) Leave(ctx context.Context, documentID, userID string) error {
	r.mu.Lock()
	s := r.sessions[documentID]
	r.mu.Unlock()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	m, ok := s.members[userID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	m.stopTypingTimerLocked()
	delete(s.members, userID)

	empty := len(s.members) == 0
	if empty {
		s.destroyed = true
	} else {
		r.broadcastLocked(ctx, s, userID, protocol.UserLeft{
			UserID:     userID,
			DocumentID: documentID,
		})
	}
	s.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.sessions[documentID] == s {
			delete(r.sessions, documentID)
		}
		r.mu.Unlock()
		if err := r.broker.Cleanup(ctx, documentID); err != nil {
			r.log.Warn("broker cleanup failed",
				slog.String("document_id", documentID),
				slog.String("error", err.Error()),
			)
		}
		r.log.Debug("session destroyed", slog.String("document_id", documentID))
	}

	r.log.Debug("member left document",
		slog.String("document_id", documentID),
		slog.String("user_id", userID),
	)
	return nil
}

// Submit validates an operation, assigns it the session's next version, and
// broadcasts document_updated to every member except the submitter. The
// returned version is the one assigned. Operations are not merged or
// rebased; reconciling concurrent edits to the same element is the client's
// concern.
func (r *Registry) Submit(ctx context.Context, documentID, userID string, op protocol.Operation) (uint64, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}

	s, m, err := r.lookupMember(documentID, userID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.members[userID] != m {
		return 0, fmt.Errorf("%w: %s", ErrNotMember, documentID)
	}

	s.version++
	op.Version = s.version
	s.lastOp = &op
	m.LastSeen = r.now()

	r.broadcastLocked(ctx, s, userID, protocol.DocumentUpdated{
		Operation: op,
		Version:   s.version,
		UserID:    userID,
		Timestamp: r.now(),
	})
	return s.version, nil
}

// UpdateCursor records the member's cursor position and broadcasts
// cursor_moved to the other members. Cursor movement never advances the
// session version.
func (r *Registry) UpdateCursor(ctx context.Context, documentID, userID string, pos protocol.CursorPosition) error {
	s, m, err := r.lookupMember(documentID, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.members[userID] != m {
		return fmt.Errorf("%w: %s", ErrNotMember, documentID)
	}

	p := pos
	m.Cursor = &p
	m.LastSeen = r.now()

	r.broadcastLocked(ctx, s, userID, protocol.CursorMoved{
		UserID:    userID,
		Position:  pos,
		UserName:  m.Name,
		UserColor: m.Color,
	})
	return nil
}

// StartTyping marks the member as typing and broadcasts user_typing. Calling
// it while the member is already typing in the same element only re-arms the
// expiry timer; no redundant broadcast is sent. The expiry timer is owned
// here, server-side, and fires a stop regardless of client liveness.
func (r *Registry) StartTyping(ctx context.Context, documentID, userID, elementID string) error {
	s, m, err := r.lookupMember(documentID, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.members[userID] != m {
		return fmt.Errorf("%w: %s", ErrNotMember, documentID)
	}

	renew := m.IsTyping && m.TypingElementID == elementID
	m.IsTyping = true
	m.TypingElementID = elementID
	m.LastSeen = r.now()
	m.armTypingTimerLocked(r.typingTTL, func() {
		r.expireTyping(documentID, userID)
	})

	if !renew {
		r.broadcastLocked(ctx, s, userID, protocol.UserTyping{
			UserID:    userID,
			UserName:  m.Name,
			UserColor: m.Color,
			ElementID: elementID,
		})
	}
	return nil
}

// StopTyping clears the member's typing state and broadcasts
// user_stopped_typing. Stopping while not typing is a no-op.
func (r *Registry) StopTyping(ctx context.Context, documentID, userID string) error {
	s, m, err := r.lookupMember(documentID, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.members[userID] != m {
		return fmt.Errorf("%w: %s", ErrNotMember, documentID)
	}
	r.stopTypingLocked(context.WithoutCancel(ctx), s, m)
	return nil
}

// expireTyping is the typing timer callback.
func (r *Registry) expireTyping(documentID, userID string) {
	r.mu.Lock()
	s := r.sessions[documentID]
	r.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	if !ok || s.destroyed {
		return
	}
	r.stopTypingLocked(context.Background(), s, m)
}

func (r *Registry) stopTypingLocked(ctx context.Context, s *session, m *memberState) {
	if !m.IsTyping {
		return
	}
	m.IsTyping = false
	m.TypingElementID = ""
	m.stopTypingTimerLocked()
	m.LastSeen = r.now()

	r.broadcastLocked(ctx, s, m.ID, protocol.UserStoppedTyping{
		UserID: m.ID,
	})
}

// broadcastLocked encodes the event and publishes it to the session's broker
// channel. It must be called with s.mu held so fan-out order matches the
// order mutations were applied in.
func (r *Registry) broadcastLocked(ctx context.Context, s *session, excludeUserID string, ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		r.log.Error("encode broadcast frame",
			slog.String("event", ev.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	data, err := broker.EncodeEnvelope(broker.Envelope{
		DocumentID:    s.documentID,
		ExcludeUserID: excludeUserID,
		Frame:         frame,
	})
	if err != nil {
		r.log.Error("encode broadcast envelope", slog.String("error", err.Error()))
		return
	}
	if err := r.broker.Publish(ctx, s.documentID, data); err != nil {
		// Best-effort fan-out: the mutation stands even if delivery fails.
		r.log.Warn("broadcast publish failed",
			slog.String("document_id", s.documentID),
			slog.String("event", ev.Name()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) ensureSession(documentID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		s = &session{
			documentID: documentID,
			members:    make(map[string]*memberState),
		}
		r.sessions[documentID] = s
	}
	return s
}

func (r *Registry) lookupMember(documentID, userID string) (*session, *memberState, error) {
	r.mu.Lock()
	s := r.sessions[documentID]
	r.mu.Unlock()
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}

	s.mu.Lock()
	m := s.members[userID]
	s.mu.Unlock()
	if m == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotMember, documentID)
	}
	return s, m, nil
}

// SessionCount reports the number of active sessions; used by health
// reporting.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
