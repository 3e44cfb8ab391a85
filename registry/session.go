package registry

import (
	"sync"
	"time"

	"github.com/slidecraft/collab-go/protocol"
)

// session is the live state of one document's collaborators. All fields
// behind mu; mutation is single-writer per session.
type session struct {
	documentID string

	mu        sync.Mutex
	version   uint64
	members   map[string]*memberState
	lastOp    *protocol.Operation
	joinSeq   int
	destroyed bool
}

// memberState pairs the wire-visible member record with the server-owned
// typing expiry timer.
type memberState struct {
	protocol.Member
	typingTimer *time.Timer
}

// membersLocked copies the member set for a snapshot. Callers hold s.mu.
func (s *session) membersLocked() map[string]protocol.Member {
	out := make(map[string]protocol.Member, len(s.members))
	for id, m := range s.members {
		out[id] = m.Member
	}
	return out
}

// armTypingTimerLocked starts or re-arms the member's typing expiry timer.
// Callers hold the session lock.
func (m *memberState) armTypingTimerLocked(ttl time.Duration, expire func()) {
	if m.typingTimer != nil {
		m.typingTimer.Stop()
	}
	m.typingTimer = time.AfterFunc(ttl, expire)
}

func (m *memberState) stopTypingTimerLocked() {
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
}
