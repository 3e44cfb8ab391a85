package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	brokermem "github.com/slidecraft/collab-go/broker/memory"
	"github.com/slidecraft/collab-go/protocol"
	"github.com/slidecraft/collab-go/registry"
	"github.com/slidecraft/collab-go/server"
)

// newStack spins up a real collaboration server backed by the in-memory
// broker.
func newStack(t *testing.T) string {
	t.Helper()

	b := brokermem.New()
	reg, err := registry.New(registry.Config{Broker: b})
	if err != nil {
		t.Fatalf("New registry: %v", err)
	}
	h, err := server.New(server.Config{Registry: reg, Broker: b})
	if err != nil {
		t.Fatalf("New handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, wsURL, userID string, cfg Config) *Client {
	t.Helper()
	cfg.URL = wsURL
	cfg.Identity = protocol.Identity{
		UserID:    userID,
		UserName:  "user " + userID,
		UserEmail: userID + "@example.com",
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

// nextEvent waits for the next event of type E, failing on timeout.
func nextEvent[E protocol.Event](t *testing.T, c *Client) E {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if typed, ok := ev.(E); ok {
				return typed
			}
		case <-deadline:
			var zero E
			t.Fatalf("Timed out waiting for %T", zero)
			return zero
		}
	}
}

func poll(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	wsURL := newStack(t)
	c := newClient(t, wsURL, "a", Config{})

	connect(t, c)
	connect(t, c) // second call must be a no-op

	nextEvent[Connected](t, c)

	// No duplicate Connected event may follow.
	select {
	case ev := <-c.Events():
		if _, ok := ev.(Connected); ok {
			t.Fatal("Duplicate Connected event after idempotent Connect")
		}
	case <-time.After(200 * time.Millisecond):
	}

	if !c.IsConnected() {
		t.Fatal("Client should report connected")
	}
}

func TestFacadeEndToEnd(t *testing.T) {
	wsURL := newStack(t)

	a := newClient(t, wsURL, "a", Config{})
	b := newClient(t, wsURL, "b", Config{})
	connect(t, a)
	connect(t, b)

	if err := a.JoinDocument("doc-1"); err != nil {
		t.Fatalf("A join failed: %v", err)
	}
	stateA := nextEvent[*protocol.DocumentState](t, a)
	if stateA.Version != 0 || len(stateA.Users) != 1 {
		t.Fatalf("A expected empty session snapshot, got %d users at version %d", len(stateA.Users), stateA.Version)
	}

	if err := b.JoinDocument("doc-1"); err != nil {
		t.Fatalf("B join failed: %v", err)
	}
	stateB := nextEvent[*protocol.DocumentState](t, b)
	if len(stateB.Users) != 2 {
		t.Fatalf("B expected 2 users in snapshot, got %d", len(stateB.Users))
	}

	nextEvent[*protocol.UserJoined](t, a)
	poll(t, "A to see B online", func() bool { return a.IsOnline("b") })

	member, ok := a.UserByID("b")
	if !ok || member.Color == "" {
		t.Fatalf("A should know B with an assigned color, got %#v", member)
	}

	// B submits; A observes the operation at version 1, B gets no echo.
	err := b.SendOperation(protocol.Operation{
		Kind:    protocol.OpInsert,
		Element: json.RawMessage(`{"id":"el-1"}`),
	})
	if err != nil {
		t.Fatalf("B send operation failed: %v", err)
	}

	updated := nextEvent[*protocol.DocumentUpdated](t, a)
	if updated.Version != 1 || updated.UserID != "b" {
		t.Fatalf("Unexpected document_updated: %#v", updated)
	}
	if a.Version() != 1 {
		t.Fatalf("A's local version should be 1, got %d", a.Version())
	}
	if op := a.LastOperation(); op == nil || op.Kind != protocol.OpInsert {
		t.Fatalf("A should hold the last operation, got %#v", op)
	}

	// Remote cursor and typing state appear in the reactive views.
	b.UpdateCursor(protocol.CursorPosition{X: 5, Y: 7})
	nextEvent[*protocol.CursorMoved](t, a)
	poll(t, "A to see B's cursor", func() bool {
		cur, ok := a.Cursors()["b"]
		return ok && cur.X == 5 && cur.Y == 7 && cur.Color != ""
	})

	if err := b.StartTyping("el-1"); err != nil {
		t.Fatalf("B start typing failed: %v", err)
	}
	nextEvent[*protocol.UserTyping](t, a)
	poll(t, "A to see B typing", func() bool {
		tu, ok := a.TypingUsers()["b"]
		return ok && tu.ElementID == "el-1"
	})

	// B leaves: A's views of B are cleared.
	if err := b.LeaveDocument("doc-1"); err != nil {
		t.Fatalf("B leave failed: %v", err)
	}
	nextEvent[*protocol.UserLeft](t, a)
	poll(t, "A to drop B", func() bool {
		if a.IsOnline("b") {
			return false
		}
		_, typing := a.TypingUsers()["b"]
		_, cursor := a.Cursors()["b"]
		return !typing && !cursor
	})
}

// fakeServer accepts collaboration connections and counts the frames it
// receives by event name without acting on them.
type fakeServer struct {
	mu         sync.Mutex
	counts     map[string]int
	lastCursor protocol.CursorPosition
}

func newFakeServer(t *testing.T) (string, *fakeServer) {
	t.Helper()
	fs := &fakeServer{counts: make(map[string]int)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			fs.mu.Lock()
			fs.counts[ev.Name()]++
			if move, ok := ev.(*protocol.CursorMove); ok {
				fs.lastCursor = move.Position
			}
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), fs
}

func (fs *fakeServer) count(name string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.counts[name]
}

func TestCursorUpdatesAreDebounced(t *testing.T) {
	wsURL, fs := newFakeServer(t)
	c := newClient(t, wsURL, "a", Config{CursorThrottle: 50 * time.Millisecond})
	connect(t, c)
	if err := c.JoinDocument("doc-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// A burst of updates inside one throttle window transmits at most once,
	// carrying the latest position.
	for i := 0; i < 100; i++ {
		c.UpdateCursor(protocol.CursorPosition{X: float64(i), Y: float64(i)})
	}

	poll(t, "debounced cursor_move", func() bool {
		return fs.count(protocol.EventCursorMove) >= 1
	})
	time.Sleep(150 * time.Millisecond) // room for any extra transmissions

	if got := fs.count(protocol.EventCursorMove); got != 1 {
		t.Fatalf("Expected exactly 1 cursor_move for the burst, got %d", got)
	}
	fs.mu.Lock()
	last := fs.lastCursor
	fs.mu.Unlock()
	if last.X != 99 {
		t.Fatalf("Trailing edge must carry the latest position, got %v", last.X)
	}
}

func TestTypingGuardAndAutoStop(t *testing.T) {
	wsURL, fs := newFakeServer(t)
	c := newClient(t, wsURL, "a", Config{TypingTimeout: 100 * time.Millisecond})
	connect(t, c)
	if err := c.JoinDocument("doc-1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := c.StartTyping("el-1"); err != nil {
			t.Fatalf("StartTyping %d failed: %v", i, err)
		}
	}

	poll(t, "typing_start", func() bool { return fs.count(protocol.EventTypingStart) >= 1 })
	if got := fs.count(protocol.EventTypingStart); got != 1 {
		t.Fatalf("Guard must prevent re-sending typing_start, got %d", got)
	}

	// With no stop call and no renewal, the local timer fires the stop.
	poll(t, "auto typing_stop", func() bool { return fs.count(protocol.EventTypingStop) == 1 })

	// A stop while not typing sends nothing further.
	if err := c.StopTyping(); err != nil {
		t.Fatalf("Redundant StopTyping failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := fs.count(protocol.EventTypingStop); got != 1 {
		t.Fatalf("Redundant stop transmitted, got %d typing_stop frames", got)
	}
}

func TestSendOperationRequiresJoinedDocument(t *testing.T) {
	wsURL, fs := newFakeServer(t)
	c := newClient(t, wsURL, "a", Config{})
	connect(t, c)

	// Not joined to any document: a silent no-op.
	err := c.SendOperation(protocol.Operation{
		Kind:    protocol.OpInsert,
		Element: json.RawMessage(`{"id":"el-1"}`),
	})
	if err != nil {
		t.Fatalf("SendOperation should be a no-op, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := fs.count(protocol.EventDocumentChange); got != 0 {
		t.Fatalf("No document_change should have been transmitted, got %d", got)
	}
}

func TestDisconnectedOnTransportLoss(t *testing.T) {
	b := brokermem.New()
	reg, _ := registry.New(registry.Config{Broker: b})
	h, _ := server.New(server.Config{Registry: reg, Broker: b})
	srv := httptest.NewServer(h)

	c := newClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"), "a", Config{})
	connect(t, c)
	nextEvent[Connected](t, c)

	// httptest stops tracking hijacked connections, so CloseClientConnections
	// cannot reach the websocket; sever the transport at the socket instead.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	conn.NetConn().Close()

	d := nextEvent[Disconnected](t, c)
	if d.Err == nil {
		t.Fatal("Unrequested transport loss should carry an error")
	}
	if c.IsConnected() {
		t.Fatal("Client should report disconnected")
	}
	srv.Close()

	// Presence views must degrade, not linger.
	if len(c.Users()) != 0 {
		t.Fatal("User view should be cleared on disconnect")
	}
}
