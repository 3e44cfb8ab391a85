package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	brokermem "github.com/slidecraft/collab-go/broker/memory"
	"github.com/slidecraft/collab-go/protocol"
	"github.com/slidecraft/collab-go/registry"
)

func newTestServer(t *testing.T, typingTTL time.Duration) (*httptest.Server, *registry.Registry) {
	t.Helper()

	b := brokermem.New()
	reg, err := registry.New(registry.Config{Broker: b, TypingTTL: typingTTL})
	if err != nil {
		t.Fatalf("New registry: %v", err)
	}
	h, err := New(Config{Registry: reg, Broker: b})
	if err != nil {
		t.Fatalf("New handler: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, userID, userName string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"?user_id=" + userID + "&user_name=" + userName + "&user_email=" + userID + "%40example.com"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial as %s failed: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	frame, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("Encode %s failed: %v", ev.Name(), err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Write %s failed: %v", ev.Name(), err)
	}
}

func recvEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	ev, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode server frame: %v", err)
	}
	return ev
}

func insertOp() protocol.Operation {
	return protocol.Operation{
		Kind:    protocol.OpInsert,
		Element: json.RawMessage(`{"id":"el-1","type":"text"}`),
	}
}

func waitSessionCount(t *testing.T, reg *registry.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for reg.SessionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d active sessions, have %d", want, reg.SessionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCollaborationScenario(t *testing.T) {
	srv, reg := newTestServer(t, time.Minute)

	// A joins doc-1 and gets the initial snapshot.
	connA := dial(t, srv, "a", "Alice")
	send(t, connA, protocol.JoinDocument{DocumentID: "doc-1"})

	stateA, ok := recvEvent(t, connA).(*protocol.DocumentState)
	if !ok {
		t.Fatal("A's first event must be document_state")
	}
	if stateA.Version != 0 {
		t.Fatalf("Fresh session must be at version 0, got %d", stateA.Version)
	}
	if len(stateA.Users) != 1 {
		t.Fatalf("A should see only itself, got %d users", len(stateA.Users))
	}

	// B joins: B sees both members, A is told about B.
	connB := dial(t, srv, "b", "Bob")
	send(t, connB, protocol.JoinDocument{DocumentID: "doc-1"})

	stateB, ok := recvEvent(t, connB).(*protocol.DocumentState)
	if !ok {
		t.Fatal("B's first event must be document_state")
	}
	if stateB.Version != 0 || len(stateB.Users) != 2 {
		t.Fatalf("B should see version 0 and 2 users, got %d/%d", stateB.Version, len(stateB.Users))
	}
	if stateB.Users["a"].Color == stateB.Users["b"].Color {
		t.Fatal("Members must be assigned distinct colors")
	}

	joined, ok := recvEvent(t, connA).(*protocol.UserJoined)
	if !ok || joined.User.ID != "b" {
		t.Fatalf("A should observe user_joined for b, got %#v", joined)
	}

	// A submits an operation: B receives it at version 1, A gets no echo.
	send(t, connA, protocol.DocumentChange{DocumentID: "doc-1", Operation: insertOp()})

	updated, ok := recvEvent(t, connB).(*protocol.DocumentUpdated)
	if !ok {
		t.Fatal("B should observe document_updated")
	}
	if updated.Version != 1 {
		t.Fatalf("Expected version 1, got %d", updated.Version)
	}
	if updated.UserID != "a" {
		t.Fatalf("Expected operation from a, got %s", updated.UserID)
	}

	// B leaves: A's next event must be user_left, proving A never received
	// an echo of its own operation.
	send(t, connB, protocol.LeaveDocument{DocumentID: "doc-1"})

	left, ok := recvEvent(t, connA).(*protocol.UserLeft)
	if !ok || left.UserID != "b" {
		t.Fatalf("A should observe user_left for b, got %#v", left)
	}

	waitSessionCount(t, reg, 1)

	// A disconnects without an explicit leave: the session must still be
	// torn down.
	connA.Close()
	waitSessionCount(t, reg, 0)
}

func TestMalformedOperationRejectedSynchronously(t *testing.T) {
	srv, _ := newTestServer(t, time.Minute)

	connA := dial(t, srv, "a", "Alice")
	send(t, connA, protocol.JoinDocument{DocumentID: "doc-1"})
	recvEvent(t, connA) // document_state

	connB := dial(t, srv, "b", "Bob")
	send(t, connB, protocol.JoinDocument{DocumentID: "doc-1"})
	recvEvent(t, connB) // document_state
	recvEvent(t, connA) // user_joined b

	// move without newPosition is fatal for this submission only.
	send(t, connA, protocol.DocumentChange{
		DocumentID: "doc-1",
		Operation:  protocol.Operation{Kind: protocol.OpMove, ElementID: "el-1"},
	})

	errEv, ok := recvEvent(t, connA).(*protocol.ErrorEvent)
	if !ok {
		t.Fatal("Submitter should receive an error event")
	}
	if errEv.Code != protocol.ErrCodeInvalidOperation {
		t.Fatalf("Expected code %s, got %s", protocol.ErrCodeInvalidOperation, errEv.Code)
	}

	// A valid operation now lands at version 1: the rejection did not
	// advance the counter, and B never saw the malformed operation.
	send(t, connA, protocol.DocumentChange{DocumentID: "doc-1", Operation: insertOp()})
	updated, ok := recvEvent(t, connB).(*protocol.DocumentUpdated)
	if !ok || updated.Version != 1 {
		t.Fatalf("Expected document_updated at version 1, got %#v", updated)
	}
}

func TestPresenceRelayAndServerSideTypingExpiry(t *testing.T) {
	srv, _ := newTestServer(t, 100*time.Millisecond)

	connA := dial(t, srv, "a", "Alice")
	send(t, connA, protocol.JoinDocument{DocumentID: "doc-1"})
	recvEvent(t, connA)

	connB := dial(t, srv, "b", "Bob")
	send(t, connB, protocol.JoinDocument{DocumentID: "doc-1"})
	recvEvent(t, connB)
	recvEvent(t, connA)

	// Cursor relay carries identity and color and reaches only the peer.
	send(t, connA, protocol.CursorMove{
		DocumentID: "doc-1",
		Position:   protocol.CursorPosition{X: 12, Y: 34},
	})
	moved, ok := recvEvent(t, connB).(*protocol.CursorMoved)
	if !ok {
		t.Fatal("B should observe cursor_moved")
	}
	if moved.UserID != "a" || moved.Position.X != 12 || moved.UserName != "Alice" || moved.UserColor == "" {
		t.Fatalf("Unexpected cursor_moved payload: %#v", moved)
	}

	// Typing starts, then expires with no further client action.
	send(t, connA, protocol.TypingStart{DocumentID: "doc-1", ElementID: "el-1"})
	typing, ok := recvEvent(t, connB).(*protocol.UserTyping)
	if !ok || typing.UserID != "a" || typing.ElementID != "el-1" {
		t.Fatalf("B should observe user_typing for a, got %#v", typing)
	}

	stopped, ok := recvEvent(t, connB).(*protocol.UserStoppedTyping)
	if !ok || stopped.UserID != "a" {
		t.Fatalf("Typing should expire server-side, got %#v", stopped)
	}
}

func TestActingWithoutJoiningIsRejected(t *testing.T) {
	srv, _ := newTestServer(t, time.Minute)

	conn := dial(t, srv, "a", "Alice")
	send(t, conn, protocol.DocumentChange{DocumentID: "doc-1", Operation: insertOp()})

	errEv, ok := recvEvent(t, conn).(*protocol.ErrorEvent)
	if !ok || errEv.Code != protocol.ErrCodeNotJoined {
		t.Fatalf("Expected not_joined error, got %#v", errEv)
	}
}

func TestUpgradeRequiresUserID(t *testing.T) {
	srv, _ := newTestServer(t, time.Minute)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.DialContext(context.Background(), wsURL, nil)
	if err == nil {
		t.Fatal("Dial without user_id should fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("Expected HTTP 400, got %v", resp)
	}
}
