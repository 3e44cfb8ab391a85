// Package client is the in-process API surface a presentation editor
// consumes to collaborate on documents: join and leave documents, submit
// operations, report cursor and typing state, and observe remote members
// through a typed event stream.
//
// A Client is an explicit object owned by its caller; construct one per
// logical user connection and share it across the views that need it.
// Reconnect policy is deliberately the caller's: Disconnected events carry
// the transport error so callers can retry Connect with whatever backoff
// suits them, and Connect is always safe to call again.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slidecraft/collab-go/protocol"
)

const (
	// DefaultCursorThrottle is the trailing-edge debounce applied to
	// outgoing cursor updates to bound network chatter. Purely a local rate
	// limit, not a protocol guarantee.
	DefaultCursorThrottle = 50 * time.Millisecond

	// DefaultTypingTimeout is the local timer that auto-stops typing if not
	// renewed. The server enforces its own expiry independently.
	DefaultTypingTimeout = 3 * time.Second

	defaultEventBuffer = 64
)

// ErrNotConnected is returned by calls that require an established
// connection.
var ErrNotConnected = errors.New("not connected to collaboration server")

// Connected is emitted on the event stream when the transport is
// established.
type Connected struct{}

func (Connected) Name() string { return "connected" }

// Disconnected is emitted when the transport ends, carrying the transport
// error if the close was not requested locally.
type Disconnected struct {
	Err error
}

func (Disconnected) Name() string { return "disconnected" }

// TypingUser is the client-side view of another member's typing indicator.
type TypingUser struct {
	Name      string
	Color     string
	ElementID string
}

// Cursor is the client-side view of another member's cursor.
type Cursor struct {
	X     float64
	Y     float64
	Name  string
	Color string
}

// Config configures a Client.
type Config struct {
	// URL of the collaboration endpoint, e.g. "ws://localhost:3001/ws".
	// Required.
	URL string
	// Identity is attached to the connection for its lifetime. Assumed to be
	// pre-validated by the caller's identity provider. UserID is required.
	Identity protocol.Identity
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// CursorThrottle defaults to DefaultCursorThrottle.
	CursorThrottle time.Duration
	// TypingTimeout defaults to DefaultTypingTimeout.
	TypingTimeout time.Duration
	// EventBuffer is the event channel capacity; events beyond it are
	// dropped for slow consumers. Defaults to 64.
	EventBuffer int
}

// Client is the collaboration façade. All methods are safe for concurrent
// use.
type Client struct {
	url            string
	identity       protocol.Identity
	log            *slog.Logger
	dialer         *websocket.Dialer
	cursorThrottle time.Duration
	typingTimeout  time.Duration

	events chan protocol.Event

	writeMu sync.Mutex // serializes socket writes

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	closing       bool
	currentDoc    string
	version       uint64
	lastOperation *protocol.Operation
	users         map[string]protocol.Member
	typingUsers   map[string]TypingUser
	cursors       map[string]Cursor
	isTyping      bool
	typingTimer   *time.Timer
	cursorTimer   *time.Timer
	pendingCursor *protocol.CursorPosition
}

// New creates a Client. It does not connect; call Connect.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if cfg.Identity.UserID == "" {
		return nil, errors.New("client: identity user id is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	throttle := cfg.CursorThrottle
	if throttle <= 0 {
		throttle = DefaultCursorThrottle
	}
	typingTimeout := cfg.TypingTimeout
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = defaultEventBuffer
	}

	return &Client{
		url:            cfg.URL,
		identity:       cfg.Identity,
		log:            log,
		dialer:         dialer,
		cursorThrottle: throttle,
		typingTimeout:  typingTimeout,
		events:         make(chan protocol.Event, buf),
		users:          make(map[string]protocol.Member),
		typingUsers:    make(map[string]TypingUser),
		cursors:        make(map[string]Cursor),
	}, nil
}

// Events is the typed stream of everything the client observes: remote
// presence and document events, plus Connected/Disconnected lifecycle
// markers. Events for slow consumers are dropped, never buffered unbounded.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Connect establishes the transport and performs the identity handshake.
// Calling Connect while already connected is a no-op: no duplicate transport
// is created and no duplicate Connected event is emitted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	u, err := url.Parse(c.url)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("user_id", c.identity.UserID)
	q.Set("user_name", c.identity.UserName)
	q.Set("user_email", c.identity.UserEmail)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}

	c.mu.Lock()
	if c.connected {
		// Lost a connect race; keep the first transport.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.closing = false
	c.mu.Unlock()

	go c.readLoop(conn)

	c.emit(Connected{})
	return nil
}

// Disconnect closes the transport. Every document this client had joined
// drops its membership server-side as a consequence. Safe to call when not
// connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
}

// JoinDocument asks the server to add this client to the document's session.
// The resulting DocumentState arrives on the event stream.
func (c *Client) JoinDocument(documentID string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.currentDoc = documentID
	c.mu.Unlock()

	return c.sendEvent(protocol.JoinDocument{
		DocumentID: documentID,
		UserName:   c.identity.UserName,
		UserEmail:  c.identity.UserEmail,
	})
}

// LeaveDocument leaves the document's session and clears the local view of
// its members.
func (c *Client) LeaveDocument(documentID string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.currentDoc == documentID {
		c.resetDocumentStateLocked()
	}
	c.mu.Unlock()

	return c.sendEvent(protocol.LeaveDocument{DocumentID: documentID})
}

// SendOperation stamps the operation with the local submission time and
// submits it. It is a no-op when not joined to any document; the operation
// is assumed to have been applied locally already (optimistic application),
// so no echo comes back for it.
func (c *Client) SendOperation(op protocol.Operation) error {
	c.mu.Lock()
	doc := c.currentDoc
	connected := c.connected
	c.mu.Unlock()
	if !connected || doc == "" {
		return nil
	}

	op.Timestamp = time.Now().UnixMilli()
	return c.sendEvent(protocol.DocumentChange{
		DocumentID: doc,
		Operation:  op,
	})
}

// UpdateCursor reports the local cursor position. Updates are debounced on
// the trailing edge: at most one cursor_move per throttle window reaches the
// wire, carrying the latest position.
func (c *Client) UpdateCursor(pos protocol.CursorPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.currentDoc == "" {
		return
	}

	p := pos
	c.pendingCursor = &p
	if c.cursorTimer != nil {
		c.cursorTimer.Stop()
	}
	c.cursorTimer = time.AfterFunc(c.cursorThrottle, c.flushCursor)
}

func (c *Client) flushCursor() {
	c.mu.Lock()
	pending := c.pendingCursor
	doc := c.currentDoc
	connected := c.connected
	c.pendingCursor = nil
	c.cursorTimer = nil
	c.mu.Unlock()

	if pending == nil || !connected || doc == "" {
		return
	}
	if err := c.sendEvent(protocol.CursorMove{DocumentID: doc, Position: *pending}); err != nil {
		c.log.Debug("cursor update dropped", slog.String("error", err.Error()))
	}
}

// StartTyping marks this client as typing, optionally inside one element. A
// renewed call while already typing only re-arms the auto-stop timer; no
// redundant signal is sent. If neither StopTyping nor a renewed StartTyping
// happens within the typing timeout, typing stops automatically.
func (c *Client) StartTyping(elementID string) error {
	c.mu.Lock()
	if !c.connected || c.currentDoc == "" {
		c.mu.Unlock()
		return nil
	}
	doc := c.currentDoc
	already := c.isTyping
	c.isTyping = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingTimeout, func() {
		c.StopTyping()
	})
	c.mu.Unlock()

	if already {
		return nil
	}
	return c.sendEvent(protocol.TypingStart{DocumentID: doc, ElementID: elementID})
}

// StopTyping clears this client's typing state. A no-op when not typing.
func (c *Client) StopTyping() error {
	c.mu.Lock()
	if !c.isTyping || !c.connected || c.currentDoc == "" {
		c.mu.Unlock()
		return nil
	}
	doc := c.currentDoc
	c.isTyping = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	return c.sendEvent(protocol.TypingStop{DocumentID: doc})
}

// --- Read-only query helpers ---

// IsConnected reports whether the transport is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CurrentDocumentID returns the joined document, or "" when not joined.
func (c *Client) CurrentDocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDoc
}

// Version returns the last observed session version.
func (c *Client) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// LastOperation returns the most recent remote operation, or nil.
func (c *Client) LastOperation() *protocol.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOperation
}

// Users lists the members currently visible in the joined document.
func (c *Client) Users() []protocol.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Member, 0, len(c.users))
	for _, m := range c.users {
		out = append(out, m)
	}
	return out
}

// UserByID looks a member up by id.
func (c *Client) UserByID(userID string) (protocol.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.users[userID]
	return m, ok
}

// IsOnline reports whether the member is present in the joined document.
func (c *Client) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.users[userID]
	return ok
}

// TypingUsers returns the members currently typing, keyed by user id.
func (c *Client) TypingUsers() map[string]TypingUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TypingUser, len(c.typingUsers))
	for id, tu := range c.typingUsers {
		out[id] = tu
	}
	return out
}

// Cursors returns the last-known remote cursor positions, keyed by user id.
func (c *Client) Cursors() map[string]Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Cursor, len(c.cursors))
	for id, cur := range c.cursors {
		out[id] = cur
	}
	return out
}

// --- Internals ---

func (c *Client) sendEvent(ev protocol.Event) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}

		ev, err := protocol.Decode(frame)
		if err != nil {
			c.log.Debug("undecodable server frame", slog.String("error", err.Error()))
			continue
		}

		c.apply(ev)
		c.emit(ev)
	}
}

// apply folds a server event into the local reactive state before it is
// surfaced to the consumer.
func (c *Client) apply(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := ev.(type) {
	case *protocol.DocumentState:
		c.version = ev.Version
		c.lastOperation = ev.LastOperation
		c.users = make(map[string]protocol.Member, len(ev.Users))
		for id, m := range ev.Users {
			c.users[id] = m
		}
	case *protocol.UserJoined:
		c.users[ev.User.ID] = ev.User
	case *protocol.UserLeft:
		delete(c.users, ev.UserID)
		delete(c.typingUsers, ev.UserID)
		delete(c.cursors, ev.UserID)
	case *protocol.DocumentUpdated:
		c.version = ev.Version
		op := ev.Operation
		c.lastOperation = &op
	case *protocol.CursorMoved:
		c.cursors[ev.UserID] = Cursor{
			X:     ev.Position.X,
			Y:     ev.Position.Y,
			Name:  ev.UserName,
			Color: ev.UserColor,
		}
	case *protocol.UserTyping:
		c.typingUsers[ev.UserID] = TypingUser{
			Name:      ev.UserName,
			Color:     ev.UserColor,
			ElementID: ev.ElementID,
		}
	case *protocol.UserStoppedTyping:
		delete(c.typingUsers, ev.UserID)
	}
}

// finish tears local state down after the transport ends and emits a single
// Disconnected event.
func (c *Client) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	requested := c.closing
	c.conn = nil
	c.connected = false
	c.closing = false
	c.resetDocumentStateLocked()
	c.mu.Unlock()

	conn.Close()

	if requested || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}
	c.emit(Disconnected{Err: err})
}

// resetDocumentStateLocked clears the per-document view. Callers hold c.mu.
func (c *Client) resetDocumentStateLocked() {
	c.users = make(map[string]protocol.Member)
	c.typingUsers = make(map[string]TypingUser)
	c.cursors = make(map[string]Cursor)
	c.version = 0
	c.lastOperation = nil
	c.isTyping = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if c.cursorTimer != nil {
		c.cursorTimer.Stop()
		c.cursorTimer = nil
	}
	c.pendingCursor = nil
	c.currentDoc = ""
}

func (c *Client) emit(ev protocol.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event buffer full, dropping event", slog.String("event", ev.Name()))
	}
}
