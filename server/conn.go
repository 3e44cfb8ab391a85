package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slidecraft/collab-go/broker"
	"github.com/slidecraft/collab-go/internal/logctx"
	"github.com/slidecraft/collab-go/protocol"
	"github.com/slidecraft/collab-go/registry"
)

// conn is one client connection: a read loop dispatching client events into
// the registry, a write pump serializing outbound frames and heartbeats, and
// one broker subscription per joined document.
type conn struct {
	h        *Handler
	ws       *websocket.Conn
	id       string
	identity protocol.Identity

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	joined map[string]context.CancelFunc // documentID -> subscription cancel
}

func newConn(h *Handler, ws *websocket.Conn, identity protocol.Identity) *conn {
	return &conn{
		h:        h,
		ws:       ws,
		id:       newConnID(),
		identity: identity,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		joined:   make(map[string]context.CancelFunc),
	}
}

// run blocks until the connection ends, then cascades the disconnect to
// every joined session.
func (c *conn) run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
	c.teardown(ctx)
}

func (c *conn) readLoop(ctx context.Context) {
	defer close(c.done)

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(c.h.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.h.pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.h.log.WarnContext(ctx, "connection read failed", slog.String("error", err.Error()))
			}
			return
		}

		ev, err := protocol.Decode(frame)
		if err != nil {
			c.h.log.DebugContext(ctx, "undecodable frame", slog.String("error", err.Error()))
			c.sendEvent(ctx, protocol.ErrorEvent{
				Code:    protocol.ErrCodeBadPayload,
				Message: err.Error(),
			})
			continue
		}

		c.dispatch(ctx, ev)
	}
}

func (c *conn) dispatch(ctx context.Context, ev protocol.Event) {
	switch ev := ev.(type) {
	case *protocol.JoinDocument:
		c.handleJoin(ctx, ev)
	case *protocol.LeaveDocument:
		c.handleLeave(ctx, ev.DocumentID)
	case *protocol.DocumentChange:
		c.handleChange(ctx, ev)
	case *protocol.CursorMove:
		if err := c.h.reg.UpdateCursor(ctx, ev.DocumentID, c.identity.UserID, ev.Position); err != nil {
			c.sendLogicalError(ctx, err)
		}
	case *protocol.TypingStart:
		if err := c.h.reg.StartTyping(ctx, ev.DocumentID, c.identity.UserID, ev.ElementID); err != nil {
			c.sendLogicalError(ctx, err)
		}
	case *protocol.TypingStop:
		if err := c.h.reg.StopTyping(ctx, ev.DocumentID, c.identity.UserID); err != nil {
			c.sendLogicalError(ctx, err)
		}
	default:
		// Server→client events arriving from a client are protocol misuse.
		c.sendEvent(ctx, protocol.ErrorEvent{
			Code:    protocol.ErrCodeBadPayload,
			Message: "event " + ev.Name() + " is not accepted from clients",
		})
	}
}

func (c *conn) handleJoin(ctx context.Context, ev *protocol.JoinDocument) {
	docCtx := logctx.WithDocData(ctx, &logctx.DocData{DocumentID: ev.DocumentID})

	// The join payload repeats the display identity so a renamed user shows
	// up correctly; the stable id always comes from the connection.
	id := c.identity
	if ev.UserName != "" {
		id.UserName = ev.UserName
	}
	if ev.UserEmail != "" {
		id.UserEmail = ev.UserEmail
	}

	// Subscribe before joining so no frame between the join broadcast and
	// the first delivery is missed: delivery is guaranteed forward from the
	// moment of join.
	c.mu.Lock()
	_, already := c.joined[ev.DocumentID]
	c.mu.Unlock()

	if !already {
		stream, err := c.h.broker.Subscribe(docCtx, ev.DocumentID)
		if err != nil {
			c.h.log.WarnContext(docCtx, "document subscription failed", slog.String("error", err.Error()))
			c.sendLogicalError(docCtx, err)
			return
		}
		subCtx, cancel := context.WithCancel(docCtx)
		c.mu.Lock()
		c.joined[ev.DocumentID] = cancel
		c.mu.Unlock()
		go c.consume(subCtx, ev.DocumentID, stream)
	}

	snap, err := c.h.reg.Join(docCtx, ev.DocumentID, id)
	if err != nil {
		c.h.log.WarnContext(docCtx, "join failed", slog.String("error", err.Error()))
		if !already {
			c.handleLeaveSubscriptionOnly(ev.DocumentID)
		}
		c.sendLogicalError(docCtx, err)
		return
	}

	content, lastModified, err := c.h.store.LoadContent(docCtx, ev.DocumentID)
	if err != nil {
		// The session still forms; the client renders from local state.
		c.h.log.WarnContext(docCtx, "load document content failed", slog.String("error", err.Error()))
	}

	c.sendEvent(docCtx, protocol.DocumentState{
		Content:       content,
		Version:       snap.Version,
		Users:         snap.Members,
		LastModified:  lastModified,
		LastOperation: snap.LastOperation,
	})
}

func (c *conn) handleLeave(ctx context.Context, documentID string) {
	c.mu.Lock()
	cancel, ok := c.joined[documentID]
	if ok {
		delete(c.joined, documentID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	cancel()

	if err := c.h.reg.Leave(ctx, documentID, c.identity.UserID); err != nil {
		c.h.log.WarnContext(ctx, "leave failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *conn) handleChange(ctx context.Context, ev *protocol.DocumentChange) {
	version, err := c.h.reg.Submit(ctx, ev.DocumentID, c.identity.UserID, ev.Operation)
	if err != nil {
		c.sendLogicalError(ctx, err)
		return
	}

	// Durability is the store's concern; fan-out already happened and a
	// store failure must not affect it.
	if err := c.h.store.AppendOperation(ctx, ev.DocumentID, version, c.identity.UserID, ev.Operation); err != nil {
		c.h.log.WarnContext(ctx, "append operation to store failed",
			slog.String("document_id", ev.DocumentID),
			slog.String("error", err.Error()),
		)
	}
}

// consume pumps broker frames for one document into the socket, skipping
// frames the registry marked as excluded for this member.
func (c *conn) consume(ctx context.Context, documentID string, stream broker.MessageStream) {
	defer stream.Close()

	for {
		data, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				c.h.log.WarnContext(ctx, "document subscription ended",
					slog.String("document_id", documentID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		env, err := broker.DecodeEnvelope(data)
		if err != nil {
			c.h.log.WarnContext(ctx, "undecodable broker envelope", slog.String("error", err.Error()))
			continue
		}
		if env.ExcludeUserID == c.identity.UserID {
			continue
		}
		c.sendFrame(ctx, env.Frame)
	}
}

// handleLeaveSubscriptionOnly tears down the document subscription without
// touching registry membership; used when a join fails after subscribing.
func (c *conn) handleLeaveSubscriptionOnly(documentID string) {
	c.mu.Lock()
	cancel, ok := c.joined[documentID]
	if ok {
		delete(c.joined, documentID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// teardown cascades a disconnect (explicit or detected) to every session
// this connection was a member of.
func (c *conn) teardown(ctx context.Context) {
	c.mu.Lock()
	joined := c.joined
	c.joined = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	// The connection context is already ending; membership cleanup must
	// still run.
	cleanupCtx := context.WithoutCancel(ctx)
	for documentID, cancel := range joined {
		cancel()
		if err := c.h.reg.Leave(cleanupCtx, documentID, c.identity.UserID); err != nil {
			c.h.log.WarnContext(cleanupCtx, "leave on disconnect failed",
				slog.String("document_id", documentID),
				slog.String("error", err.Error()),
			)
		}
	}
	c.ws.Close()
}

func (c *conn) sendLogicalError(ctx context.Context, err error) {
	code := protocol.ErrCodeBadPayload
	switch {
	case errors.Is(err, protocol.ErrInvalidOperation):
		code = protocol.ErrCodeInvalidOperation
	case errors.Is(err, registry.ErrUnknownDocument), errors.Is(err, registry.ErrNotMember):
		code = protocol.ErrCodeNotJoined
	}
	c.sendEvent(ctx, protocol.ErrorEvent{Code: code, Message: err.Error()})
}

func (c *conn) sendEvent(ctx context.Context, ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		c.h.log.ErrorContext(ctx, "encode outbound event",
			slog.String("event", ev.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	c.sendFrame(ctx, frame)
}

func (c *conn) sendFrame(ctx context.Context, frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Slow consumer; presence traffic is last-value-wins so dropping
		// beats stalling delivery to every other member.
		c.h.log.WarnContext(ctx, "outbound buffer full, dropping frame")
	}
}

// writePump serializes all socket writes and keeps the heartbeat going. The
// peer must answer pings within pongWait or the read loop's deadline fires.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.h.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.h.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.h.writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
