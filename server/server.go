// Package server is the transport half of the collaboration layer: it
// accepts one WebSocket connection per client, binds the caller's identity
// to it for the connection's lifetime, routes client events into the session
// registry, and delivers fan-out frames from the broker back to the socket.
//
// Identity arrives in the upgrade request's query string (user_id,
// user_name, user_email) and is assumed to be pre-validated by an external
// identity provider; no credential checking happens here. Transport drop
// without an explicit close is detected by ping/pong heartbeat and treated
// identically to a clean disconnect: every session the connection joined
// drops its member.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/slidecraft/collab-go/broker"
	"github.com/slidecraft/collab-go/internal/logctx"
	"github.com/slidecraft/collab-go/protocol"
	"github.com/slidecraft/collab-go/registry"
	"github.com/slidecraft/collab-go/store"
)

const (
	// defaultPongWait bounds how long a silent peer stays connected. A
	// vanished client is detected and disconnected within this window.
	defaultPongWait = 60 * time.Second

	// defaultWriteWait bounds a single frame write.
	defaultWriteWait = 10 * time.Second

	maxFrameSize = 1 << 20
)

// Config configures a Handler.
type Config struct {
	// Registry tracks document sessions. Required.
	Registry *registry.Registry
	// Broker carries fan-out frames between the registry and connections.
	// Must be the same broker the registry publishes to. Required.
	Broker broker.Broker
	// Store supplies initial document content for join snapshots and records
	// accepted operations. Defaults to store.Noop.
	Store store.DocumentStore
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// PongWait is the disconnection detection window. Defaults to 60s.
	PongWait time.Duration
	// WriteTimeout bounds a single frame write. Defaults to 10s.
	WriteTimeout time.Duration
	// CheckOrigin overrides the upgrader's origin policy. Defaults to
	// allowing all origins; tighten this in production deployments.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests to collaboration connections. It implements
// http.Handler and is mounted on a route of the caller's choosing.
type Handler struct {
	reg        *registry.Registry
	broker     broker.Broker
	store      store.DocumentStore
	log        *slog.Logger
	upgrader   websocket.Upgrader
	pongWait   time.Duration
	pingPeriod time.Duration
	writeWait  time.Duration
}

// New creates a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("server: broker is required")
	}
	st := cfg.Store
	if st == nil {
		st = store.Noop{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	writeWait := cfg.WriteTimeout
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		reg:    cfg.Registry,
		broker: cfg.Broker,
		store:  st,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		pongWait:   pongWait,
		pingPeriod: pongWait * 9 / 10,
		writeWait:  writeWait,
	}, nil
}

// ServeHTTP performs the identity handshake and upgrade, then runs the
// connection until the peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := protocol.Identity{
		UserID:    q.Get("user_id"),
		UserName:  q.Get("user_name"),
		UserEmail: q.Get("user_email"),
	}
	if identity.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(h, ws, identity)

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:     c.id,
		RemoteAddr: r.RemoteAddr,
		UserID:     identity.UserID,
		UserName:   identity.UserName,
	})

	h.log.InfoContext(ctx, "connection established")
	c.run(ctx)
	h.log.InfoContext(ctx, "connection closed")
}

func newConnID() string {
	return uuid.NewString()
}
