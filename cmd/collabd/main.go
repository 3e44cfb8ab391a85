// Command collabd runs the collaboration server: a WebSocket endpoint for
// document sessions, presence, and operation broadcast.
//
// Configuration is environment-driven. With REDIS_ADDR set, fan-out runs
// over Redis Pub/Sub so multiple collabd processes can serve the same
// documents; otherwise a single-process in-memory broker is used. With
// DATABASE_URL set, document content is loaded from and operations are
// appended to PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"

	"github.com/slidecraft/collab-go/broker"
	brokermem "github.com/slidecraft/collab-go/broker/memory"
	brokerredis "github.com/slidecraft/collab-go/broker/redis"
	"github.com/slidecraft/collab-go/internal/logctx"
	"github.com/slidecraft/collab-go/registry"
	"github.com/slidecraft/collab-go/server"
	"github.com/slidecraft/collab-go/store"
	storepg "github.com/slidecraft/collab-go/store/pg"
)

type config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"LISTEN_ADDR,default=:3001"`
	// RedisAddr enables the Redis broker when set, e.g. "localhost:6379".
	RedisAddr string `env:"REDIS_ADDR"`
	// DatabaseURL enables the Postgres document store when set.
	DatabaseURL string `env:"DATABASE_URL"`
	// PongWait is the silent-peer disconnection window.
	PongWait time.Duration `env:"PONG_WAIT,default=60s"`
	// TypingTTL is the server-side typing indicator expiry.
	TypingTTL time.Duration `env:"TYPING_TTL,default=3s"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("config: bad LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})})
	slog.SetDefault(log)

	var br broker.Broker
	if cfg.RedisAddr != "" {
		rb := brokerredis.New(brokerredis.Config{
			Client: goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr}),
		})
		defer rb.Close()
		br = rb
		log.Info("broker: redis", slog.String("addr", cfg.RedisAddr))
	} else {
		br = brokermem.New()
		log.Info("broker: in-memory")
	}

	var st store.DocumentStore = store.Noop{}
	if cfg.DatabaseURL != "" {
		pgStore, err := storepg.NewFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("document store: %w", err)
		}
		defer pgStore.Close()
		st = pgStore
		log.Info("document store: postgres")
	}

	reg, err := registry.New(registry.Config{
		Broker:    br,
		Logger:    log,
		TypingTTL: cfg.TypingTTL,
	})
	if err != nil {
		return err
	}

	h, err := server.New(server.Config{
		Registry: reg,
		Broker:   br,
		Store:    st,
		Logger:   log,
		PongWait: cfg.PongWait,
	})
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Handle("/ws", h)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
