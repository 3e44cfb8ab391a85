// Package logctx enriches slog records with connection and document context
// carried on the request context, so every log line emitted under a
// connection identifies who and which document it concerns.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
			slog.String("user_id", cd.UserID),
			slog.String("user_name", cd.UserName),
		))
	}

	if dd, ok := ctx.Value(docDataKey{}).(*DocData); ok {
		r.AddAttrs(slog.Group("doc",
			slog.String("id", dd.DocumentID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	RemoteAddr string
	UserID     string
	UserName   string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type docDataKey struct{}

type DocData struct {
	DocumentID string
}

func WithDocData(ctx context.Context, data *DocData) context.Context {
	return context.WithValue(ctx, docDataKey{}, data)
}
