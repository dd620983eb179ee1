// Package logctx carries routing context (realm, session, message) through
// context.Context into slog records, so every log line produced while
// handling a message is attributable without threading loggers around.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and enriches records with any realm,
// session and message data found on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(realmDataKey{}).(*RealmData); ok {
		r.AddAttrs(slog.Group("realm",
			slog.String("name", rd.Name),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.Uint64("id", sd.SessionID),
			slog.String("authid", sd.AuthID),
			slog.String("authrole", sd.AuthRole),
		))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("msg",
			slog.String("type", md.Type),
			slog.Uint64("request", md.Request),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type realmDataKey struct{}

// RealmData identifies the realm a log record pertains to.
type RealmData struct {
	Name string
}

func WithRealmData(ctx context.Context, data *RealmData) context.Context {
	return context.WithValue(ctx, realmDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a log record pertains to.
type SessionData struct {
	SessionID uint64
	AuthID    string
	AuthRole  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type messageDataKey struct{}

// MessageData identifies the protocol message a log record pertains to.
type MessageData struct {
	Type    string
	Request uint64
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}
