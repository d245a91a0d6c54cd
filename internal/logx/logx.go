package logx

import (
	"context"

	"pkt.systems/cobrowse/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	clientKey contextKey = iota
	pageKey
)

// WithClient annotates the logger with the client id if present.
func WithClient(ctx context.Context, clientID schema.ClientID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if clientID != "" {
		if current, ok := ctx.Value(clientKey).(schema.ClientID); ok && current == clientID {
			return log
		}
		log = log.With("client", clientID)
	}
	return log
}

// WithPage annotates log with the page handle unless ctx already carries it.
func WithPage(ctx context.Context, log pslog.Logger, handle schema.PageHandle) pslog.Logger {
	if handle == "" {
		return log
	}
	if current, ok := ctx.Value(pageKey).(schema.PageHandle); ok && current == handle {
		return log
	}
	return log.With("page", handle)
}

// ContextWithClient stores the client marker on the context for log de-duplication.
func ContextWithClient(ctx context.Context, clientID schema.ClientID) context.Context {
	if ctx == nil || clientID == "" {
		return ctx
	}
	return context.WithValue(ctx, clientKey, clientID)
}

// ContextWithPage stores the page marker on the context for log de-duplication.
func ContextWithPage(ctx context.Context, handle schema.PageHandle) context.Context {
	if ctx == nil || handle == "" {
		return ctx
	}
	return context.WithValue(ctx, pageKey, handle)
}

// ContextWithClientLogger attaches the logger and client marker to the context.
func ContextWithClientLogger(ctx context.Context, log pslog.Logger, clientID schema.ClientID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithClient(ctx, clientID)
}

// ContextWithPageLogger annotates the context logger with the page handle and
// marks the context so later WithPage calls do not repeat it.
func ContextWithPageLogger(ctx context.Context, handle schema.PageHandle) context.Context {
	log := WithPage(ctx, pslog.Ctx(ctx), handle)
	return ContextWithPage(pslog.ContextWithLogger(ctx, log), handle)
}
