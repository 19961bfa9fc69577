package logx

import (
	"context"

	"pkt.systems/marina/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	userKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// Or returns log, or the background context logger when log is nil.
func Or(log pslog.Logger) pslog.Logger {
	if log != nil {
		return log
	}
	return pslog.Ctx(context.Background())
}

// WithUser annotates the logger with the user email if present.
func WithUser(ctx context.Context, email string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if email != "" {
		if current, ok := ctx.Value(userKey).(string); ok && current == email {
			return log
		}
		log = log.With("user", email)
	}
	return log
}

// WithAttempt annotates the logger with a reconciliation attempt id.
func WithAttempt(log pslog.Logger, attempt uint64) pslog.Logger {
	if attempt != 0 {
		log = log.With("attempt", attempt)
	}
	return log
}

// WithProfile annotates the logger with profile identifiers when available.
func WithProfile(log pslog.Logger, profile *schema.Profile) pslog.Logger {
	if profile == nil {
		return log
	}
	if profile.ID != 0 {
		log = log.With("profile_id", profile.ID)
	}
	if profile.Email != "" {
		log = log.With("user", profile.Email)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, email string) context.Context {
	if ctx == nil || email == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, email)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, email string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, email)
}
