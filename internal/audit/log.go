// Package audit writes security events as structured log entries.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"truxe.io/internal/auth"
	"truxe.io/internal/obs"
)

type requestIDContextKey struct{}

// Redacted replaces the value of any field that names a credential.
const Redacted = "[redacted]"

var credentialFields = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"id_token":      {},
	"code":          {},
	"code_verifier": {},
	"secret":        {},
	"client_secret": {},
	"password":      {},
	"magic_link":    {},
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDContextKey{}).(string)
	return v
}

// LogEvent writes an audit entry enriched with the request, the acting user and, for
// authenticated requests, the session and organization. Credential fields are redacted.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
		slog.Time("ts", time.Now().UTC()),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		if p.SessionID != "" {
			attrs = append(attrs, slog.String("session_id", p.SessionID))
		}
		if orgID := p.OrganizationID(); orgID != "" {
			attrs = append(attrs, slog.String("organization_id", orgID))
		}
	}
	if len(fields) > 0 {
		attrs = append(attrs, slog.Group("fields", fieldAttrs(fields)...))
	}

	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

func fieldAttrs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		if _, secret := credentialFields[strings.ToLower(k)]; secret {
			out = append(out, slog.String(k, Redacted))
			continue
		}
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
