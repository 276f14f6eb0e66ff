package auth

import (
	"context"
	"net/mail"
	"strings"
)

type actorContextKey struct{}

// ContextWithUser records the acting user for audit entries. Requests that carry a principal get
// this through ContextWithPrincipal; services call it when acting for a user that has not
// authenticated yet, such as on sign-in.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, userID)
}

// UserIDFromContext returns the acting user.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// NormalizeEmail validates an address and returns its lower-cased bare form.
func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidInput
	}
	parsed, err := mail.ParseAddress(raw)
	if err != nil || parsed.Address != raw {
		return "", ErrInvalidInput
	}
	return strings.ToLower(parsed.Address), nil
}

// DedupeStrings trims values and drops blanks and duplicates, keeping order.
func DedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
