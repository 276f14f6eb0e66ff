package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"truxe.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticated verifies the bearer access token and attaches the principal to the request.
func (a *API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		claims, err := a.svc.Tokens.VerifyAccessToken(r.Context(), raw)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		principal := claims.Principal()
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, auth.ErrTokenInvalid
	}
	return p, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrTokenInvalid)
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", fmt.Errorf("%w: invalid authorization scheme", auth.ErrTokenInvalid)
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrTokenInvalid)
	}
	return token, nil
}
