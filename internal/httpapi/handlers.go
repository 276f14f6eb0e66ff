// Package httpapi exposes the auth core over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"truxe.io/internal/auth"
	"truxe.io/internal/keys"
	"truxe.io/internal/magiclink"
	"truxe.io/internal/oauthbridge"
	"truxe.io/internal/obs"
	"truxe.io/internal/session"
	"truxe.io/internal/tenancy"
	"truxe.io/internal/token"
)

// ReadyProbe reports whether the storage behind the API is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// UserStore is the user lookup the HTTP layer needs for /me and OAuth sign-in.
type UserStore interface {
	GetUser(ctx context.Context, id string) (auth.User, error)
	GetUserByEmail(ctx context.Context, email string) (auth.User, error)
	CreateUser(ctx context.Context, u auth.User) (auth.User, error)
	MarkEmailVerified(ctx context.Context, id string) error
}

// Services are the collaborators behind the routes. Bridge may be nil when no provider is configured.
type Services struct {
	Keys      *keys.Manager
	Tokens    *token.Service
	Sessions  *session.Manager
	MagicLink *magiclink.Service
	Directory *tenancy.Directory
	Users     UserStore
	Bridge    *oauthbridge.Bridge
}

// Option configures the API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithReadyProbe sets the readiness check behind /readyz.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithCORSOrigins sets the browser origins allowed to call the API.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithMagicLinkRateLimit bounds magic-link requests per client IP.
func WithMagicLinkRateLimit(perMinute float64, burst int) Option {
	return func(a *API) { a.linkLimiter = NewIPLimiter(perMinute, burst) }
}

// WithCredentialRateLimit bounds verify, refresh and OAuth token calls per client IP.
func WithCredentialRateLimit(perMinute float64, burst int) Option {
	return func(a *API) { a.credentialLimiter = NewIPLimiter(perMinute, burst) }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// API serves the auth endpoints.
type API struct {
	mux *http.ServeMux
	svc Services

	readyProbe        ReadyProbe
	version           string
	corsOrigins       []string
	linkLimiter       *IPLimiter
	credentialLimiter *IPLimiter
	maxBody           int64
}

// New wires the routes. Tokens, Sessions, MagicLink, Directory, Keys and Users are required.
func New(svc Services, opts ...Option) (*API, error) {
	if svc.Keys == nil || svc.Tokens == nil || svc.Sessions == nil || svc.MagicLink == nil ||
		svc.Directory == nil || svc.Users == nil {
		return nil, errors.New("httpapi: keys, tokens, sessions, magic link, directory and users are required")
	}
	a := &API{
		mux:               http.NewServeMux(),
		svc:               svc,
		version:           "dev",
		linkLimiter:       NewIPLimiter(5, 5),
		credentialLimiter: NewIPLimiter(60, 20),
		maxBody:           1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	limited := RateLimit(a.credentialLimiter)

	// health/ready/metrics/keys
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("GET /.well-known/jwks.json", a.JWKS)

	a.mux.HandleFunc("POST /v1/auth/magic-link", a.handleMagicLinkRequest)
	a.mux.Handle("POST /v1/auth/magic-link/verify", limited(http.HandlerFunc(a.handleMagicLinkVerify)))
	a.mux.Handle("POST /v1/auth/token/refresh", limited(http.HandlerFunc(a.handleRefresh)))
	a.mux.HandleFunc("POST /v1/auth/token/revoke", a.handleRevoke)
	a.mux.Handle("POST /v1/auth/logout", a.authenticated(a.handleLogout))
	a.mux.Handle("POST /v1/auth/logout-all", a.authenticated(a.handleLogoutAll))
	a.mux.Handle("POST /v1/auth/organizations/switch", a.authenticated(a.handleSwitchOrganization))
	a.mux.Handle("GET /v1/auth/me", a.authenticated(a.handleMe))

	a.mux.Handle("POST /v1/organizations", a.authenticated(a.handleCreateOrganization))
	a.mux.Handle("PATCH /v1/organizations/{id}", a.authenticated(a.handleSetParent))
	a.mux.Handle("GET /v1/organizations/{id}/members", a.authenticated(a.handleListMembers))
	a.mux.Handle("POST /v1/organizations/{id}/members", a.authenticated(a.handleAddMember))
	a.mux.Handle("DELETE /v1/organizations/{id}/members/{user_id}", a.authenticated(a.handleRemoveMember))

	a.mux.HandleFunc("GET /v1/oauth/providers", a.handleOAuthProviders)
	a.mux.HandleFunc("GET /v1/oauth/{provider}/authorize", a.handleOAuthAuthorize)
	a.mux.Handle("POST /v1/oauth/{provider}/token", limited(http.HandlerFunc(a.handleOAuthToken)))
	a.mux.HandleFunc("GET /v1/oauth/{provider}/userinfo", a.handleOAuthUserInfo)
	a.mux.Handle("POST /v1/oauth/{provider}/introspect", a.authenticated(a.handleOAuthIntrospect))
	a.mux.Handle("POST /v1/oauth/{provider}/revoke", a.authenticated(a.handleOAuthRevoke))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the routes wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(a.corsOrigins)(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "truxe-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "database unavailable",
		})
		return
	}
	if _, err := a.svc.Keys.CurrentSigningKey(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "no signing key",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// JWKS publishes the verification keys, including retired keys still within their grace period.
func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.svc.Keys.PublicJWKS())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeServiceError maps core errors onto responses. Authentication failures are uniform so
// callers cannot tell which check failed.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case auth.IsAuthenticationFailure(err):
		obs.Logger().InfoContext(r.Context(), "authentication failed",
			"request_id", RequestIDFromContext(r), "path", r.URL.Path, "reason", err.Error())
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case auth.IsAuthorizationFailure(err):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrRateLimited):
		tooManyRequests(w, r, time.Minute)
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	case errors.Is(err, auth.ErrHierarchyCycle), errors.Is(err, auth.ErrHierarchyDepth):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrUpstream), errors.Is(err, auth.ErrCodeExchangeFailed),
		errors.Is(err, auth.ErrProfileFetchFailed):
		obs.Logger().WarnContext(r.Context(), "upstream provider failure",
			"request_id", RequestIDFromContext(r), "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusBadGateway, "upstream provider error")
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r), "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func deviceFrom(r *http.Request) auth.Device {
	return auth.Device{
		Fingerprint: r.Header.Get("X-Device-Fingerprint"),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	}
}
