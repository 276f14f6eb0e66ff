package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"truxe.io/internal/audit"
	"truxe.io/internal/auth"
	"truxe.io/internal/ids"
	"truxe.io/internal/magiclink"
	"truxe.io/internal/oauthbridge"
)

type oauthTokenRequest struct {
	State          string `json:"state"`
	Code           string `json:"code"`
	OrganizationID string `json:"organization_id,omitempty"`
}

type oauthTokenResponse struct {
	Outcome magiclink.Outcome    `json:"outcome"`
	User    auth.User            `json:"user"`
	Session auth.Session         `json:"session"`
	Tokens  auth.TokenPair       `json:"tokens"`
	Profile *oauthbridge.Profile `json:"profile"`
}

type providerTokenRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint,omitempty"`
}

type authorizeResponse struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (a *API) provider(name string) (oauthbridge.Provider, error) {
	if a.svc.Bridge == nil {
		return nil, fmt.Errorf("%w: provider %s", auth.ErrNotFound, name)
	}
	return a.svc.Bridge.Provider(name)
}

func (a *API) handleOAuthProviders(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if a.svc.Bridge != nil {
		names = a.svc.Bridge.Names()
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": names})
}

// handleOAuthAuthorize starts an attempt and redirects to the provider. Clients asking for
// JSON get the URL and state instead.
func (a *API) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	if _, err := a.provider(name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	attempt, url, err := a.svc.Bridge.Start(name, oauthbridge.StartRequest{
		RedirectURI: q.Get("redirect_uri"),
		Scopes:      strings.Fields(q.Get("scope")),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, authorizeResponse{
			AuthorizationURL: url,
			State:            attempt.State,
			ExpiresAt:        attempt.ExpiresAt,
		})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleOAuthToken completes the callback and opens a Truxe session for the provider's user.
func (a *API) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	if _, err := a.provider(name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req oauthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	attempt, err := a.svc.Bridge.Complete(r.Context(), name, req.State, req.Code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	user, outcome, err := a.oauthUser(r.Context(), name, attempt.Profile)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sess, pair, err := a.svc.Sessions.Login(r.Context(), user, deviceFrom(r), req.OrganizationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, oauthTokenResponse{
		Outcome: outcome,
		User:    user,
		Session: sess,
		Tokens:  pair,
		Profile: attempt.Profile,
	})
}

// oauthUser finds or creates the user behind a provider profile. Only provider-verified
// addresses are linked to a user.
func (a *API) oauthUser(ctx context.Context, providerName string, p *oauthbridge.Profile) (auth.User, magiclink.Outcome, error) {
	if p == nil {
		return auth.User{}, "", fmt.Errorf("%w: empty profile", auth.ErrProfileFetchFailed)
	}
	addr, err := auth.NormalizeEmail(p.Email)
	if err != nil {
		return auth.User{}, "", fmt.Errorf("%w: profile has no usable email", auth.ErrProfileFetchFailed)
	}
	if !p.EmailVerified {
		return auth.User{}, "", fmt.Errorf("%w: provider email is not verified", auth.ErrForbidden)
	}

	existing, err := a.svc.Users.GetUserByEmail(ctx, addr)
	switch {
	case err == nil:
		if !existing.Active() {
			return auth.User{}, "", auth.ErrUserBlocked
		}
		if !existing.EmailVerified {
			if err := a.svc.Users.MarkEmailVerified(ctx, existing.ID); err != nil {
				return auth.User{}, "", err
			}
			existing.EmailVerified = true
		}
		return existing, magiclink.ExistingUser, nil
	case !errors.Is(err, auth.ErrNotFound):
		return auth.User{}, "", err
	}

	now := time.Now().UTC()
	created, err := a.svc.Users.CreateUser(ctx, auth.User{
		ID:            ids.New(),
		Email:         addr,
		EmailVerified: true,
		Status:        auth.UserStatusActive,
		Metadata: map[string]string{
			"oauth_provider": providerName,
			"oauth_subject":  p.Subject,
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, auth.ErrConflict) {
		// lost a race with a concurrent sign-in for the same address
		existing, err := a.svc.Users.GetUserByEmail(ctx, addr)
		if err != nil {
			return auth.User{}, "", err
		}
		return existing, magiclink.ExistingUser, nil
	}
	if err != nil {
		return auth.User{}, "", err
	}
	_ = audit.LogEvent(auth.ContextWithUser(ctx, created.ID), "user.created", map[string]any{
		"source":   "oauth",
		"provider": providerName,
	})
	return created, magiclink.NewlyCreatedUser, nil
}

// handleOAuthUserInfo proxies the provider profile for the provider access token in the
// Authorization header.
func (a *API) handleOAuthUserInfo(w http.ResponseWriter, r *http.Request) {
	p, err := a.provider(r.PathValue("provider"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	raw, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	profile, err := p.FetchProfile(r.Context(), raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) handleOAuthIntrospect(w http.ResponseWriter, r *http.Request) {
	p, err := a.provider(r.PathValue("provider"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req providerTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := p.Introspect(r.Context(), req.Token, req.TokenTypeHint)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleOAuthRevoke is best effort upstream: provider failures are logged by the bridge.
func (a *API) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	if _, err := a.provider(name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req providerTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Bridge.Revoke(r.Context(), name, req.Token, req.TokenTypeHint); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
