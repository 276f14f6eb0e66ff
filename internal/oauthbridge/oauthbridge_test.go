package oauthbridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"truxe.io/internal/auth"
)

func TestAuthorizationURL(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)

	raw, err := p.AuthorizationURL(AuthRequest{
		State:         "opaque-state",
		Scopes:        []string{"offline_access", "email"},
		CodeChallenge: "challenge-1",
		Nonce:         "nonce-1",
	})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, f.srv.URL+"/oauth-provider/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid profile email offline_access", q.Get("scope"))
	assert.Equal(t, "opaque-state", q.Get("state"))
	assert.Equal(t, "challenge-1", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))

	_, err = p.AuthorizationURL(AuthRequest{})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestAuthorizationURLOmitsNonceWithoutOpenID(t *testing.T) {
	gh, err := NewGitHub(Config{ClientID: "gh-client", RedirectURL: "https://app.example.com/cb"})
	require.NoError(t, err)

	raw, err := gh.AuthorizationURL(AuthRequest{State: "s", Nonce: "n"})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "read:user user:email", u.Query().Get("scope"))
	assert.Empty(t, u.Query().Get("nonce"))
	assert.Empty(t, u.Query().Get("code_challenge"))
}

func TestExchangeCodeValidatesBeforeNetwork(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)

	_, err := p.ExchangeCode(context.Background(), "", "https://app.example.com/callback", "")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = p.ExchangeCode(context.Background(), "code-1", " ", "")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	assert.Zero(t, f.count("token"))
}

func TestExchangeCodePreservesProviderError(t *testing.T) {
	f := newFakeOIDC(t)
	f.tokenError = "invalid_grant"
	p := f.provider(t)

	_, err := p.ExchangeCode(context.Background(), "code-1", "https://app.example.com/callback", "verifier")
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrCodeExchangeFailed)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "invalid_grant", pe.Code)
	assert.Equal(t, "truxe", pe.Provider)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
}

func TestExchangeCodeSendsVerifierAndSecret(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)

	tok, err := p.ExchangeCode(context.Background(), "code-1", "https://app.example.com/callback", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.NotEmpty(t, tok.IDToken)
	assert.Equal(t, "verifier-1", f.form("token", "code_verifier"))
	assert.Equal(t, "secret-1", f.form("token", "client_secret"))
	assert.Equal(t, "code-1", f.form("token", "code"))
}

func TestRefresh(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)

	tok, err := p.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, "refresh_token", f.form("token", "grant_type"))

	f.mu.Lock()
	f.tokenError = "invalid_grant"
	f.mu.Unlock()
	_, err = p.Refresh(context.Background(), "rt-1")
	assert.ErrorIs(t, err, auth.ErrRefreshInvalid)
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)
	ctx := context.Background()

	require.NoError(t, p.Revoke(ctx, "at-1", "access_token"))
	require.NoError(t, p.Revoke(ctx, "at-1", "access_token"))
	assert.Equal(t, 2, f.count("revoke"))
	assert.Equal(t, "access_token", f.form("revoke", "token_type_hint"))
	assert.Equal(t, "secret-1", f.form("revoke", "client_secret"))

	info, err := p.Introspect(ctx, "at-1", "access_token")
	require.NoError(t, err)
	assert.False(t, info.Active)
}

func TestIntrospect(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)

	info, err := p.Introspect(context.Background(), "at-9", "access_token")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "user-123", info.Subject)
	assert.Equal(t, "client-1", info.ClientID)

	_, err = p.Introspect(context.Background(), "", "")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestFetchProfileNormalizesOIDC(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)

	profile, err := p.FetchProfile(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, &Profile{
		Provider:      "truxe",
		Subject:       "user-123",
		Email:         "ada@example.com",
		EmailVerified: true,
		Name:          "Ada Lovelace",
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
		AvatarURL:     "https://img.example.com/ada.png",
	}, profile)

	_, err = p.FetchProfile(context.Background(), "wrong")
	assert.ErrorIs(t, err, auth.ErrProfileFetchFailed)
}

func TestGitHubProfileAndRevoke(t *testing.T) {
	var mu sync.Mutex
	revoked := map[string]bool{}
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         4242,
			"login":      "octocat",
			"name":       "Mona Octocat",
			"email":      nil,
			"avatar_url": "https://avatars.example.com/u/4242",
		})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"email": "other@example.com", "primary": false, "verified": true},
			{"email": "Mona@Example.com", "primary": true, "verified": true},
		})
	})
	mux.HandleFunc("/applications/gh-client/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "gh-client" || pass != "gh-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodDelete:
			if revoked["gho_1"] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			revoked["gho_1"] = true
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			if revoked["gho_1"] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"scopes": []string{"read:user", "user:email"},
				"user":   map[string]any{"id": 4242, "login": "octocat"},
				"app":    map[string]any{"client_id": "gh-client"},
			})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gh, err := NewGitHub(Config{ClientID: "gh-client", ClientSecret: "gh-secret"}, WithEndpoints(Endpoints{
		UserInfo:   srv.URL + "/user",
		Revoke:     srv.URL + "/applications/gh-client/token",
		Introspect: srv.URL + "/applications/gh-client/token",
	}))
	require.NoError(t, err)
	ctx := context.Background()

	profile, err := gh.FetchProfile(ctx, "gho_1")
	require.NoError(t, err)
	assert.Equal(t, "4242", profile.Subject)
	assert.Equal(t, "octocat", profile.Username)
	assert.Equal(t, "mona@example.com", profile.Email)
	assert.True(t, profile.EmailVerified)
	assert.Equal(t, "Mona", profile.GivenName)
	assert.Equal(t, "Octocat", profile.FamilyName)
	assert.Equal(t, "https://avatars.example.com/u/4242", profile.AvatarURL)

	info, err := gh.Introspect(ctx, "gho_1", "")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "read:user user:email", info.Scope)
	assert.Equal(t, "4242", info.Subject)

	require.NoError(t, gh.Revoke(ctx, "gho_1", ""))
	require.NoError(t, gh.Revoke(ctx, "gho_1", ""))

	info, err = gh.Introspect(ctx, "gho_1", "")
	require.NoError(t, err)
	assert.False(t, info.Active)

	_, err = gh.VerifyIDToken(ctx, "a.b.c")
	assert.ErrorIs(t, err, auth.ErrIDTokenInvalid)
}

func TestVerifyIDTokenRejectsMalformedWithoutNetwork(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)

	for _, raw := range []string{"", "abc", "abc.def", "a.b.c.d.e"} {
		_, err := p.VerifyIDToken(context.Background(), raw)
		assert.ErrorIs(t, err, auth.ErrIDTokenInvalid, raw)
	}
	assert.Zero(t, f.count("jwks"))
}

func TestVerifyIDToken(t *testing.T) {
	f := newFakeOIDC(t)
	p := f.provider(t)
	ctx := context.Background()
	now := time.Now()

	claims, err := p.VerifyIDToken(ctx, f.signIDToken(idTokenParams{nonce: "n-1"}))
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)
	assert.Equal(t, "n-1", claims.Nonce)

	// Inside the five minute leeway.
	_, err = p.VerifyIDToken(ctx, f.signIDToken(idTokenParams{issued: now.Add(-time.Hour), expires: now.Add(-4 * time.Minute)}))
	assert.NoError(t, err)

	cases := map[string]idTokenParams{
		"expired":        {issued: now.Add(-time.Hour), expires: now.Add(-10 * time.Minute)},
		"wrong audience": {audience: "someone-else"},
		"wrong issuer":   {issuer: "https://evil.example.com"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.VerifyIDToken(ctx, f.signIDToken(params))
			assert.ErrorIs(t, err, auth.ErrIDTokenInvalid)
		})
	}

	raw := f.signIDToken(idTokenParams{})
	tampered := raw[:strings.LastIndex(raw, ".")+1] + "AAAA"
	_, err = p.VerifyIDToken(ctx, tampered)
	assert.ErrorIs(t, err, auth.ErrIDTokenInvalid)
}

func TestRemoteKeySetCachesAndFollowsRotation(t *testing.T) {
	f := newFakeOIDC(t)
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	p := f.provider(t, WithClock(clock))
	ctx := context.Background()

	first := f.signIDToken(idTokenParams{issued: clock()})
	for i := 0; i < 3; i++ {
		_, err := p.VerifyIDToken(ctx, first)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.count("jwks"))

	f.rotate("kid-2")
	rotated := f.signIDToken(idTokenParams{issued: clock()})

	// Unknown kid right after a fetch does not hammer the provider.
	_, err := p.VerifyIDToken(ctx, rotated)
	assert.ErrorIs(t, err, auth.ErrIDTokenInvalid)
	assert.Equal(t, 1, f.count("jwks"))

	advance(11 * time.Second)
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.VerifyIDToken(ctx, rotated)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, f.count("jwks"))

	advance(2 * time.Hour)
	_, err = p.VerifyIDToken(ctx, f.signIDToken(idTokenParams{issued: clock()}))
	require.NoError(t, err)
	assert.Equal(t, 3, f.count("jwks"))
}

func TestBridgeComplete(t *testing.T) {
	f := newFakeOIDC(t)
	b := NewBridge()
	require.NoError(t, b.Register(f.provider(t)))
	assert.ErrorIs(t, b.Register(f.provider(t)), auth.ErrConflict)
	assert.Equal(t, []string{"truxe"}, b.Names())
	ctx := context.Background()

	a, authURL, err := b.Start("truxe", StartRequest{RedirectURI: "https://app.example.com/callback"})
	require.NoError(t, err)
	assert.Equal(t, PhaseRedirected, a.Phase)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, a.State, u.Query().Get("state"))
	assert.Equal(t, a.Nonce, u.Query().Get("nonce"))
	assert.NotEmpty(t, u.Query().Get("code_challenge"))

	f.setNonce(a.Nonce)
	done, err := b.Complete(ctx, "truxe", a.State, "code-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, done.Phase)
	assert.Equal(t, "user-123", done.Profile.Subject)
	assert.Equal(t, "user-123", done.IDClaims.Subject)
	assert.Equal(t, a.CodeVerifier, f.form("token", "code_verifier"))

	_, err = b.Complete(ctx, "truxe", a.State, "code-1")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = b.Complete(ctx, "unknown", a.State, "code-1")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestBridgeCompleteRejectsNonceMismatch(t *testing.T) {
	f := newFakeOIDC(t)
	b := NewBridge()
	require.NoError(t, b.Register(f.provider(t)))

	a, _, err := b.Start("truxe", StartRequest{RedirectURI: "https://app.example.com/callback"})
	require.NoError(t, err)
	f.setNonce("replayed-nonce")

	failed, err := b.Complete(context.Background(), "truxe", a.State, "code-1")
	assert.ErrorIs(t, err, auth.ErrIDTokenInvalid)
	assert.Equal(t, PhaseFailed, failed.Phase)
	assert.Zero(t, f.count("userinfo"))
}

func TestBridgeRevokeSwallowsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	p, err := NewOIDC("down", srv.URL, Config{ClientID: "c"})
	require.NoError(t, err)
	b := NewBridge()
	require.NoError(t, b.Register(p))

	assert.ErrorIs(t, p.Revoke(context.Background(), "tok", ""), auth.ErrUpstream)
	assert.NoError(t, b.Revoke(context.Background(), "down", "tok", ""))
	assert.ErrorIs(t, b.Revoke(context.Background(), "down", "", ""), auth.ErrInvalidInput)
}

func TestBridgePurgeAttempts(t *testing.T) {
	f := newFakeOIDC(t)
	now := time.Now()
	b := NewBridge(WithAttemptTTL(time.Minute), WithBridgeClock(func() time.Time { return now }))
	require.NoError(t, b.Register(f.provider(t)))

	a, _, err := b.Start("truxe", StartRequest{RedirectURI: "https://app.example.com/callback"})
	require.NoError(t, err)
	assert.Zero(t, b.PurgeAttempts(now))
	assert.Equal(t, 1, b.PurgeAttempts(now.Add(2*time.Minute)))

	_, err = b.Complete(context.Background(), "truxe", a.State, "code-1")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestAttemptTransitions(t *testing.T) {
	now := time.Now()
	a := &Attempt{Phase: PhaseStarted}

	assert.Error(t, a.Advance(PhaseCodeExchanged, now))
	for _, next := range []Phase{PhaseRedirected, PhaseCallbackReceived, PhaseCodeExchanged, PhaseProfileFetched, PhaseCompleted} {
		require.NoError(t, a.Advance(next, now))
	}
	assert.Error(t, a.Advance(PhaseFailed, now))

	b := &Attempt{Phase: PhaseRedirected}
	b.Fail(errors.New("boom"), now)
	assert.Equal(t, PhaseFailed, b.Phase)
	assert.Equal(t, "boom", b.Failure)
	assert.Error(t, b.Advance(PhaseCallbackReceived, now))
}
