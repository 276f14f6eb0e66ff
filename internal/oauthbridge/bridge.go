package oauthbridge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"truxe.io/internal/audit"
	"truxe.io/internal/auth"
	"truxe.io/internal/obs"
)

const defaultAttemptTTL = 10 * time.Minute

// Bridge is the provider registry and keeps in-flight attempts keyed by state.
type Bridge struct {
	mu        sync.RWMutex
	providers map[string]Provider

	attemptsMu sync.Mutex
	attempts   map[string]*Attempt

	attemptTTL time.Duration
	now        func() time.Time
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithAttemptTTL bounds how long an authorization round trip may take.
func WithAttemptTTL(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.attemptTTL = d
		}
	}
}

// WithBridgeClock overrides the time source.
func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBridge returns an empty registry.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		providers:  make(map[string]Provider),
		attempts:   make(map[string]*Attempt),
		attemptTTL: defaultAttemptTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds p. Names are unique.
func (b *Bridge) Register(p Provider) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.providers[p.Name()]; ok {
		return fmt.Errorf("%w: provider %s already registered", auth.ErrConflict, p.Name())
	}
	b.providers[p.Name()] = p
	return nil
}

// Provider looks up a registered provider.
func (b *Bridge) Provider(name string) (Provider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", auth.ErrNotFound, name)
	}
	return p, nil
}

// Names lists registered providers in order.
func (b *Bridge) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.providers))
	for name := range b.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartRequest describes an authorization the caller wants to begin.
type StartRequest struct {
	RedirectURI string
	Scopes      []string
}

// Start creates an attempt with fresh state, PKCE verifier and nonce and returns the URL to
// redirect the user to.
func (b *Bridge) Start(name string, req StartRequest) (*Attempt, string, error) {
	p, err := b.Provider(name)
	if err != nil {
		return nil, "", err
	}
	now := b.now()
	state, err := randomToken()
	if err != nil {
		return nil, "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, "", err
	}
	a := &Attempt{
		Provider:     name,
		State:        state,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: oauth2.GenerateVerifier(),
		Nonce:        nonce,
		Phase:        PhaseStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(b.attemptTTL),
	}
	url, err := p.AuthorizationURL(AuthRequest{
		State:               a.State,
		RedirectURI:         a.RedirectURI,
		Scopes:              req.Scopes,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(a.CodeVerifier),
		CodeChallengeMethod: "S256",
		Nonce:               a.Nonce,
	})
	if err != nil {
		return nil, "", err
	}
	if err := a.Advance(PhaseRedirected, now); err != nil {
		return nil, "", err
	}
	b.attemptsMu.Lock()
	b.attempts[a.State] = a
	b.attemptsMu.Unlock()
	return a, url, nil
}

// take removes and returns the attempt for state. Each state can be completed once.
func (b *Bridge) take(name, state string) (*Attempt, error) {
	b.attemptsMu.Lock()
	defer b.attemptsMu.Unlock()
	for key, a := range b.attempts {
		if subtle.ConstantTimeCompare([]byte(key), []byte(state)) == 1 {
			delete(b.attempts, key)
			if a.Provider != name || b.now().After(a.ExpiresAt) {
				break
			}
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown or expired state", auth.ErrInvalidInput)
}

// Complete runs the callback steps for the attempt identified by state: exchange the code,
// verify the ID token and its nonce when one is returned, then fetch the profile.
func (b *Bridge) Complete(ctx context.Context, name, state, code string) (*Attempt, error) {
	p, err := b.Provider(name)
	if err != nil {
		return nil, err
	}
	a, err := b.take(name, state)
	if err != nil {
		return nil, err
	}
	if err := b.complete(ctx, p, a, code); err != nil {
		a.Fail(err, b.now())
		obs.ObserveAuth("oauth.complete", err)
		return a, err
	}
	obs.ObserveAuth("oauth.complete", nil)
	_ = audit.LogEvent(ctx, "oauth.completed", map[string]any{
		"provider": name,
		"subject":  a.Profile.Subject,
	})
	return a, nil
}

func (b *Bridge) complete(ctx context.Context, p Provider, a *Attempt, code string) error {
	if err := a.Advance(PhaseCallbackReceived, b.now()); err != nil {
		return err
	}
	tok, err := p.ExchangeCode(ctx, code, a.RedirectURI, a.CodeVerifier)
	if err != nil {
		return err
	}
	a.Token = tok
	if err := a.Advance(PhaseCodeExchanged, b.now()); err != nil {
		return err
	}
	if tok.IDToken != "" {
		claims, err := p.VerifyIDToken(ctx, tok.IDToken)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(a.Nonce)) != 1 {
			return &ProviderError{Kind: auth.ErrIDTokenInvalid, Provider: p.Name(), Op: "id_token", Description: "nonce mismatch"}
		}
		a.IDClaims = claims
	}
	profile, err := p.FetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	if a.IDClaims != nil {
		if profile.Subject != a.IDClaims.Subject {
			return &ProviderError{Kind: auth.ErrProfileFetchFailed, Provider: p.Name(), Op: "userinfo", Description: "subject does not match id token"}
		}
		if profile.Email == "" {
			profile.Email, profile.EmailVerified = a.IDClaims.Email, a.IDClaims.EmailVerified
		}
	}
	a.Profile = profile
	if err := a.Advance(PhaseProfileFetched, b.now()); err != nil {
		return err
	}
	return a.Advance(PhaseCompleted, b.now())
}

// Revoke asks the provider to revoke token. Upstream failures are logged, not returned.
func (b *Bridge) Revoke(ctx context.Context, name, token, hint string) error {
	p, err := b.Provider(name)
	if err != nil {
		return err
	}
	err = p.Revoke(ctx, token, hint)
	if errors.Is(err, auth.ErrInvalidInput) {
		return err
	}
	if err != nil {
		obs.Logger().WarnContext(ctx, "provider revocation failed", "provider", name, "error", err)
	}
	return nil
}

// PurgeAttempts drops attempts that were never completed in time.
func (b *Bridge) PurgeAttempts(now time.Time) int {
	b.attemptsMu.Lock()
	defer b.attemptsMu.Unlock()
	n := 0
	for key, a := range b.attempts {
		if now.After(a.ExpiresAt) {
			delete(b.attempts, key)
			n++
		}
	}
	return n
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
