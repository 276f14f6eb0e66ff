// Package oauthbridge integrates third-party OAuth 2.0 / OpenID Connect providers.
package oauthbridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"truxe.io/internal/auth"
)

// Provider is the capability every upstream variant implements. Callers never depend on a
// concrete provider type.
type Provider interface {
	Name() string
	AuthorizationURL(req AuthRequest) (string, error)
	ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*Token, error)
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	Revoke(ctx context.Context, token, tokenTypeHint string) error
	Introspect(ctx context.Context, token, tokenTypeHint string) (*Introspection, error)
	VerifyIDToken(ctx context.Context, rawIDToken string) (*IDClaims, error)
}

// AuthRequest carries the caller-controlled parts of an authorization URL. State is passed
// through untouched; generating and checking it is the caller's job.
type AuthRequest struct {
	State               string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// Token is a provider token response.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Profile is the provider-independent user shape.
type Profile struct {
	Provider      string `json:"provider"`
	Subject       string `json:"subject"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Username      string `json:"username,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// Introspection is an RFC 7662 response.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// IDClaims are the verified claims of an OpenID Connect ID token.
type IDClaims struct {
	Issuer        string    `json:"iss"`
	Subject       string    `json:"sub"`
	Audience      []string  `json:"aud"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	Name          string    `json:"name,omitempty"`
	Nonce         string    `json:"nonce,omitempty"`
	ExpiresAt     time.Time `json:"exp"`
}

// Config is shared by every provider variant.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

const defaultTimeout = 10 * time.Second

func (c Config) validate(name string) error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: %s client id is required", auth.ErrInvalidInput, name)
	}
	return nil
}

func (c Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// ProviderError keeps the upstream error code while matching one of the auth sentinels.
type ProviderError struct {
	Kind        error
	Provider    string
	Op          string
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s", e.Code)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Is matches the sentinel kind.
func (e *ProviderError) Is(target error) bool { return target == e.Kind }

func (e *ProviderError) Unwrap() error { return e.Err }

// mergeScopes appends custom scopes to defaults, keeping order and dropping duplicates.
func mergeScopes(defaults, custom []string) []string {
	return auth.DedupeStrings(append(append([]string{}, defaults...), custom...))
}

func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
