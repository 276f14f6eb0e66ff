package oauthbridge

import (
	"context"
	"fmt"
	"strings"

	"truxe.io/internal/auth"
)

// OIDC is a generic OpenID Connect provider exposing the Truxe /oauth-provider endpoints.
type OIDC struct {
	*client
	verifier *idTokenVerifier
}

// NewOIDC returns a provider rooted at baseURL. The issuer defaults to baseURL.
func NewOIDC(name, baseURL string, cfg Config, opts ...Option) (*OIDC, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if name == "" || baseURL == "" {
		return nil, fmt.Errorf("%w: provider name and base url are required", auth.ErrInvalidInput)
	}
	o := applyOptions(opts)
	cfg.Scopes = mergeScopes([]string{"openid", "profile", "email"}, cfg.Scopes)
	ep := Endpoints{
		Authorize:  baseURL + "/oauth-provider/authorize",
		Token:      baseURL + "/oauth-provider/token",
		UserInfo:   baseURL + "/oauth-provider/userinfo",
		Introspect: baseURL + "/oauth-provider/introspect",
		Revoke:     baseURL + "/oauth-provider/revoke",
		JWKS:       baseURL + "/.well-known/jwks.json",
	}
	c, err := newClient(name, cfg, ep.merge(o.endpoints))
	if err != nil {
		return nil, err
	}
	return &OIDC{client: c, verifier: c.newVerifier(o, []string{baseURL})}, nil
}

// VerifyIDToken validates an ID token issued by this provider.
func (p *OIDC) VerifyIDToken(ctx context.Context, raw string) (*IDClaims, error) {
	return p.verifier.verify(ctx, raw)
}
