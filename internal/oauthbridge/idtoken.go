package oauthbridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"truxe.io/internal/auth"
)

// IDTokenLeeway is the clock skew tolerated on iss/aud/exp checks.
const IDTokenLeeway = 5 * time.Minute

var idTokenAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// idTokenVerifier checks ID tokens against a remote key set.
type idTokenVerifier struct {
	provider string
	keys     *RemoteKeySet
	issuers  []string
	audience string
	now      func() time.Time
}

type idTokenExtra struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Name          string `json:"name"`
	Nonce         string `json:"nonce"`
}

func (v *idTokenVerifier) invalid(format string, args ...any) error {
	return &ProviderError{Kind: auth.ErrIDTokenInvalid, Provider: v.provider, Op: "id_token", Description: fmt.Sprintf(format, args...)}
}

// verify checks the structure first so malformed input never reaches the network.
func (v *idTokenVerifier) verify(ctx context.Context, raw string) (*IDClaims, error) {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, ".") != 2 {
		return nil, v.invalid("malformed token")
	}
	tok, err := josejwt.ParseSigned(raw, idTokenAlgorithms)
	if err != nil {
		return nil, v.invalid("parse: %v", err)
	}
	if len(tok.Headers) == 0 {
		return nil, v.invalid("missing header")
	}
	kid := tok.Headers[0].KeyID

	var std josejwt.Claims
	var extra idTokenExtra
	key, err := v.keys.Key(ctx, kid)
	if err != nil {
		return nil, v.invalid("%v", err)
	}
	if err := tok.Claims(key.Key, &std, &extra); err != nil {
		// The provider may have rotated a key under the same id.
		v.keys.Invalidate()
		key, kerr := v.keys.Key(ctx, kid)
		if kerr != nil {
			return nil, v.invalid("signature: %v", err)
		}
		if err := tok.Claims(key.Key, &std, &extra); err != nil {
			return nil, v.invalid("signature: %v", err)
		}
	}

	if std.Expiry == nil {
		return nil, v.invalid("missing exp")
	}
	if !v.issuerAllowed(std.Issuer) {
		return nil, v.invalid("unexpected issuer %q", std.Issuer)
	}
	expected := josejwt.Expected{Time: v.now()}
	if v.audience != "" {
		expected.AnyAudience = josejwt.Audience{v.audience}
	}
	if err := std.ValidateWithLeeway(expected, IDTokenLeeway); err != nil {
		return nil, v.invalid("%v", err)
	}
	if std.Subject == "" {
		return nil, v.invalid("missing sub")
	}

	return &IDClaims{
		Issuer:        std.Issuer,
		Subject:       std.Subject,
		Audience:      []string(std.Audience),
		Email:         strings.ToLower(strings.TrimSpace(extra.Email)),
		EmailVerified: truthy(extra.EmailVerified),
		Name:          extra.Name,
		Nonce:         extra.Nonce,
		ExpiresAt:     std.Expiry.Time(),
	}, nil
}

func (v *idTokenVerifier) issuerAllowed(iss string) bool {
	for _, allowed := range v.issuers {
		if iss == allowed {
			return true
		}
	}
	return false
}

// truthy accepts both a JSON boolean and the string form some providers emit.
func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}
