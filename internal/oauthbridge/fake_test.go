package oauthbridge

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

// fakeOIDC serves the /oauth-provider endpoints and a JWKS document.
type fakeOIDC struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	forms   map[string][]string
	keys    map[string]*ecdsa.PrivateKey
	current string
	nonce   string
	revoked map[string]bool
	// tokenError, when set, is returned by the token endpoint with status 400.
	tokenError string
}

func newFakeOIDC(t *testing.T) *fakeOIDC {
	t.Helper()
	f := &fakeOIDC{
		t:       t,
		hits:    make(map[string]int),
		forms:   make(map[string][]string),
		keys:    make(map[string]*ecdsa.PrivateKey),
		revoked: make(map[string]bool),
	}
	f.rotate("kid-1")
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-provider/token", f.token)
	mux.HandleFunc("/oauth-provider/userinfo", f.userinfo)
	mux.HandleFunc("/oauth-provider/revoke", f.revoke)
	mux.HandleFunc("/oauth-provider/introspect", f.introspect)
	mux.HandleFunc("/.well-known/jwks.json", f.jwks)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// rotate publishes a new key and retires the previous ones from the document.
func (f *fakeOIDC) rotate(kid string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(f.t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = map[string]*ecdsa.PrivateKey{kid: key}
	f.current = kid
}

func (f *fakeOIDC) hit(path string, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[path]++
	for k, v := range r.PostForm {
		f.forms[path+":"+k] = v
	}
}

func (f *fakeOIDC) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeOIDC) form(path, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v := f.forms[path+":"+key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (f *fakeOIDC) setNonce(nonce string) {
	f.mu.Lock()
	f.nonce = nonce
	f.mu.Unlock()
}

type idTokenParams struct {
	kid      string
	subject  string
	audience string
	issuer   string
	nonce    string
	issued   time.Time
	expires  time.Time
}

func (f *fakeOIDC) signIDToken(p idTokenParams) string {
	f.t.Helper()
	f.mu.Lock()
	if p.kid == "" {
		p.kid = f.current
	}
	key := f.keys[p.kid]
	f.mu.Unlock()
	require.NotNil(f.t, key, "no key %s", p.kid)
	if p.issuer == "" {
		p.issuer = f.srv.URL
	}
	if p.audience == "" {
		p.audience = "client-1"
	}
	if p.subject == "" {
		p.subject = "user-123"
	}
	if p.issued.IsZero() {
		p.issued = time.Now()
	}
	if p.expires.IsZero() {
		p.expires = p.issued.Add(time.Hour)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", p.kid),
	)
	require.NoError(f.t, err)
	std := josejwt.Claims{
		Issuer:   p.issuer,
		Subject:  p.subject,
		Audience: josejwt.Audience{p.audience},
		IssuedAt: josejwt.NewNumericDate(p.issued),
		Expiry:   josejwt.NewNumericDate(p.expires),
	}
	extra := map[string]any{
		"email":          "Ada@Example.com",
		"email_verified": "true",
		"nonce":          p.nonce,
	}
	raw, err := josejwt.Signed(signer).Claims(std).Claims(extra).Serialize()
	require.NoError(f.t, err)
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeOIDC) token(w http.ResponseWriter, r *http.Request) {
	f.hit("token", r)
	f.mu.Lock()
	tokenError, nonce := f.tokenError, f.nonce
	f.mu.Unlock()
	if tokenError != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": tokenError, "error_description": "rejected by fake"})
		return
	}
	body := map[string]any{
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
	if r.PostForm.Get("grant_type") == "authorization_code" {
		body["id_token"] = f.signIDToken(idTokenParams{nonce: nonce})
	} else {
		body["access_token"] = "at-2"
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *fakeOIDC) userinfo(w http.ResponseWriter, r *http.Request) {
	f.hit("userinfo", r)
	if r.Header.Get("Authorization") != "Bearer at-1" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            "user-123",
		"email":          "Ada@Example.com",
		"email_verified": true,
		"given_name":     "Ada",
		"family_name":    "Lovelace",
		"picture":        "https://img.example.com/ada.png",
	})
}

func (f *fakeOIDC) revoke(w http.ResponseWriter, r *http.Request) {
	f.hit("revoke", r)
	tok := r.PostForm.Get("token")
	f.mu.Lock()
	already := f.revoked[tok]
	f.revoked[tok] = true
	f.mu.Unlock()
	if already {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_token"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeOIDC) introspect(w http.ResponseWriter, r *http.Request) {
	f.hit("introspect", r)
	f.mu.Lock()
	revoked := f.revoked[r.PostForm.Get("token")]
	f.mu.Unlock()
	if revoked {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"scope":      "openid email",
		"client_id":  "client-1",
		"sub":        "user-123",
		"token_type": "Bearer",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
}

func (f *fakeOIDC) jwks(w http.ResponseWriter, r *http.Request) {
	f.hit("jwks", r)
	f.mu.Lock()
	set := jose.JSONWebKeySet{}
	for kid, key := range f.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: string(jose.ES256), Use: "sig"})
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, set)
}

func (f *fakeOIDC) provider(t *testing.T, opts ...Option) *OIDC {
	t.Helper()
	p, err := NewOIDC("truxe", f.srv.URL, Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURL:  "https://app.example.com/callback",
	}, opts...)
	require.NoError(t, err)
	return p
}
