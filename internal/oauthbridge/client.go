package oauthbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"truxe.io/internal/auth"
	"truxe.io/internal/obs"
)

const maxResponseBytes = 1 << 20

// Endpoints lists the upstream URLs of one provider. Empty entries are unsupported.
type Endpoints struct {
	Authorize  string
	Token      string
	UserInfo   string
	Introspect string
	Revoke     string
	JWKS       string
}

func (e Endpoints) merge(override Endpoints) Endpoints {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	return Endpoints{
		Authorize:  pick(e.Authorize, override.Authorize),
		Token:      pick(e.Token, override.Token),
		UserInfo:   pick(e.UserInfo, override.UserInfo),
		Introspect: pick(e.Introspect, override.Introspect),
		Revoke:     pick(e.Revoke, override.Revoke),
		JWKS:       pick(e.JWKS, override.JWKS),
	}
}

// Option customizes a provider variant.
type Option func(*variantOptions)

type variantOptions struct {
	endpoints Endpoints
	issuers   []string
	now       func() time.Time
	keySet    []KeySetOption
}

// WithEndpoints overrides individual upstream URLs.
func WithEndpoints(ep Endpoints) Option {
	return func(o *variantOptions) { o.endpoints = ep }
}

// WithIssuers replaces the accepted ID token issuers.
func WithIssuers(issuers ...string) Option {
	return func(o *variantOptions) { o.issuers = issuers }
}

// WithClock overrides the time source used for ID token validation.
func WithClock(now func() time.Time) Option {
	return func(o *variantOptions) {
		if now != nil {
			o.now = now
			o.keySet = append(o.keySet, WithKeySetClock(now))
		}
	}
}

// WithKeySetOptions tunes the remote JWKS cache.
func WithKeySetOptions(opts ...KeySetOption) Option {
	return func(o *variantOptions) { o.keySet = append(o.keySet, opts...) }
}

func applyOptions(opts []Option) variantOptions {
	o := variantOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// client is the OAuth 2.0 machinery shared by all variants.
type client struct {
	name      string
	cfg       Config
	endpoints Endpoints
	oauth     oauth2.Config
	http      *http.Client
}

func newClient(name string, cfg Config, ep Endpoints) (*client, error) {
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	return &client{
		name:      name,
		cfg:       cfg,
		endpoints: ep,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   ep.Authorize,
				TokenURL:  ep.Token,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http: cfg.client(),
	}, nil
}

func (c *client) Name() string { return c.name }

// AuthorizationURL builds the consent URL. The nonce is only sent with the openid scope.
func (c *client) AuthorizationURL(req AuthRequest) (string, error) {
	if strings.TrimSpace(req.State) == "" {
		return "", fmt.Errorf("%w: state is required", auth.ErrInvalidInput)
	}
	conf := c.oauth
	conf.Scopes = mergeScopes(c.cfg.Scopes, req.Scopes)
	if req.RedirectURI != "" {
		conf.RedirectURL = req.RedirectURI
	}
	if conf.RedirectURL == "" {
		return "", fmt.Errorf("%w: redirect uri is required", auth.ErrInvalidInput)
	}
	var opts []oauth2.AuthCodeOption
	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = "S256"
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}
	if req.Nonce != "" && hasScope(conf.Scopes, "openid") {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	return conf.AuthCodeURL(req.State, opts...), nil
}

// ExchangeCode trades an authorization code for tokens. Empty inputs fail before any request.
func (c *client) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*Token, error) {
	code = strings.TrimSpace(code)
	redirectURI = strings.TrimSpace(redirectURI)
	if code == "" || redirectURI == "" {
		return nil, fmt.Errorf("%w: code and redirect uri are required", auth.ErrInvalidInput)
	}
	conf := c.oauth
	conf.RedirectURL = redirectURI
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	start := time.Now()
	tok, err := conf.Exchange(c.withHTTPClient(ctx), code, opts...)
	c.observe("exchange", start, err)
	if err != nil {
		return nil, c.tokenError("exchange", auth.ErrCodeExchangeFailed, err)
	}
	return convertToken(tok), nil
}

// Refresh uses a provider refresh token to obtain a new access token.
func (c *client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("%w: refresh token is required", auth.ErrInvalidInput)
	}
	start := time.Now()
	src := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	c.observe("refresh", start, err)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, c.tokenError("refresh", auth.ErrRefreshInvalid, err)
		}
		return nil, c.tokenError("refresh", auth.ErrUpstream, err)
	}
	return convertToken(tok), nil
}

// newVerifier builds the ID token verifier for an OIDC capable variant.
func (c *client) newVerifier(o variantOptions, defaultIssuers []string) *idTokenVerifier {
	issuers := o.issuers
	if len(issuers) == 0 {
		issuers = defaultIssuers
	}
	return &idTokenVerifier{
		provider: c.name,
		keys:     NewRemoteKeySet(c.endpoints.JWKS, c.http, o.keySet...),
		issuers:  issuers,
		audience: c.cfg.ClientID,
		now:      o.now,
	}
}

// FetchProfile reads the OIDC userinfo document and normalizes it.
func (c *client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	raw, err := c.getJSON(ctx, "userinfo", c.endpoints.UserInfo, accessToken)
	if err != nil {
		return nil, err
	}
	p := normalizeOIDCProfile(raw)
	p.Provider = c.name
	if p.Subject == "" {
		return nil, &ProviderError{Kind: auth.ErrProfileFetchFailed, Provider: c.name, Op: "userinfo", Description: "missing subject"}
	}
	return p, nil
}

// Revoke is RFC 7009 revocation. Tokens the provider reports as already invalid count as revoked.
func (c *client) Revoke(ctx context.Context, token, hint string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: token is required", auth.ErrInvalidInput)
	}
	if c.endpoints.Revoke == "" {
		return &ProviderError{Kind: auth.ErrUpstream, Provider: c.name, Op: "revoke", Description: "revocation not supported"}
	}
	form := c.credentials()
	form.Set("token", token)
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	start := time.Now()
	status, oerr, err := c.postForm(ctx, c.endpoints.Revoke, form, nil)
	if err == nil && status >= 400 && alreadyRevoked(oerr.Code) {
		c.observe("revoke", start, nil)
		return nil
	}
	if err == nil && status >= 400 {
		err = fmt.Errorf("status %d", status)
	}
	c.observe("revoke", start, err)
	if err != nil {
		return &ProviderError{Kind: auth.ErrUpstream, Provider: c.name, Op: "revoke", Status: status, Code: oerr.Code, Description: oerr.Description, Err: err}
	}
	return nil
}

// Introspect is RFC 7662 introspection.
func (c *client) Introspect(ctx context.Context, token, hint string) (*Introspection, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: token is required", auth.ErrInvalidInput)
	}
	if c.endpoints.Introspect == "" {
		return nil, &ProviderError{Kind: auth.ErrUpstream, Provider: c.name, Op: "introspect", Description: "introspection not supported"}
	}
	form := c.credentials()
	form.Set("token", token)
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	var out Introspection
	start := time.Now()
	status, oerr, err := c.postForm(ctx, c.endpoints.Introspect, form, &out)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("status %d", status)
	}
	c.observe("introspect", start, err)
	if err != nil {
		return nil, &ProviderError{Kind: auth.ErrUpstream, Provider: c.name, Op: "introspect", Status: status, Code: oerr.Code, Description: oerr.Description, Err: err}
	}
	return &out, nil
}

func (c *client) credentials() url.Values {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	return form
}

// oauthError is the RFC 6749 error body.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// postForm posts form and decodes a 200 body into out. Error bodies are decoded into oauthError.
func (c *client) postForm(ctx context.Context, endpoint string, form url.Values, out any) (int, oauthError, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, oauthError{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, oauthError{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, oauthError{}, err
	}
	if resp.StatusCode >= 400 {
		var oerr oauthError
		_ = json.Unmarshal(body, &oerr)
		return resp.StatusCode, oerr, nil
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, oauthError{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, oauthError{}, nil
}

// getJSON performs an authenticated GET and decodes the body as a generic document.
func (c *client) getJSON(ctx context.Context, op, endpoint, accessToken string) (map[string]any, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("%w: access token is required", auth.ErrInvalidInput)
	}
	if endpoint == "" {
		return nil, &ProviderError{Kind: auth.ErrProfileFetchFailed, Provider: c.name, Op: op, Description: "endpoint not configured"}
	}
	start := time.Now()
	raw, status, err := c.doGet(ctx, endpoint, accessToken)
	c.observe(op, start, err)
	if err != nil {
		return nil, &ProviderError{Kind: auth.ErrProfileFetchFailed, Provider: c.name, Op: op, Status: status, Err: err}
	}
	return raw, nil
}

func (c *client) doGet(ctx context.Context, endpoint, accessToken string) (map[string]any, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *client) observe(op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	obs.UpstreamRequests.WithLabelValues(c.name, op, outcome).Observe(time.Since(start).Seconds())
}

// tokenError preserves the provider's error code from an oauth2 token endpoint failure.
func (c *client) tokenError(op string, kind, err error) error {
	pe := &ProviderError{Kind: kind, Provider: c.name, Op: op, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe.Code = re.ErrorCode
		pe.Description = re.ErrorDescription
		if re.Response != nil {
			pe.Status = re.Response.StatusCode
		}
	}
	return pe
}

func convertToken(tok *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out
}

func alreadyRevoked(code string) bool {
	switch code {
	case "invalid_token", "token_revoked", "already_revoked":
		return true
	}
	return false
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

func boolField(raw map[string]any, key string) bool { return truthy(raw[key]) }

func normalizeOIDCProfile(raw map[string]any) *Profile {
	p := &Profile{
		Subject:       stringField(raw, "sub"),
		Email:         strings.ToLower(stringField(raw, "email")),
		EmailVerified: boolField(raw, "email_verified"),
		Name:          stringField(raw, "name"),
		GivenName:     stringField(raw, "given_name"),
		FamilyName:    stringField(raw, "family_name"),
		Username:      stringField(raw, "preferred_username"),
		AvatarURL:     stringField(raw, "picture"),
		Locale:        stringField(raw, "locale"),
	}
	if p.Name == "" && (p.GivenName != "" || p.FamilyName != "") {
		p.Name = strings.TrimSpace(p.GivenName + " " + p.FamilyName)
	}
	return p
}
