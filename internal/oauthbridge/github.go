package oauthbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"truxe.io/internal/auth"
)

const githubAPI = "https://api.github.com"

// GitHub is the GitHub OAuth App variant. GitHub does not issue ID tokens.
type GitHub struct {
	*client
}

// NewGitHub returns a GitHub provider requesting read:user and user:email by default.
func NewGitHub(cfg Config, opts ...Option) (*GitHub, error) {
	o := applyOptions(opts)
	cfg.Scopes = mergeScopes([]string{"read:user", "user:email"}, cfg.Scopes)
	appToken := githubAPI + "/applications/" + url.PathEscape(cfg.ClientID) + "/token"
	ep := Endpoints{
		Authorize:  "https://github.com/login/oauth/authorize",
		Token:      "https://github.com/login/oauth/access_token",
		UserInfo:   githubAPI + "/user",
		Introspect: appToken,
		Revoke:     appToken,
	}
	c, err := newClient("github", cfg, ep.merge(o.endpoints))
	if err != nil {
		return nil, err
	}
	return &GitHub{client: c}, nil
}

// FetchProfile reads /user and falls back to /user/emails for the primary verified address.
func (g *GitHub) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	raw, err := g.getJSON(ctx, "userinfo", g.endpoints.UserInfo, accessToken)
	if err != nil {
		return nil, err
	}
	p := &Profile{
		Provider:  g.name,
		Subject:   stringField(raw, "id"),
		Email:     strings.ToLower(stringField(raw, "email")),
		Name:      stringField(raw, "name"),
		Username:  stringField(raw, "login"),
		AvatarURL: stringField(raw, "avatar_url"),
	}
	if p.Subject == "" {
		return nil, &ProviderError{Kind: auth.ErrProfileFetchFailed, Provider: g.name, Op: "userinfo", Description: "missing id"}
	}
	if p.Name == "" {
		p.Name = p.Username
	}
	if given, family, ok := strings.Cut(p.Name, " "); ok {
		p.GivenName, p.FamilyName = given, family
	}
	email, verified, err := g.primaryEmail(ctx, accessToken)
	switch {
	case err != nil && p.Email == "":
		return nil, err
	case err == nil && email != "":
		p.Email, p.EmailVerified = email, verified
	}
	return p, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (g *GitHub) primaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoints.UserInfo+"/emails", nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	start := time.Now()
	resp, err := g.http.Do(req)
	if err == nil && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err = fmt.Errorf("status %d", resp.StatusCode)
	}
	g.observe("emails", start, err)
	if err != nil {
		return "", false, &ProviderError{Kind: auth.ErrProfileFetchFailed, Provider: g.name, Op: "emails", Err: err}
	}
	defer resp.Body.Close()
	var emails []githubEmail
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&emails); err != nil {
		return "", false, &ProviderError{Kind: auth.ErrProfileFetchFailed, Provider: g.name, Op: "emails", Err: err}
	}
	for _, e := range emails {
		if e.Primary {
			return strings.ToLower(e.Email), e.Verified, nil
		}
	}
	return "", false, nil
}

// Revoke deletes the grant through the OAuth Apps API. 404 and 422 mean the token is already gone.
func (g *GitHub) Revoke(ctx context.Context, token, _ string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: token is required", auth.ErrInvalidInput)
	}
	start := time.Now()
	status, err := g.appTokenCall(ctx, http.MethodDelete, g.endpoints.Revoke, token, nil)
	if err == nil {
		switch status {
		case http.StatusNoContent, http.StatusOK, http.StatusNotFound, http.StatusUnprocessableEntity:
		default:
			err = fmt.Errorf("status %d", status)
		}
	}
	g.observe("revoke", start, err)
	if err != nil {
		return &ProviderError{Kind: auth.ErrUpstream, Provider: g.name, Op: "revoke", Status: status, Err: err}
	}
	return nil
}

type githubTokenInfo struct {
	Scopes    []string `json:"scopes"`
	ExpiresAt string   `json:"expires_at"`
	User      struct {
		ID    json.Number `json:"id"`
		Login string      `json:"login"`
	} `json:"user"`
	App struct {
		ClientID string `json:"client_id"`
	} `json:"app"`
}

// Introspect checks the token through the OAuth Apps API.
func (g *GitHub) Introspect(ctx context.Context, token, _ string) (*Introspection, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: token is required", auth.ErrInvalidInput)
	}
	var info githubTokenInfo
	start := time.Now()
	status, err := g.appTokenCall(ctx, http.MethodPost, g.endpoints.Introspect, token, &info)
	if err == nil && status != http.StatusOK && status != http.StatusNotFound {
		err = fmt.Errorf("status %d", status)
	}
	g.observe("introspect", start, err)
	if err != nil {
		return nil, &ProviderError{Kind: auth.ErrUpstream, Provider: g.name, Op: "introspect", Status: status, Err: err}
	}
	if status == http.StatusNotFound {
		return &Introspection{Active: false}, nil
	}
	out := &Introspection{
		Active:    true,
		Scope:     strings.Join(info.Scopes, " "),
		ClientID:  info.App.ClientID,
		Username:  info.User.Login,
		Subject:   info.User.ID.String(),
		TokenType: "Bearer",
	}
	if info.ExpiresAt != "" {
		if exp, err := time.Parse(time.RFC3339, info.ExpiresAt); err == nil {
			out.ExpiresAt = exp.Unix()
		}
	}
	return out, nil
}

func (g *GitHub) appTokenCall(ctx context.Context, method, endpoint, token string, out any) (int, error) {
	body, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := g.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, nil
}

// VerifyIDToken always fails: GitHub OAuth Apps are not OpenID Connect providers.
func (g *GitHub) VerifyIDToken(context.Context, string) (*IDClaims, error) {
	return nil, &ProviderError{Kind: auth.ErrIDTokenInvalid, Provider: g.name, Op: "id_token", Description: "provider does not issue id tokens"}
}
