// Package token issues, verifies, rotates and revokes JWT access/refresh pairs.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"truxe.io/internal/audit"
	"truxe.io/internal/auth"
	"truxe.io/internal/keys"
	"truxe.io/internal/obs"
)

const (
	defaultIssuer      = "https://api.truxe.io"
	defaultAudience    = "truxe-api"
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 30 * 24 * time.Hour
	defaultLeeway      = 60 * time.Second
	defaultReuseWindow = 5 * time.Second
	maxLeeway          = 60 * time.Second
	tokenTypeBearer    = "Bearer"
)

var validMethods = []string{string(keys.RS256), string(keys.ES256), string(keys.EdDSA)}

// Store is the persistence the token service depends on.
type Store interface {
	GetUser(ctx context.Context, id string) (auth.User, error)
	auth.SessionStore
	auth.RevocationStore
}

// ContextResolver re-resolves org claims when a refresh mints a new access token.
type ContextResolver interface {
	ResolveContext(ctx context.Context, userID, orgID string) (auth.OrgContext, error)
}

// Service mints and verifies tokens signed by the key manager.
type Service struct {
	keys     *keys.Manager
	store    Store
	resolver ContextResolver

	issuer      string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	leeway      time.Duration
	reuseWindow time.Duration
	now         func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return fmt.Errorf("%w: issuer is required", auth.ErrInvalidInput)
		}
		s.issuer = issuer
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(audience string) ServiceOption {
	return func(s *Service) error {
		audience = strings.TrimSpace(audience)
		if audience == "" {
			return fmt.Errorf("%w: audience is required", auth.ErrInvalidInput)
		}
		s.audience = audience
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithLeeway sets the clock-skew tolerance on expiry. It is capped at 60s.
func WithLeeway(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 || d > maxLeeway {
			return fmt.Errorf("%w: leeway must be within [0, %s]", auth.ErrInvalidInput, maxLeeway)
		}
		s.leeway = d
		return nil
	}
}

// WithReuseWindow sets how long after a rotation the superseded refresh token is treated
// as a lost concurrent refresh rather than a replay. Zero disables the window.
func WithReuseWindow(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return fmt.Errorf("%w: reuse window must not be negative", auth.ErrInvalidInput)
		}
		s.reuseWindow = d
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(km *keys.Manager, store Store, resolver ContextResolver, opts ...ServiceOption) (*Service, error) {
	if km == nil || store == nil || resolver == nil {
		return nil, errors.New("token: key manager, store and resolver are required")
	}
	svc := &Service{
		keys:        km,
		store:       store,
		resolver:    resolver,
		issuer:      defaultIssuer,
		audience:    defaultAudience,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		leeway:      defaultLeeway,
		reuseWindow: defaultReuseWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// RefreshTTL is the refresh token lifetime; sessions use it as their absolute lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// NewJTI returns a fresh random token identifier.
func NewJTI() string { return uuid.NewString() }

// IssueTokenPair signs an access token with a fresh JTI and a refresh token carrying the
// session's current refresh JTI. Both JTIs are appended to the session chain.
func (s *Service) IssueTokenPair(ctx context.Context, user auth.User, sess auth.Session, org *auth.OrgContext) (auth.TokenPair, error) {
	pair, links, err := s.mint(user, sess, org, s.now().UTC())
	if err != nil {
		return auth.TokenPair{}, err
	}
	for _, link := range links {
		if err := s.store.AddSessionToken(ctx, link); err != nil {
			return auth.TokenPair{}, fmt.Errorf("token: record chain: %w", err)
		}
	}
	return pair, nil
}

// Reissue rotates the refresh JTI of sess and mints a new pair for it. The rotation and the
// chain entries of the new pair are stored as one unit. With switchOrg the session also moves
// to org and every access token minted for it before is revoked in that same unit.
// A concurrent rotation of sess surfaces as auth.ErrStale.
func (s *Service) Reissue(ctx context.Context, user auth.User, sess auth.Session, org *auth.OrgContext, switchOrg bool) (auth.TokenPair, auth.Session, error) {
	now := s.now().UTC()
	next := sess
	next.PreviousRefreshJTI = sess.RefreshJTI
	next.RefreshJTI = NewJTI()
	next.RefreshedAt = now
	if switchOrg {
		next.OrganizationID = ""
		if org != nil {
			next.OrganizationID = org.OrganizationID
		}
	}
	pair, links, err := s.mint(user, next, org, now)
	if err != nil {
		return auth.TokenPair{}, auth.Session{}, err
	}
	err = s.store.RotateSession(ctx, auth.SessionRotation{
		SessionID:          sess.ID,
		OldJTI:             sess.RefreshJTI,
		NewJTI:             next.RefreshJTI,
		At:                 now,
		Tokens:             links,
		SwitchOrganization: switchOrg,
		OrganizationID:     next.OrganizationID,
	})
	if err != nil {
		return auth.TokenPair{}, auth.Session{}, err
	}
	return pair, next, nil
}

func (s *Service) mint(user auth.User, sess auth.Session, org *auth.OrgContext, now time.Time) (auth.TokenPair, []auth.SessionToken, error) {
	if user.ID == "" || sess.ID == "" || sess.RefreshJTI == "" {
		return auth.TokenPair{}, nil, fmt.Errorf("%w: user and session are required", auth.ErrInvalidInput)
	}
	if sess.UserID != user.ID {
		return auth.TokenPair{}, nil, fmt.Errorf("%w: session belongs to another user", auth.ErrInvalidInput)
	}
	key, err := s.keys.CurrentSigningKey()
	if err != nil {
		return auth.TokenPair{}, nil, err
	}

	accessExp := now.Add(s.accessTTL)
	accessJTI := NewJTI()
	access := &Claims{
		Email:     user.Email,
		SessionID: sess.ID,
		TokenType: auth.TokenKindAccess,
		RegisteredClaims: s.registered(user.ID, accessJTI, now, accessExp),
	}
	if org != nil {
		access.OrgID = org.OrganizationID
		access.Role = org.Role
		access.Permissions = org.Permissions
	}
	accessToken, err := sign(key, access)
	if err != nil {
		return auth.TokenPair{}, nil, err
	}

	refreshExp := now.Add(s.refreshTTL)
	if !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Before(refreshExp) {
		refreshExp = sess.ExpiresAt
	}
	refresh := &Claims{
		SessionID:        sess.ID,
		TokenType:        auth.TokenKindRefresh,
		RegisteredClaims: s.registered(user.ID, sess.RefreshJTI, now, refreshExp),
	}
	refreshToken, err := sign(key, refresh)
	if err != nil {
		return auth.TokenPair{}, nil, err
	}

	links := []auth.SessionToken{
		{JTI: accessJTI, SessionID: sess.ID, Kind: auth.TokenKindAccess, ExpiresAt: accessExp},
		{JTI: sess.RefreshJTI, SessionID: sess.ID, Kind: auth.TokenKindRefresh, ExpiresAt: refreshExp},
	}
	return auth.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        tokenTypeBearer,
		ExpiresIn:        int64(s.accessTTL / time.Second),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, links, nil
}

func (s *Service) registered(subject, jti string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        jti,
	}
}

func sign(key keys.Key, claims *Claims) (string, error) {
	var method jwt.SigningMethod
	switch key.Algorithm {
	case keys.RS256:
		method = jwt.SigningMethodRS256
	case keys.ES256:
		method = jwt.SigningMethodES256
	case keys.EdDSA:
		method = jwt.SigningMethodEdDSA
	default:
		return "", fmt.Errorf("token: unsupported algorithm %s", key.Algorithm)
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(key.Signer)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parse verifies signature, issuer, audience, expiry and token type.
func (s *Service) parse(raw, kind string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty token")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, s.keyFunc); err != nil {
		return nil, err
	}
	if claims.TokenType != kind || claims.ID == "" || claims.Subject == "" || claims.SessionID == "" {
		return nil, errors.New("unexpected token shape")
	}
	return claims, nil
}

func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	pub, alg, ok := s.keys.VerificationKey(kid)
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	if t.Method.Alg() != string(alg) {
		return nil, errors.New("algorithm does not match key")
	}
	return pub, nil
}

// VerifyAccessToken returns the claims of a valid, unrevoked access token.
func (s *Service) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw, auth.TokenKindAccess)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrTokenInvalid, err)
	}
	revoked, err := s.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, auth.ErrTokenRevoked
	}
	return claims, nil
}

// Refresh rotates the session's refresh JTI and mints a new pair. Presenting a superseded
// refresh token revokes the whole session family, unless it is the token the latest rotation
// replaced and that rotation is still inside the reuse window.
func (s *Service) Refresh(ctx context.Context, raw string) (auth.TokenPair, auth.Session, error) {
	pair, sess, err := s.refresh(ctx, raw)
	obs.ObserveAuth("token.refresh", err)
	return pair, sess, err
}

func (s *Service) refresh(ctx context.Context, raw string) (auth.TokenPair, auth.Session, error) {
	claims, err := s.parse(raw, auth.TokenKindRefresh)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshExpired
		}
		return auth.TokenPair{}, auth.Session{}, fmt.Errorf("%w: %v", auth.ErrRefreshInvalid, err)
	}
	if revoked, err := s.store.IsTokenRevoked(ctx, claims.ID); err != nil {
		return auth.TokenPair{}, auth.Session{}, err
	} else if revoked {
		return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshInvalid
	}

	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshInvalid
		}
		return auth.TokenPair{}, auth.Session{}, err
	}
	if sess.UserID != claims.Subject {
		return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshInvalid
	}
	if !sess.ExpiresAt.IsZero() && !s.now().Before(sess.ExpiresAt) {
		return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshExpired
	}
	if sess.RefreshJTI != claims.ID {
		return auth.TokenPair{}, auth.Session{}, s.superseded(ctx, sess, claims.ID)
	}

	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshInvalid
		}
		return auth.TokenPair{}, auth.Session{}, err
	}
	if !user.Active() {
		return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshInvalid
	}

	var org *auth.OrgContext
	if sess.OrganizationID != "" {
		oc, err := s.resolver.ResolveContext(ctx, user.ID, sess.OrganizationID)
		if err != nil {
			return auth.TokenPair{}, auth.Session{}, err
		}
		org = &oc
	}

	pair, next, err := s.Reissue(ctx, user, sess, org, false)
	if err != nil {
		if errors.Is(err, auth.ErrStale) {
			return auth.TokenPair{}, auth.Session{}, s.lostRace(ctx, sess.ID, claims.ID)
		}
		if errors.Is(err, auth.ErrNotFound) {
			return auth.TokenPair{}, auth.Session{}, auth.ErrRefreshInvalid
		}
		return auth.TokenPair{}, auth.Session{}, err
	}
	return pair, next, nil
}

// lostRace re-reads a session whose rotation failed the compare-and-set.
func (s *Service) lostRace(ctx context.Context, sessionID, jti string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrRefreshReused
		}
		return err
	}
	return s.superseded(ctx, sess, jti)
}

// superseded handles a presented refresh JTI that is no longer current for sess. The JTI
// replaced by the latest rotation is rejected without touching the family while the rotation
// is younger than the reuse window; anything else revokes the family.
func (s *Service) superseded(ctx context.Context, sess auth.Session, jti string) error {
	if s.reuseWindow > 0 && jti == sess.PreviousRefreshJTI && s.now().Sub(sess.RefreshedAt) < s.reuseWindow {
		obs.RefreshReuse.Inc()
		obs.Logger().Info("concurrent refresh rejected", "session_id", sess.ID)
		_ = audit.LogEvent(ctx, "token.refresh_raced", map[string]any{"session_id": sess.ID, "jti": jti})
		return auth.ErrRefreshReused
	}
	return s.reuseDetected(ctx, sess.ID, jti)
}

func (s *Service) reuseDetected(ctx context.Context, sessionID, jti string) error {
	obs.RefreshReuse.Inc()
	obs.Logger().Warn("refresh token reuse detected", "session_id", sessionID)
	_ = audit.LogEvent(ctx, "token.refresh_reused", map[string]any{"session_id": sessionID, "jti": jti})
	if err := s.RevokeFamily(ctx, sessionID); err != nil {
		obs.Logger().Error("revoke session family", "session_id", sessionID, "error", err)
	}
	return auth.ErrRefreshReused
}

// Revoke marks jti permanently invalid. Revoking twice succeeds.
func (s *Service) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return fmt.Errorf("%w: jti is required", auth.ErrInvalidInput)
	}
	if expiresAt.IsZero() {
		expiresAt = s.now().UTC().Add(s.refreshTTL)
	}
	return s.store.RevokeToken(ctx, jti, expiresAt)
}

// RevokeToken revokes a presented access or refresh token. Unparseable or expired tokens
// are ignored since they can no longer be used.
func (s *Service) RevokeToken(ctx context.Context, raw string) error {
	for _, kind := range []string{auth.TokenKindAccess, auth.TokenKindRefresh} {
		claims, err := s.parse(raw, kind)
		if err != nil {
			continue
		}
		if kind == auth.TokenKindRefresh {
			return s.RevokeFamily(ctx, claims.SessionID)
		}
		return s.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
	}
	return nil
}

// RevokeAccessTokens revokes every access JTI minted for the session.
func (s *Service) RevokeAccessTokens(ctx context.Context, sessionID string) error {
	chain, err := s.store.ListSessionTokens(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, link := range chain {
		if link.Kind != auth.TokenKindAccess {
			continue
		}
		if err := s.Revoke(ctx, link.JTI, link.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

// RevokeFamily revokes every JTI in the session chain and deletes the session.
func (s *Service) RevokeFamily(ctx context.Context, sessionID string) error {
	chain, err := s.store.ListSessionTokens(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, link := range chain {
		if err := s.Revoke(ctx, link.JTI, link.ExpiresAt); err != nil {
			return err
		}
	}
	if sess, err := s.store.GetSession(ctx, sessionID); err == nil && sess.RefreshJTI != "" {
		if err := s.Revoke(ctx, sess.RefreshJTI, sess.ExpiresAt); err != nil {
			return err
		}
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	_ = audit.LogEvent(ctx, "session.revoked", map[string]any{"session_id": sessionID, "tokens": len(chain)})
	return nil
}
