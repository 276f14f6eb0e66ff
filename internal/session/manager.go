// Package session owns the lifecycle of authenticated sessions and their token families.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"truxe.io/internal/audit"
	"truxe.io/internal/auth"
	"truxe.io/internal/ids"
	"truxe.io/internal/obs"
	"truxe.io/internal/token"
)

const (
	defaultMaxSessions = 10
	switchAttempts     = 3
)

// Store is the persistence the session manager depends on.
type Store interface {
	GetUser(ctx context.Context, id string) (auth.User, error)
	auth.SessionStore
	PurgeRevokedTokens(ctx context.Context, now time.Time) (int, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)
}

// ContextResolver revalidates membership before org claims are minted.
type ContextResolver interface {
	ResolveContext(ctx context.Context, userID, orgID string) (auth.OrgContext, error)
}

// Manager creates, switches and revokes sessions.
type Manager struct {
	store       Store
	tokens      *token.Service
	resolver    ContextResolver
	maxSessions int
	now         func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithMaxSessions caps concurrent sessions per user; the oldest are evicted first.
func WithMaxSessions(n int) Option {
	return func(m *Manager) error {
		if n < 1 {
			return fmt.Errorf("%w: max sessions must be positive", auth.ErrInvalidInput)
		}
		m.maxSessions = n
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewManager constructs a Manager.
func NewManager(store Store, tokens *token.Service, resolver ContextResolver, opts ...Option) (*Manager, error) {
	if store == nil || tokens == nil || resolver == nil {
		return nil, errors.New("session: store, token service and resolver are required")
	}
	m := &Manager{
		store:       store,
		tokens:      tokens,
		resolver:    resolver,
		maxSessions: defaultMaxSessions,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CreateSession opens a session, evicting the user's oldest sessions when the limit is reached.
func (m *Manager) CreateSession(ctx context.Context, user auth.User, device auth.Device, org *auth.OrgContext) (auth.Session, error) {
	if user.ID == "" {
		return auth.Session{}, fmt.Errorf("%w: user is required", auth.ErrInvalidInput)
	}
	if !user.Active() {
		return auth.Session{}, auth.ErrUserBlocked
	}
	existing, err := m.store.ListUserSessions(ctx, user.ID)
	if err != nil {
		return auth.Session{}, err
	}
	for i := 0; len(existing)-i >= m.maxSessions; i++ {
		victim := existing[i]
		if err := m.tokens.RevokeFamily(ctx, victim.ID); err != nil {
			return auth.Session{}, fmt.Errorf("session: evict %s: %w", victim.ID, err)
		}
		obs.SessionsEvicted.Inc()
		_ = audit.LogEvent(ctx, "session.evicted", map[string]any{"session_id": victim.ID, "user_id": user.ID})
	}

	now := m.now().UTC()
	sess := auth.Session{
		ID:         ids.New(),
		UserID:     user.ID,
		Device:     trimDevice(device),
		RefreshJTI: token.NewJTI(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.tokens.RefreshTTL()),
	}
	if org != nil {
		sess.OrganizationID = org.OrganizationID
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return auth.Session{}, err
	}
	return sess, nil
}

// Login resolves the optional org context, opens a session and mints its first token pair.
func (m *Manager) Login(ctx context.Context, user auth.User, device auth.Device, orgID string) (auth.Session, auth.TokenPair, error) {
	var org *auth.OrgContext
	if orgID = strings.TrimSpace(orgID); orgID != "" {
		oc, err := m.resolver.ResolveContext(ctx, user.ID, orgID)
		if err != nil {
			return auth.Session{}, auth.TokenPair{}, err
		}
		org = &oc
	}
	sess, err := m.CreateSession(ctx, user, device, org)
	if err != nil {
		return auth.Session{}, auth.TokenPair{}, err
	}
	pair, err := m.tokens.IssueTokenPair(ctx, user, sess, org)
	if err != nil {
		return auth.Session{}, auth.TokenPair{}, err
	}
	_ = audit.LogEvent(auth.ContextWithUser(ctx, user.ID), "session.created", map[string]any{
		"session_id":      sess.ID,
		"organization_id": sess.OrganizationID,
		"ip":              sess.Device.IP,
	})
	return sess, pair, nil
}

// ListSessions returns the user's sessions oldest first.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]auth.Session, error) {
	return m.store.ListUserSessions(ctx, userID)
}

// RevokeSession revokes every JTI of the session and deletes it. Unknown sessions are a no-op.
func (m *Manager) RevokeSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session is required", auth.ErrInvalidInput)
	}
	return m.tokens.RevokeFamily(ctx, sessionID)
}

// RevokeAllSessions revokes every session of the user and reports how many were revoked.
func (m *Manager) RevokeAllSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := m.tokens.RevokeFamily(ctx, s.ID); err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}

// CleanupExpired removes expired sessions, revocation entries and challenges.
// It returns the number of sessions removed and is safe to run concurrently.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now().UTC()
	sessions, err := m.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("session: cleanup sessions: %w", err)
	}
	revoked, err := m.store.PurgeRevokedTokens(ctx, now)
	if err != nil {
		return sessions, fmt.Errorf("session: purge revocations: %w", err)
	}
	challenges, err := m.store.DeleteExpiredChallenges(ctx, now)
	if err != nil {
		return sessions, fmt.Errorf("session: purge challenges: %w", err)
	}
	obs.CleanupRemoved.WithLabelValues("sessions").Add(float64(sessions))
	obs.CleanupRemoved.WithLabelValues("revocations").Add(float64(revoked))
	obs.CleanupRemoved.WithLabelValues("challenges").Add(float64(challenges))
	return sessions, nil
}

// SwitchOrganization moves an existing session to newOrgID. Membership is revalidated, and the
// org change, the revocation of earlier access tokens and the refresh rotation are stored as one
// unit. A session rotated concurrently is re-read and retried; persistent contention is a conflict.
func (m *Manager) SwitchOrganization(ctx context.Context, sessionID, newOrgID string) (auth.TokenPair, error) {
	sessionID = strings.TrimSpace(sessionID)
	newOrgID = strings.TrimSpace(newOrgID)
	if sessionID == "" || newOrgID == "" {
		return auth.TokenPair{}, fmt.Errorf("%w: session and organization are required", auth.ErrInvalidInput)
	}
	for attempt := 0; attempt < switchAttempts; attempt++ {
		pair, err := m.switchOnce(ctx, sessionID, newOrgID)
		if errors.Is(err, auth.ErrStale) {
			continue
		}
		return pair, err
	}
	return auth.TokenPair{}, fmt.Errorf("%w: session rotated concurrently", auth.ErrConflict)
}

func (m *Manager) switchOnce(ctx context.Context, sessionID, newOrgID string) (auth.TokenPair, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.TokenPair{}, auth.ErrTokenInvalid
		}
		return auth.TokenPair{}, err
	}
	user, err := m.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if !user.Active() {
		return auth.TokenPair{}, auth.ErrUserBlocked
	}
	oc, err := m.resolver.ResolveContext(ctx, user.ID, newOrgID)
	if err != nil {
		return auth.TokenPair{}, err
	}

	pair, _, err := m.tokens.Reissue(ctx, user, sess, &oc, true)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.TokenPair{}, auth.ErrTokenInvalid
		}
		return auth.TokenPair{}, err
	}
	_ = audit.LogEvent(auth.ContextWithUser(ctx, user.ID), "session.organization_switched", map[string]any{
		"session_id":      sess.ID,
		"organization_id": newOrgID,
	})
	return pair, nil
}

func trimDevice(d auth.Device) auth.Device {
	return auth.Device{
		Fingerprint: strings.TrimSpace(d.Fingerprint),
		IP:          strings.TrimSpace(d.IP),
		UserAgent:   truncate(strings.TrimSpace(d.UserAgent), 512),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
