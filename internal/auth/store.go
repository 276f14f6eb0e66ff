package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth core.
type Store interface {
	UserStore
	OrganizationStore
	SessionStore
	RevocationStore
	ChallengeStore
}

// UserStore manages users. Emails are stored lower-cased.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	MarkEmailVerified(ctx context.Context, id string) error
	UpdateUserStatus(ctx context.Context, id, status string) error
}

// OrganizationStore manages organizations and memberships.
type OrganizationStore interface {
	// CreateOrganization persists org and the owner membership in one transaction.
	CreateOrganization(ctx context.Context, org Organization, owner Membership) (Organization, error)
	GetOrganization(ctx context.Context, id string) (Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (Organization, error)
	SetOrganizationParent(ctx context.Context, id, parentID string) error

	GetMembership(ctx context.Context, userID, orgID string) (Membership, error)
	ListUserMemberships(ctx context.Context, userID string) ([]Membership, error)
	AddMembership(ctx context.Context, m Membership) error
	RemoveMembership(ctx context.Context, userID, orgID string) error
	// ListOrganizationMembers is tenant scoped: it only returns rows visible to the
	// user carried by ScopeFromContext and returns nothing without a scope.
	ListOrganizationMembers(ctx context.Context, orgID string) ([]Membership, error)
}

// SessionStore manages sessions and their JTI chains.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// ListUserSessions returns the user's sessions oldest first.
	ListUserSessions(ctx context.Context, userID string) ([]Session, error)
	// RotateSession applies r as one atomic unit. It returns ErrStale when r.OldJTI is no
	// longer current and ErrNotFound when the session is gone; nothing is written in either case.
	RotateSession(ctx context.Context, r SessionRotation) error
	DeleteSession(ctx context.Context, id string) error
	AddSessionToken(ctx context.Context, t SessionToken) error
	ListSessionTokens(ctx context.Context, sessionID string) ([]SessionToken, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// SessionRotation moves a session's refresh JTI from OldJTI to NewJTI and records the
// links minted with the new JTI. With SwitchOrganization set the session moves to
// OrganizationID (empty clears it) and every access JTI issued before the rotation is revoked.
type SessionRotation struct {
	SessionID          string
	OldJTI             string
	NewJTI             string
	At                 time.Time
	Tokens             []SessionToken
	SwitchOrganization bool
	OrganizationID     string
}

// RevocationStore keeps the JTI revocation list.
type RevocationStore interface {
	// RevokeToken is idempotent.
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PurgeRevokedTokens(ctx context.Context, now time.Time) (int, error)
}

// ChallengeStore manages magic-link challenges.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c MagicLinkChallenge) error
	FindChallengeByHash(ctx context.Context, tokenHash string) (MagicLinkChallenge, error)
	// ConsumeChallenge sets used_at only if it is still null; otherwise it returns ErrStale.
	ConsumeChallenge(ctx context.Context, id string, usedAt time.Time) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)
}
