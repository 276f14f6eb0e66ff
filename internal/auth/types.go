package auth

import "time"

// User statuses. Users are never hard-deleted; they move between statuses.
const (
	UserStatusActive  = "active"
	UserStatusBlocked = "blocked"
	UserStatusPending = "pending"
)

// Membership roles, most to least privileged.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Token kinds recorded in a session's JTI chain.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// User is a unique identity keyed by a case-insensitive email.
type User struct {
	ID            string            `json:"id"`
	Email         string            `json:"email"`
	EmailVerified bool              `json:"email_verified"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Active reports whether the user may authenticate.
func (u User) Active() bool { return u.Status == UserStatusActive }

// Organization is a tenant. ParentID is empty for root organizations.
type Organization struct {
	ID        string         `json:"id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	ParentID  string         `json:"parent_id,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Membership joins a user to an organization. A (user, organization) pair has at most one row.
type Membership struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	Permissions    []string  `json:"permissions,omitempty"`
	InvitedBy      string    `json:"invited_by,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Device describes the client a session was opened from.
type Device struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// Session is one authenticated device/browser instance. It owns the JTI chain of its token family.
// OrganizationID is empty for tenant-less sessions.
type Session struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	OrganizationID     string    `json:"organization_id,omitempty"`
	Device             Device    `json:"device"`
	RefreshJTI         string    `json:"-"`
	// PreviousRefreshJTI is the refresh JTI superseded by the latest rotation.
	PreviousRefreshJTI string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	RefreshedAt        time.Time `json:"refreshed_at,omitempty"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// SessionToken is one link of a session's JTI chain.
type SessionToken struct {
	JTI       string
	SessionID string
	Kind      string
	ExpiresAt time.Time
}

// MagicLinkChallenge is an ephemeral single-use login challenge. Only the token hash is stored.
type MagicLinkChallenge struct {
	ID               string
	Email            string
	TokenHash        string
	OrganizationSlug string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	UsedAt           *time.Time
}

// OrgContext is the resolved authorization context of a user inside one organization.
type OrgContext struct {
	OrganizationID string   `json:"organization_id"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions"`
}

// TokenPair is derived at issuance time and never persisted as such.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
