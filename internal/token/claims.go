package token

import (
	"github.com/golang-jwt/jwt/v5"

	"truxe.io/internal/auth"
)

// Claims are the JWT claims of both token kinds. Org fields are empty for tenant-less sessions
// and never set on refresh tokens.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	OrgID       string   `json:"org_id,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"session_id"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Principal converts verified access claims into the request identity.
func (c *Claims) Principal() auth.Principal {
	p := auth.Principal{
		UserID:    c.Subject,
		Email:     c.Email,
		SessionID: c.SessionID,
		TokenID:   c.ID,
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	if c.OrgID != "" {
		perms := make([]string, len(c.Permissions))
		copy(perms, c.Permissions)
		p.Org = &auth.OrgContext{OrganizationID: c.OrgID, Role: c.Role, Permissions: perms}
	}
	return p
}
