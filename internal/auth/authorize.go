package auth

import "time"

// Principal is the identity carried by a verified access token. Its org claims may be stale;
// tenant-scoped operations must revalidate membership at the point of use.
type Principal struct {
	UserID    string
	Email     string
	SessionID string
	TokenID   string
	ExpiresAt time.Time
	Org       *OrgContext
}

// HasPermission reports whether the token claims grant key. It is a claims-only check.
func (p Principal) HasPermission(key string) bool {
	if p.Org == nil {
		return false
	}
	for _, perm := range p.Org.Permissions {
		if perm == key {
			return true
		}
	}
	return false
}

// OrganizationID returns the org claim or an empty string for tenant-less tokens.
func (p Principal) OrganizationID() string {
	if p.Org == nil {
		return ""
	}
	return p.Org.OrganizationID
}
