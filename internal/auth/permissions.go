package auth

import "sort"

const (
	PermOrgRead        = "org.read"
	PermOrgUpdate      = "org.update"
	PermOrgDelete      = "org.delete"
	PermMembersRead    = "members.read"
	PermMembersWrite   = "members.write"
	PermSessionsManage = "sessions.manage"
	PermBillingManage  = "billing.manage"
)

var roleDefaults = map[string][]string{
	RoleViewer: {PermOrgRead},
	RoleMember: {PermOrgRead, PermMembersRead},
	RoleAdmin:  {PermOrgRead, PermOrgUpdate, PermMembersRead, PermMembersWrite, PermSessionsManage},
	RoleOwner:  {PermOrgRead, PermOrgUpdate, PermOrgDelete, PermMembersRead, PermMembersWrite, PermSessionsManage, PermBillingManage},
}

// ValidRole reports whether role is one of the membership roles.
func ValidRole(role string) bool {
	_, ok := roleDefaults[role]
	return ok
}

// RoleDefaults returns a copy of the permissions granted by role.
func RoleDefaults(role string) []string {
	perms := roleDefaults[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// SortedPermissions flattens a permission set into a sorted slice.
func SortedPermissions(perms map[string]struct{}) []string {
	out := make([]string, 0, len(perms))
	for k := range perms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
