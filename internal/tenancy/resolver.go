// Package tenancy resolves organization membership into authorization context and manages
// the organization directory.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"truxe.io/internal/auth"
)

const defaultMaxDepth = 5

// Resolver is read-only: it never mutates memberships or organizations.
type Resolver struct {
	orgs     auth.OrganizationStore
	maxDepth int
}

// Option configures Resolver and Directory behavior.
type Option func(*options) error

type options struct {
	maxDepth int
}

// WithMaxDepth bounds how many ancestors are walked for inherited permissions.
func WithMaxDepth(depth int) Option {
	return func(o *options) error {
		if depth < 1 {
			return fmt.Errorf("%w: max depth must be positive", auth.ErrInvalidInput)
		}
		o.maxDepth = depth
		return nil
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{maxDepth: defaultMaxDepth}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

// NewResolver constructs a Resolver.
func NewResolver(orgs auth.OrganizationStore, opts ...Option) (*Resolver, error) {
	if orgs == nil {
		return nil, errors.New("tenancy: store is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Resolver{orgs: orgs, maxDepth: o.maxDepth}, nil
}

// ResolveContext returns the user's role and effective permissions in orgID.
// Users without a direct membership get ErrNotAMember.
func (r *Resolver) ResolveContext(ctx context.Context, userID, orgID string) (auth.OrgContext, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return auth.OrgContext{}, fmt.Errorf("%w: user and organization are required", auth.ErrInvalidInput)
	}
	membership, err := r.orgs.GetMembership(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.OrgContext{}, auth.ErrNotAMember
		}
		return auth.OrgContext{}, err
	}
	perms, err := r.permissionsFor(ctx, membership)
	if err != nil {
		return auth.OrgContext{}, err
	}
	return auth.OrgContext{
		OrganizationID: orgID,
		Role:           membership.Role,
		Permissions:    perms,
	}, nil
}

// EffectivePermissions is the union of role defaults, explicit grants and admin/owner
// permissions inherited from ancestors.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID, orgID string) ([]string, error) {
	oc, err := r.ResolveContext(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	return oc.Permissions, nil
}

// Require revalidates membership at the point of use and checks a single permission.
func (r *Resolver) Require(ctx context.Context, userID, orgID, permission string) (auth.OrgContext, error) {
	oc, err := r.ResolveContext(ctx, userID, orgID)
	if err != nil {
		return auth.OrgContext{}, err
	}
	for _, p := range oc.Permissions {
		if p == permission {
			return oc, nil
		}
	}
	return auth.OrgContext{}, fmt.Errorf("%w: missing %s", auth.ErrForbidden, permission)
}

func (r *Resolver) permissionsFor(ctx context.Context, m auth.Membership) ([]string, error) {
	set := make(map[string]struct{})
	for _, p := range auth.RoleDefaults(m.Role) {
		set[p] = struct{}{}
	}
	for _, p := range m.Permissions {
		set[p] = struct{}{}
	}

	ancestors, err := r.ancestors(ctx, m.OrganizationID)
	if err != nil {
		return nil, err
	}
	for _, ancestorID := range ancestors {
		am, err := r.orgs.GetMembership(ctx, m.UserID, ancestorID)
		if errors.Is(err, auth.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if am.Role != auth.RoleAdmin && am.Role != auth.RoleOwner {
			continue
		}
		for _, p := range auth.RoleDefaults(am.Role) {
			set[p] = struct{}{}
		}
	}
	return auth.SortedPermissions(set), nil
}

// ancestors walks parent links iteratively, nearest first, stopping at maxDepth or on a
// repeated organization.
func (r *Resolver) ancestors(ctx context.Context, orgID string) ([]string, error) {
	org, err := r.orgs.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	seen := map[string]struct{}{orgID: {}}
	var out []string
	parent := org.ParentID
	for depth := 0; parent != "" && depth < r.maxDepth; depth++ {
		if _, dup := seen[parent]; dup {
			break
		}
		seen[parent] = struct{}{}
		out = append(out, parent)
		next, err := r.orgs.GetOrganization(ctx, parent)
		if errors.Is(err, auth.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		parent = next.ParentID
	}
	return out, nil
}
