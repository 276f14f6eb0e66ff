package tenancy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"truxe.io/internal/audit"
	"truxe.io/internal/auth"
	"truxe.io/internal/ids"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// Directory performs organization and membership mutations.
type Directory struct {
	orgs     auth.OrganizationStore
	resolver *Resolver
	maxDepth int
	now      func() time.Time
}

// NewDirectory constructs a Directory that authorizes actors through resolver.
func NewDirectory(orgs auth.OrganizationStore, resolver *Resolver, opts ...Option) (*Directory, error) {
	if orgs == nil || resolver == nil {
		return nil, errors.New("tenancy: store and resolver are required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Directory{orgs: orgs, resolver: resolver, maxDepth: o.maxDepth, now: time.Now}, nil
}

// CreateOrganizationInput describes a new organization.
type CreateOrganizationInput struct {
	Slug     string
	Name     string
	ParentID string
	OwnerID  string
	Settings map[string]any
}

// CreateOrganization creates the organization together with the owner membership.
func (d *Directory) CreateOrganization(ctx context.Context, in CreateOrganizationInput) (auth.Organization, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	name := strings.TrimSpace(in.Name)
	owner := strings.TrimSpace(in.OwnerID)
	parent := strings.TrimSpace(in.ParentID)
	if !slugPattern.MatchString(slug) {
		return auth.Organization{}, fmt.Errorf("%w: slug must be lowercase letters, digits or dashes", auth.ErrInvalidInput)
	}
	if name == "" {
		return auth.Organization{}, fmt.Errorf("%w: name is required", auth.ErrInvalidInput)
	}
	if owner == "" {
		return auth.Organization{}, fmt.Errorf("%w: owner is required", auth.ErrInvalidInput)
	}
	if parent != "" {
		if _, err := d.resolver.Require(ctx, owner, parent, auth.PermOrgUpdate); err != nil {
			return auth.Organization{}, err
		}
		depth, err := d.depthOf(ctx, parent)
		if err != nil {
			return auth.Organization{}, err
		}
		if depth+1 >= d.maxDepth {
			return auth.Organization{}, auth.ErrHierarchyDepth
		}
	}

	now := d.now().UTC()
	org := auth.Organization{
		ID:        ids.New(),
		Slug:      slug,
		Name:      name,
		ParentID:  parent,
		Settings:  in.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := d.orgs.CreateOrganization(ctx, org, auth.Membership{
		UserID:         owner,
		OrganizationID: org.ID,
		Role:           auth.RoleOwner,
		JoinedAt:       now,
	})
	if err != nil {
		return auth.Organization{}, err
	}
	_ = audit.LogEvent(ctx, "organization.created", map[string]any{"organization_id": created.ID, "slug": created.Slug})
	return created, nil
}

// SetParent moves orgID under parentID. An empty parentID makes it a root organization.
// Cycles and over-deep chains are rejected before anything is written.
func (d *Directory) SetParent(ctx context.Context, actorID, orgID, parentID string) error {
	orgID = strings.TrimSpace(orgID)
	parentID = strings.TrimSpace(parentID)
	if orgID == "" {
		return fmt.Errorf("%w: organization is required", auth.ErrInvalidInput)
	}
	if _, err := d.resolver.Require(ctx, actorID, orgID, auth.PermOrgUpdate); err != nil {
		return err
	}
	if parentID != "" {
		if parentID == orgID {
			return auth.ErrHierarchyCycle
		}
		if _, err := d.resolver.Require(ctx, actorID, parentID, auth.PermOrgUpdate); err != nil {
			return err
		}
		if err := d.validateParent(ctx, orgID, parentID); err != nil {
			return err
		}
	}
	if err := d.orgs.SetOrganizationParent(ctx, orgID, parentID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "organization.parent_changed", map[string]any{"organization_id": orgID, "parent_id": parentID})
	return nil
}

// validateParent walks up from parentID; meeting orgID means the move would close a loop.
func (d *Directory) validateParent(ctx context.Context, orgID, parentID string) error {
	current := parentID
	seen := make(map[string]struct{})
	for depth := 0; current != ""; depth++ {
		if current == orgID {
			return auth.ErrHierarchyCycle
		}
		if _, dup := seen[current]; dup {
			return auth.ErrHierarchyCycle
		}
		if depth+1 >= d.maxDepth {
			return auth.ErrHierarchyDepth
		}
		seen[current] = struct{}{}
		org, err := d.orgs.GetOrganization(ctx, current)
		if err != nil {
			return err
		}
		current = org.ParentID
	}
	return nil
}

// depthOf counts the ancestors above orgID.
func (d *Directory) depthOf(ctx context.Context, orgID string) (int, error) {
	depth := 0
	current := orgID
	for {
		org, err := d.orgs.GetOrganization(ctx, current)
		if err != nil {
			return 0, err
		}
		if org.ParentID == "" {
			return depth, nil
		}
		depth++
		if depth >= d.maxDepth {
			return depth, nil
		}
		current = org.ParentID
	}
}

// AddMemberInput describes a membership grant.
type AddMemberInput struct {
	ActorID        string
	OrganizationID string
	UserID         string
	Role           string
	Permissions    []string
}

// AddMember grants a membership. The actor needs members.write in the organization.
func (d *Directory) AddMember(ctx context.Context, in AddMemberInput) (auth.Membership, error) {
	role := strings.ToLower(strings.TrimSpace(in.Role))
	if !auth.ValidRole(role) {
		return auth.Membership{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, in.Role)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return auth.Membership{}, fmt.Errorf("%w: user is required", auth.ErrInvalidInput)
	}
	actor, err := d.resolver.Require(ctx, in.ActorID, in.OrganizationID, auth.PermMembersWrite)
	if err != nil {
		return auth.Membership{}, err
	}
	if role == auth.RoleOwner && actor.Role != auth.RoleOwner {
		return auth.Membership{}, fmt.Errorf("%w: only owners grant ownership", auth.ErrForbidden)
	}
	m := auth.Membership{
		UserID:         strings.TrimSpace(in.UserID),
		OrganizationID: in.OrganizationID,
		Role:           role,
		Permissions:    auth.DedupeStrings(in.Permissions),
		InvitedBy:      in.ActorID,
		JoinedAt:       d.now().UTC(),
	}
	if err := d.orgs.AddMembership(ctx, m); err != nil {
		return auth.Membership{}, err
	}
	_ = audit.LogEvent(ctx, "membership.added", map[string]any{"organization_id": m.OrganizationID, "member_id": m.UserID, "role": role})
	return m, nil
}

// RemoveMember revokes a membership. Members may always remove themselves.
func (d *Directory) RemoveMember(ctx context.Context, actorID, orgID, userID string) error {
	if actorID != userID {
		if _, err := d.resolver.Require(ctx, actorID, orgID, auth.PermMembersWrite); err != nil {
			return err
		}
	}
	if err := d.orgs.RemoveMembership(ctx, userID, orgID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "membership.removed", map[string]any{"organization_id": orgID, "member_id": userID})
	return nil
}

// ListMembers reads memberships under the actor's storage scope after revalidating
// members.read at the service layer.
func (d *Directory) ListMembers(ctx context.Context, actorID, orgID string) ([]auth.Membership, error) {
	if _, err := d.resolver.Require(ctx, actorID, orgID, auth.PermMembersRead); err != nil {
		return nil, err
	}
	return d.orgs.ListOrganizationMembers(auth.ContextWithScope(ctx, actorID), orgID)
}
