package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"truxe.io/internal/auth"
)

const orgColumns = `id, slug, name, coalesce(parent_id, ''), settings, created_at, updated_at`

func (s *Store) CreateOrganization(ctx context.Context, org auth.Organization, owner auth.Membership) (auth.Organization, error) {
	settings, err := encodeJSON(org.Settings, "{}")
	if err != nil {
		return auth.Organization{}, fmt.Errorf("marshal settings: %w", err)
	}
	perms, err := encodeJSON(owner.Permissions, "[]")
	if err != nil {
		return auth.Organization{}, fmt.Errorf("marshal permissions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Organization{}, err
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanOrganization(tx.QueryRowContext(ctx, `
		insert into organizations (id, slug, name, parent_id, settings, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+orgColumns,
		org.ID, org.Slug, org.Name, nullIfEmpty(org.ParentID), settings, org.CreatedAt, org.UpdatedAt))
	if err != nil {
		return auth.Organization{}, mapWriteError(err, "organization")
	}
	if _, err := tx.ExecContext(ctx, `
		insert into memberships (user_id, organization_id, role, permissions, invited_by, joined_at)
		values ($1, $2, $3, $4, $5, $6)
	`, owner.UserID, created.ID, owner.Role, perms, nullIfEmpty(owner.InvitedBy), owner.JoinedAt); err != nil {
		return auth.Organization{}, mapWriteError(err, "owner membership")
	}
	if err := tx.Commit(); err != nil {
		return auth.Organization{}, err
	}
	return created, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (auth.Organization, error) {
	return s.orgWhere(ctx, `id = $1`, id)
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (auth.Organization, error) {
	return s.orgWhere(ctx, `slug = $1`, slug)
}

func (s *Store) orgWhere(ctx context.Context, cond string, arg any) (auth.Organization, error) {
	org, err := scanOrganization(s.db.QueryRowContext(ctx, `select `+orgColumns+` from organizations where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Organization{}, auth.ErrNotFound
	}
	return org, err
}

func (s *Store) SetOrganizationParent(ctx context.Context, id, parentID string) error {
	res, err := s.db.ExecContext(ctx, `
		update organizations set parent_id = $2, updated_at = now() where id = $1
	`, id, nullIfEmpty(parentID))
	if err != nil {
		return mapWriteError(err, "parent organization")
	}
	return affected(res, nil)
}

func scanOrganization(row rowScanner) (auth.Organization, error) {
	var (
		org      auth.Organization
		settings []byte
	)
	if err := row.Scan(&org.ID, &org.Slug, &org.Name, &org.ParentID, &settings, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return auth.Organization{}, err
	}
	if err := decodeJSON(settings, &org.Settings); err != nil {
		return auth.Organization{}, fmt.Errorf("decode settings: %w", err)
	}
	if len(org.Settings) == 0 {
		org.Settings = nil
	}
	return org, nil
}

const membershipColumns = `user_id, organization_id, role, permissions, coalesce(invited_by, ''), joined_at`

func (s *Store) GetMembership(ctx context.Context, userID, orgID string) (auth.Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+` from memberships where user_id = $1 and organization_id = $2
	`, userID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Membership{}, auth.ErrNotFound
	}
	return m, err
}

func (s *Store) ListUserMemberships(ctx context.Context, userID string) ([]auth.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+membershipColumns+` from memberships where user_id = $1 order by organization_id
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectMemberships(rows)
}

func (s *Store) AddMembership(ctx context.Context, m auth.Membership) error {
	perms, err := encodeJSON(m.Permissions, "[]")
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into memberships (user_id, organization_id, role, permissions, invited_by, joined_at)
		values ($1, $2, $3, $4, $5, $6)
	`, m.UserID, m.OrganizationID, m.Role, perms, nullIfEmpty(m.InvitedBy), m.JoinedAt)
	return mapWriteError(err, "membership")
}

func (s *Store) RemoveMembership(ctx context.Context, userID, orgID string) error {
	return affected(s.db.ExecContext(ctx, `
		delete from memberships where user_id = $1 and organization_id = $2
	`, userID, orgID))
}

// ListOrganizationMembers reads under the row-level policy of the scoped user. Without a
// scope nothing is visible.
func (s *Store) ListOrganizationMembers(ctx context.Context, orgID string) ([]auth.Membership, error) {
	scope, ok := auth.ScopeFromContext(ctx)
	if !ok {
		return nil, nil
	}
	var out []auth.Membership
	err := s.withScope(ctx, scope.UserID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select `+membershipColumns+` from memberships
			where organization_id = $1
			order by joined_at, user_id
		`, orgID)
		if err != nil {
			return err
		}
		out, err = collectMemberships(rows)
		return err
	})
	return out, err
}

func collectMemberships(rows *sql.Rows) ([]auth.Membership, error) {
	defer rows.Close()
	var out []auth.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMembership(row rowScanner) (auth.Membership, error) {
	var (
		m     auth.Membership
		perms []byte
	)
	if err := row.Scan(&m.UserID, &m.OrganizationID, &m.Role, &perms, &m.InvitedBy, &m.JoinedAt); err != nil {
		return auth.Membership{}, err
	}
	if err := decodeJSON(perms, &m.Permissions); err != nil {
		return auth.Membership{}, fmt.Errorf("decode permissions: %w", err)
	}
	if len(m.Permissions) == 0 {
		m.Permissions = nil
	}
	return m, nil
}
