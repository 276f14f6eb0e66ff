package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"truxe.io/internal/auth"
)

func (s *Store) CreateChallenge(ctx context.Context, c auth.MagicLinkChallenge) error {
	_, err := s.db.ExecContext(ctx, `
		insert into magic_link_challenges (id, email, token_hash, organization_slug, created_at, expires_at)
		values ($1, lower($2), $3, $4, $5, $6)
	`, c.ID, c.Email, c.TokenHash, nullIfEmpty(c.OrganizationSlug), c.CreatedAt, c.ExpiresAt)
	return mapWriteError(err, "challenge")
}

func (s *Store) FindChallengeByHash(ctx context.Context, tokenHash string) (auth.MagicLinkChallenge, error) {
	var (
		c    auth.MagicLinkChallenge
		used sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, email, token_hash, coalesce(organization_slug, ''), created_at, expires_at, used_at
		from magic_link_challenges
		where token_hash = $1
	`, tokenHash).Scan(&c.ID, &c.Email, &c.TokenHash, &c.OrganizationSlug, &c.CreatedAt, &c.ExpiresAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.MagicLinkChallenge{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.MagicLinkChallenge{}, err
	}
	if used.Valid {
		t := used.Time
		c.UsedAt = &t
	}
	return c, nil
}

// ConsumeChallenge marks the challenge used only while used_at is still null.
func (s *Store) ConsumeChallenge(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update magic_link_challenges set used_at = $2 where id = $1 and used_at is null
	`, id, usedAt)
	if err := affected(res, err); !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	found, err := s.exists(ctx, `select exists (select 1 from magic_link_challenges where id = $1)`, id)
	if err != nil {
		return err
	}
	if found {
		return auth.ErrStale
	}
	return auth.ErrNotFound
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	return rowsDeleted(s.db.ExecContext(ctx, `delete from magic_link_challenges where expires_at <= $1`, now))
}
