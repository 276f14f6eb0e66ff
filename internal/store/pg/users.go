package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"truxe.io/internal/auth"
)

const userColumns = `id, email, email_verified, status, metadata, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	meta, err := encodeJSON(u.Metadata, "{}")
	if err != nil {
		return auth.User{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, email_verified, status, metadata, created_at, updated_at)
		values ($1, lower($2), $3, $4, $5, $6, $7)
		returning `+userColumns,
		u.ID, strings.TrimSpace(u.Email), u.EmailVerified, u.Status, meta, u.CreatedAt, u.UpdatedAt)
	created, err := scanUser(row)
	if err != nil {
		return auth.User{}, mapWriteError(err, "user")
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	return s.userWhere(ctx, `id = $1`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.userWhere(ctx, `lower(email) = lower($1)`, strings.TrimSpace(email))
}

func (s *Store) userWhere(ctx context.Context, cond string, arg any) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	return affected(s.db.ExecContext(ctx, `
		update users set email_verified = true, updated_at = now() where id = $1
	`, id))
}

func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	return affected(s.db.ExecContext(ctx, `
		update users set status = $2, updated_at = now() where id = $1
	`, id, status))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u    auth.User
		meta []byte
	)
	if err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.Status, &meta, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return auth.User{}, err
	}
	if err := decodeJSON(meta, &u.Metadata); err != nil {
		return auth.User{}, fmt.Errorf("decode metadata: %w", err)
	}
	if len(u.Metadata) == 0 {
		u.Metadata = nil
	}
	return u, nil
}
