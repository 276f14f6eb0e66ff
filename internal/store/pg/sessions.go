package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"truxe.io/internal/auth"
)

const sessionColumns = `id, user_id, coalesce(organization_id, ''), coalesce(device_fingerprint, ''),
	coalesce(device_ip, ''), coalesce(user_agent, ''), refresh_jti, coalesce(previous_refresh_jti, ''),
	created_at, refreshed_at, expires_at`

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, organization_id, device_fingerprint, device_ip, user_agent,
			refresh_jti, created_at, refreshed_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sess.ID, sess.UserID, nullIfEmpty(sess.OrganizationID), nullIfEmpty(sess.Device.Fingerprint),
		nullIfEmpty(sess.Device.IP), nullIfEmpty(sess.Device.UserAgent), sess.RefreshJTI,
		sess.CreatedAt, nullTime(sess.RefreshedAt), sess.ExpiresAt)
	return mapWriteError(err, "session")
}

func (s *Store) GetSession(ctx context.Context, id string) (auth.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, err
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]auth.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from sessions where user_id = $1 order by created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RotateSession is a compare-and-set on refresh_jti. The chain links, and for an organization
// switch the access revocations, commit in the same transaction.
func (s *Store) RotateSession(ctx context.Context, r auth.SessionRotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update sessions set previous_refresh_jti = refresh_jti, refresh_jti = $3, refreshed_at = $4
		where id = $1 and refresh_jti = $2
	`, r.SessionID, r.OldJTI, r.NewJTI, r.At)
	if err := affected(res, err); err != nil {
		if !errors.Is(err, auth.ErrNotFound) {
			return err
		}
		var found bool
		if err := tx.QueryRowContext(ctx, `select exists (select 1 from sessions where id = $1)`, r.SessionID).Scan(&found); err != nil {
			return err
		}
		if found {
			return auth.ErrStale
		}
		return auth.ErrNotFound
	}

	if r.SwitchOrganization {
		if _, err := tx.ExecContext(ctx, `update sessions set organization_id = $2 where id = $1`,
			r.SessionID, nullIfEmpty(r.OrganizationID)); err != nil {
			return mapWriteError(err, "session organization")
		}
		if _, err := tx.ExecContext(ctx, `
			insert into revoked_tokens (jti, expires_at)
			select jti, expires_at from session_tokens where session_id = $1 and kind = 'access'
			on conflict (jti) do nothing
		`, r.SessionID); err != nil {
			return err
		}
	}
	for _, t := range r.Tokens {
		if _, err := tx.ExecContext(ctx, `
			insert into session_tokens (jti, session_id, kind, expires_at) values ($1, $2, $3, $4)
		`, t.JTI, r.SessionID, t.Kind, t.ExpiresAt); err != nil {
			return mapWriteError(err, "session token")
		}
	}
	return tx.Commit()
}

// DeleteSession removes the session; its JTI chain goes with it through the cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	return err
}

func (s *Store) AddSessionToken(ctx context.Context, t auth.SessionToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into session_tokens (jti, session_id, kind, expires_at) values ($1, $2, $3, $4)
	`, t.JTI, t.SessionID, t.Kind, t.ExpiresAt)
	return mapWriteError(err, "session token")
}

func (s *Store) ListSessionTokens(ctx context.Context, sessionID string) ([]auth.SessionToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		select jti, session_id, kind, expires_at from session_tokens where session_id = $1 order by expires_at, jti
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.SessionToken
	for rows.Next() {
		var t auth.SessionToken
		if err := rows.Scan(&t.JTI, &t.SessionID, &t.Kind, &t.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return rowsDeleted(s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now))
}

// RevokeToken is idempotent.
func (s *Store) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (jti, expires_at) values ($1, $2)
		on conflict (jti) do nothing
	`, jti, expiresAt)
	return err
}

func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return s.exists(ctx, `select exists (select 1 from revoked_tokens where jti = $1)`, jti)
}

func (s *Store) PurgeRevokedTokens(ctx context.Context, now time.Time) (int, error) {
	return rowsDeleted(s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= $1`, now))
}

func rowsDeleted(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSession(row rowScanner) (auth.Session, error) {
	var (
		sess      auth.Session
		refreshed sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.OrganizationID, &sess.Device.Fingerprint,
		&sess.Device.IP, &sess.Device.UserAgent, &sess.RefreshJTI, &sess.PreviousRefreshJTI, &sess.CreatedAt,
		&refreshed, &sess.ExpiresAt); err != nil {
		return auth.Session{}, err
	}
	if refreshed.Valid {
		sess.RefreshedAt = refreshed.Time
	}
	return sess, nil
}
