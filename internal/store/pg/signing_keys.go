package pg

import (
	"context"
	"database/sql"
	"time"

	"truxe.io/internal/keys"
)

func (s *Store) ListSigningKeys(ctx context.Context) ([]keys.StoredKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select kid, algorithm, private_pem, created_at, retired_at
		from auth_keys
		order by created_at desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []keys.StoredKey
	for rows.Next() {
		var (
			k       keys.StoredKey
			retired sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.Algorithm, &k.PrivatePEM, &k.CreatedAt, &retired); err != nil {
			return nil, err
		}
		if retired.Valid {
			t := retired.Time
			k.RetiredAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) SaveSigningKey(ctx context.Context, k keys.StoredKey) error {
	var retired sql.NullTime
	if k.RetiredAt != nil {
		retired = sql.NullTime{Time: *k.RetiredAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into auth_keys (kid, algorithm, private_pem, created_at, retired_at)
		values ($1, $2, $3, $4, $5)
	`, k.ID, k.Algorithm, k.PrivatePEM, k.CreatedAt, retired)
	return mapWriteError(err, "signing key")
}

func (s *Store) RetireSigningKey(ctx context.Context, id string, at time.Time) error {
	return affected(s.db.ExecContext(ctx, `
		update auth_keys set retired_at = $2 where kid = $1 and retired_at is null
	`, id, at))
}
