package pg

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"truxe.io/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestCreateUserConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("insert into users").
		WithArgs("u1", "Ada@Example.com", true, auth.UserStatusActive, []byte("{}"), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateUser(context.Background(), auth.User{ID: "u1", Email: "Ada@Example.com", EmailVerified: true})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetUserByEmailIsCaseInsensitive(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("from users where lower(email) = lower($1)")).
		WithArgs("ADA@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "email_verified", "status", "metadata", "created_at", "updated_at"}).
			AddRow("u1", "ada@example.com", true, "active", []byte(`{"plan":"pro"}`), now, now))

	u, err := store.GetUserByEmail(context.Background(), " ADA@example.com ")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.ID != "u1" || u.Metadata["plan"] != "pro" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from sessions where id").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateSessionCompareAndSet(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	at := time.Now().UTC()
	exp := at.Add(time.Hour)
	rotation := auth.SessionRotation{
		SessionID: "s1",
		OldJTI:    "old",
		NewJTI:    "new",
		At:        at,
		Tokens: []auth.SessionToken{
			{JTI: "acc", Kind: auth.TokenKindAccess, ExpiresAt: exp},
			{JTI: "new", Kind: auth.TokenKindRefresh, ExpiresAt: exp},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("update sessions set previous_refresh_jti = refresh_jti").WithArgs("s1", "old", "new", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into session_tokens").WithArgs("acc", "s1", auth.TokenKindAccess, exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into session_tokens").WithArgs("new", "s1", auth.TokenKindRefresh, exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := store.RotateSession(ctx, rotation); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("update sessions set previous_refresh_jti").WithArgs("s1", "old", "new", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	if err := store.RotateSession(ctx, rotation); !errors.Is(err, auth.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	gone := rotation
	gone.SessionID = "gone"
	mock.ExpectBegin()
	mock.ExpectExec("update sessions set previous_refresh_jti").WithArgs("gone", "old", "new", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()
	if err := store.RotateSession(ctx, gone); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateSessionSwitchRevokesAccessInSameTx(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update sessions set previous_refresh_jti").WithArgs("s1", "old", "new", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update sessions set organization_id").WithArgs("s1", sql.NullString{String: "org-b", Valid: true}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into revoked_tokens").WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into session_tokens").WithArgs("acc", "s1", auth.TokenKindAccess, at).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.RotateSession(context.Background(), auth.SessionRotation{
		SessionID:          "s1",
		OldJTI:             "old",
		NewJTI:             "new",
		At:                 at,
		SwitchOrganization: true,
		OrganizationID:     "org-b",
		Tokens:             []auth.SessionToken{{JTI: "acc", Kind: auth.TokenKindAccess, ExpiresAt: at}},
	})
	if err == nil {
		t.Fatal("expected the failed insert to abort the switch")
	}
}

func TestConsumeChallengeOnce(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	at := time.Now().UTC()

	mock.ExpectExec("update magic_link_challenges set used_at").WithArgs("c1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update magic_link_challenges set used_at").WithArgs("c1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := store.ConsumeChallenge(ctx, "c1", at); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := store.ConsumeChallenge(ctx, "c1", at); !errors.Is(err, auth.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestRevokeTokenIsIdempotent(t *testing.T) {
	store, mock := newMock(t)
	exp := time.Now().Add(time.Hour).UTC()
	mock.ExpectExec("insert into revoked_tokens").WithArgs("jti-1", exp).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into revoked_tokens").WithArgs("jti-1", exp).WillReturnResult(sqlmock.NewResult(0, 0))

	for i := 0; i < 2; i++ {
		if err := store.RevokeToken(context.Background(), "jti-1", exp); err != nil {
			t.Fatalf("revoke #%d: %v", i+1, err)
		}
	}
}

func TestListOrganizationMembersRunsUnderScope(t *testing.T) {
	store, mock := newMock(t)

	// No scope, no query.
	members, err := store.ListOrganizationMembers(context.Background(), "org-1")
	if err != nil || members != nil {
		t.Fatalf("expected nothing without scope, got %v, %v", members, err)
	}

	joined := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select set_config('app.current_user_id', $1, true)")).
		WithArgs("user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("set local role truxe_tenant").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from memberships").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "organization_id", "role", "permissions", "invited_by", "joined_at"}).
			AddRow("user-1", "org-1", "owner", []byte(`[]`), "", joined).
			AddRow("user-2", "org-1", "member", []byte(`["billing.manage"]`), "user-1", joined))
	mock.ExpectCommit()

	ctx := auth.ContextWithScope(context.Background(), "user-1")
	members, err = store.ListOrganizationMembers(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListOrganizationMembers: %v", err)
	}
	if len(members) != 2 || members[1].Permissions[0] != "billing.manage" || members[1].InvitedBy != "user-1" {
		t.Fatalf("unexpected members: %+v", members)
	}
	if members[0].Permissions != nil {
		t.Fatalf("expected nil permissions for empty grant, got %v", members[0].Permissions)
	}
}

func TestCreateOrganizationIsAtomic(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	org := auth.Organization{ID: "org-1", Slug: "acme", Name: "Acme", CreatedAt: now, UpdatedAt: now}
	owner := auth.Membership{UserID: "ghost", Role: auth.RoleOwner, JoinedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery("insert into organizations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "name", "parent_id", "settings", "created_at", "updated_at"}).
			AddRow("org-1", "acme", "Acme", "", []byte("{}"), now, now))
	mock.ExpectExec("insert into memberships").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	if _, err := store.CreateOrganization(context.Background(), org, owner); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("insert into organizations").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()
	if _, err := store.CreateOrganization(context.Background(), org, owner); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSigningKeysRoundTrip(t *testing.T) {
	store, mock := newMock(t)
	created := time.Now().UTC()
	retired := created.Add(time.Hour)

	mock.ExpectQuery("from auth_keys").WillReturnRows(
		sqlmock.NewRows([]string{"kid", "algorithm", "private_pem", "created_at", "retired_at"}).
			AddRow("k2", "ES256", "pem-2", created.Add(time.Hour), nil).
			AddRow("k1", "ES256", "pem-1", created, retired))
	mock.ExpectExec("update auth_keys set retired_at").WithArgs("k9", retired).WillReturnResult(sqlmock.NewResult(0, 0))

	list, err := store.ListSigningKeys(context.Background())
	if err != nil {
		t.Fatalf("ListSigningKeys: %v", err)
	}
	if len(list) != 2 || list[0].ID != "k2" || list[0].RetiredAt != nil || list[1].RetiredAt == nil {
		t.Fatalf("unexpected keys: %+v", list)
	}
	if err := store.RetireSigningKey(context.Background(), "k9", retired); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanupCountsRows(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("delete from sessions where expires_at").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from revoked_tokens").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from magic_link_challenges").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if n, err := store.DeleteExpiredSessions(ctx, now); err != nil || n != 3 {
		t.Fatalf("sessions: %d, %v", n, err)
	}
	if n, err := store.PurgeRevokedTokens(ctx, now); err != nil || n != 2 {
		t.Fatalf("revoked: %d, %v", n, err)
	}
	if n, err := store.DeleteExpiredChallenges(ctx, now); err != nil || n != 1 {
		t.Fatalf("challenges: %d, %v", n, err)
	}
}
