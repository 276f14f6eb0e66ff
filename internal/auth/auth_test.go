package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), " user-7 ")
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	if _, ok := UserIDFromContext(ContextWithUser(context.Background(), "  ")); ok {
		t.Fatalf("blank user id must not be stored")
	}
	if _, ok := TokenFromContext(ContextWithToken(context.Background(), "")); ok {
		t.Fatalf("empty token must not be stored")
	}
}

func TestPrincipalContextCarriesUser(t *testing.T) {
	p := Principal{
		UserID: "u1",
		Org:    &OrgContext{OrganizationID: "org", Role: RoleAdmin, Permissions: []string{PermMembersRead}},
	}
	ctx := ContextWithPrincipal(context.Background(), p)

	got, ok := PrincipalFromContext(ctx)
	if !ok || got.UserID != "u1" {
		t.Fatalf("principal not stored: %+v", got)
	}
	if id, _ := UserIDFromContext(ctx); id != "u1" {
		t.Fatalf("user id not propagated: %q", id)
	}
	if got.Org == nil || got.Org.Role != RoleAdmin {
		t.Fatalf("organization not propagated: %+v", got.Org)
	}
}

func TestPrincipalPermissions(t *testing.T) {
	p := Principal{UserID: "u1", Org: &OrgContext{OrganizationID: "org", Permissions: []string{PermMembersRead}}}
	if !p.HasPermission(PermMembersRead) {
		t.Fatalf("expected permission")
	}
	if p.HasPermission(PermOrgDelete) {
		t.Fatalf("unexpected permission")
	}
	if (Principal{UserID: "u2"}).HasPermission(PermOrgRead) {
		t.Fatalf("tenant-less principal must not hold org permissions")
	}
}

func TestScopeRequiresUser(t *testing.T) {
	if _, ok := ScopeFromContext(ContextWithScope(context.Background(), "")); ok {
		t.Fatalf("empty scope must not be stored")
	}
	s, ok := ScopeFromContext(ContextWithScope(context.Background(), "u1"))
	if !ok || s.UserID != "u1" {
		t.Fatalf("unexpected scope %+v", s)
	}
}

func TestNormalizeEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "User@Example.com", want: "user@example.com"},
		{in: "  user@example.com ", want: "user@example.com"},
		{in: "", err: true},
		{in: "not-an-email", err: true},
		{in: "Name <user@example.com>", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeEmail(tc.in)
			if tc.err {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("NormalizeEmail(%q) = %q, %v", tc.in, got, err)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("verify: %w", ErrLinkAlreadyUsed)
	if !IsAuthenticationFailure(wrapped) {
		t.Fatalf("expected authentication failure")
	}
	if IsAuthenticationFailure(ErrNotAMember) {
		t.Fatalf("membership denial is not an authentication failure")
	}
	if !IsAuthorizationFailure(fmt.Errorf("x: %w", ErrNotAMember)) {
		t.Fatalf("expected authorization failure")
	}
}

func TestRoleDefaultsAreCopies(t *testing.T) {
	perms := RoleDefaults(RoleViewer)
	perms[0] = "tampered"
	if RoleDefaults(RoleViewer)[0] != PermOrgRead {
		t.Fatalf("role defaults must not be shared")
	}
	if ValidRole("superuser") {
		t.Fatalf("unexpected role accepted")
	}
}
