package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/organizations":               "/v1/organizations",
		"/v1/organizations/abc":           "/v1/organizations/:id",
		"/v1/organizations/abc/members":   "/v1/organizations/:id/members",
		"/v1/organizations/abc/members/u": "/v1/organizations/:id/members/:user_id",
		"/v1/organizations/abc/extra":     "/v1/organizations/abc/extra",
		"/v1/oauth/google/authorize":      "/v1/oauth/:provider/authorize",
		"/v1/oauth/github/token?code=x":   "/v1/oauth/:provider/token",
		"/v1/auth/token/refresh":          "/v1/auth/token/refresh",
		"/.well-known/jwks.json":          "/.well-known/jwks.json",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
