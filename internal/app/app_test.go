package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"truxe.io/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("TRUXE_PG_DSN", "")
	t.Setenv("TRUXE_KEYS_ALGORITHM", "ES256")
	t.Setenv("TRUXE_MAGIC_LINK_PEPPER", "0123456789abcdef0123456789abcdef")
	t.Setenv("TRUXE_MAGIC_LINK_HASH_MEMORY_KIB", "64")
	t.Setenv("TRUXE_MAGIC_LINK_HASH_TIME", "1")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewInMemory(t *testing.T) {
	core, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer core.Close()

	if core.PG != nil {
		t.Fatal("expected in-memory storage without a DSN")
	}
	if _, err := core.Keys.CurrentSigningKey(); err != nil {
		t.Fatalf("expected a signing key: %v", err)
	}
	if names := core.Bridge.Names(); len(names) != 0 {
		t.Fatalf("expected no providers, got %v", names)
	}
	if core.Worker() == nil {
		t.Fatal("expected worker")
	}

	api, err := core.HTTP("test")
	if err != nil {
		t.Fatalf("HTTP: %v", err)
	}
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keys.Algorithm = "HS256"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for symmetric algorithm")
	}
}

func TestNewBridgeRegistersConfiguredProviders(t *testing.T) {
	b, err := NewBridge(config.OAuthConfig{
		GoogleClientID: "google-client",
		GitHubClientID: "github-client",
		OIDCName:       "corp",
		OIDCClientID:   "corp-client",
		OIDCBaseURL:    "https://sso.example.com",
	})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	want := []string{"corp", "github", "google"}
	if got := b.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("providers = %v, want %v", got, want)
	}
}
