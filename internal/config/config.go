// Package config loads process configuration from TRUXE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration of the API and the admin CLI.
type Config struct {
	Addr            string        `env:"TRUXE_ADDR"             envDefault:":8080"`
	DatabaseDSN     string        `env:"TRUXE_PG_DSN"`
	AutoMigrate     bool          `env:"TRUXE_AUTO_MIGRATE"     envDefault:"true"`
	LogLevel        string        `env:"TRUXE_LOG_LEVEL"        envDefault:"info"`
	ShutdownTimeout time.Duration `env:"TRUXE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"TRUXE_CORS_ORIGINS"     envSeparator:","`

	Token     TokenConfig
	Keys      KeysConfig
	MagicLink MagicLinkConfig
	Sessions  SessionConfig
	Email     EmailConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
	OAuth     OAuthConfig
}

// TokenConfig drives the token service.
type TokenConfig struct {
	Issuer      string        `env:"TRUXE_TOKEN_ISSUER"       envDefault:"https://api.truxe.io"`
	Audience    string        `env:"TRUXE_TOKEN_AUDIENCE"     envDefault:"truxe-api"`
	AccessTTL   time.Duration `env:"TRUXE_TOKEN_ACCESS_TTL"   envDefault:"15m"`
	RefreshTTL  time.Duration `env:"TRUXE_TOKEN_REFRESH_TTL"  envDefault:"720h"`
	Leeway      time.Duration `env:"TRUXE_TOKEN_LEEWAY"       envDefault:"60s"`
	ReuseWindow time.Duration `env:"TRUXE_TOKEN_REUSE_WINDOW" envDefault:"5s"`
}

// KeysConfig drives the signing key manager. A PEM pins a static key; otherwise keys are
// generated and persisted.
type KeysConfig struct {
	Algorithm   string        `env:"TRUXE_KEYS_ALGORITHM"    envDefault:"RS256"`
	GracePeriod time.Duration `env:"TRUXE_KEYS_GRACE_PERIOD" envDefault:"168h"`
	PrivatePEM  string        `env:"TRUXE_KEYS_PRIVATE_PEM"`
	KeyID       string        `env:"TRUXE_KEYS_KID"`
}

// MagicLinkConfig drives passwordless login.
type MagicLinkConfig struct {
	BaseURL     string        `env:"TRUXE_MAGIC_LINK_BASE_URL"     envDefault:"http://localhost:3000/auth/verify"`
	Pepper      string        `env:"TRUXE_MAGIC_LINK_PEPPER"`
	TTL         time.Duration `env:"TRUXE_MAGIC_LINK_TTL"          envDefault:"15m"`
	SendTimeout time.Duration `env:"TRUXE_MAGIC_LINK_SEND_TIMEOUT" envDefault:"5s"`
	// Argon2id cost.
	HashMemoryKiB uint32 `env:"TRUXE_MAGIC_LINK_HASH_MEMORY_KIB" envDefault:"65536"`
	HashTime      uint32 `env:"TRUXE_MAGIC_LINK_HASH_TIME"       envDefault:"3"`
}

// SessionConfig drives the session manager.
type SessionConfig struct {
	MaxPerUser int `env:"TRUXE_SESSIONS_MAX_PER_USER" envDefault:"10"`
}

// EmailConfig selects the email collaborator. Without an endpoint links are only logged.
type EmailConfig struct {
	Endpoint string        `env:"TRUXE_EMAIL_ENDPOINT"`
	APIKey   string        `env:"TRUXE_EMAIL_API_KEY"`
	Timeout  time.Duration `env:"TRUXE_EMAIL_TIMEOUT" envDefault:"5s"`
}

// RateLimitConfig bounds magic-link requests per client IP.
type RateLimitConfig struct {
	PerMinute float64 `env:"TRUXE_RATE_LIMIT_PER_MINUTE" envDefault:"5"`
	Burst     int     `env:"TRUXE_RATE_LIMIT_BURST"      envDefault:"5"`
}

// WorkerConfig drives the background sweeps.
type WorkerConfig struct {
	CleanupInterval   time.Duration `env:"TRUXE_WORKER_CLEANUP_INTERVAL"    envDefault:"5m"`
	KeyReloadInterval time.Duration `env:"TRUXE_WORKER_KEY_RELOAD_INTERVAL" envDefault:"1m"`
	KeyRotateEvery    time.Duration `env:"TRUXE_WORKER_KEY_ROTATE_EVERY"    envDefault:"0s"`
	MaxRetryElapsed   time.Duration `env:"TRUXE_WORKER_MAX_RETRY_ELAPSED"   envDefault:"30s"`
}

// OAuthConfig lists upstream providers. A provider is enabled when its client id is set.
type OAuthConfig struct {
	Timeout time.Duration `env:"TRUXE_OAUTH_TIMEOUT" envDefault:"10s"`

	GoogleClientID     string   `env:"TRUXE_OAUTH_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string   `env:"TRUXE_OAUTH_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string   `env:"TRUXE_OAUTH_GOOGLE_REDIRECT_URI"`
	GoogleScopes       []string `env:"TRUXE_OAUTH_GOOGLE_SCOPES"        envSeparator:","`

	GitHubClientID     string   `env:"TRUXE_OAUTH_GITHUB_CLIENT_ID"`
	GitHubClientSecret string   `env:"TRUXE_OAUTH_GITHUB_CLIENT_SECRET"`
	GitHubRedirectURI  string   `env:"TRUXE_OAUTH_GITHUB_REDIRECT_URI"`
	GitHubScopes       []string `env:"TRUXE_OAUTH_GITHUB_SCOPES"        envSeparator:","`

	OIDCName         string   `env:"TRUXE_OAUTH_OIDC_NAME" envDefault:"truxe"`
	OIDCBaseURL      string   `env:"TRUXE_OAUTH_OIDC_BASE_URL"`
	OIDCClientID     string   `env:"TRUXE_OAUTH_OIDC_CLIENT_ID"`
	OIDCClientSecret string   `env:"TRUXE_OAUTH_OIDC_CLIENT_SECRET"`
	OIDCRedirectURI  string   `env:"TRUXE_OAUTH_OIDC_REDIRECT_URI"`
	OIDCScopes       []string `env:"TRUXE_OAUTH_OIDC_SCOPES"   envSeparator:","`
	OIDCIssuer       string   `env:"TRUXE_OAUTH_OIDC_ISSUER"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.CORSOrigins = trimCSV(cfg.CORSOrigins)
	cfg.OAuth.GoogleScopes = trimCSV(cfg.OAuth.GoogleScopes)
	cfg.OAuth.GitHubScopes = trimCSV(cfg.OAuth.GitHubScopes)
	cfg.OAuth.OIDCScopes = trimCSV(cfg.OAuth.OIDCScopes)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the services would refuse at construction time.
func (c Config) Validate() error {
	var errs []error
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		errs = append(errs, errors.New("access ttl must be shorter than refresh ttl"))
	}
	if c.Token.ReuseWindow < 0 || c.Token.ReuseWindow >= c.Token.AccessTTL {
		errs = append(errs, errors.New("refresh reuse window must be within [0, access ttl)"))
	}
	if (c.Keys.PrivatePEM == "") != (c.Keys.KeyID == "") {
		errs = append(errs, errors.New("TRUXE_KEYS_PRIVATE_PEM and TRUXE_KEYS_KID must be set together"))
	}
	if c.Sessions.MaxPerUser <= 0 {
		errs = append(errs, errors.New("max sessions per user must be positive"))
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.OAuth.OIDCClientID != "" && c.OAuth.OIDCBaseURL == "" {
		errs = append(errs, errors.New("TRUXE_OAUTH_OIDC_BASE_URL is required with an oidc client id"))
	}
	return errors.Join(errs...)
}

// trimCSV drops blank entries from a comma separated list.
func trimCSV(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
