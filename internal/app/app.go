// Package app assembles the auth core from configuration. Both binaries build on it.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"truxe.io/internal/auth"
	"truxe.io/internal/config"
	"truxe.io/internal/email"
	"truxe.io/internal/httpapi"
	"truxe.io/internal/keys"
	"truxe.io/internal/magiclink"
	"truxe.io/internal/migrate"
	"truxe.io/internal/oauthbridge"
	"truxe.io/internal/obs"
	"truxe.io/internal/session"
	"truxe.io/internal/store/memory"
	"truxe.io/internal/store/pg"
	"truxe.io/internal/tenancy"
	"truxe.io/internal/token"
	"truxe.io/internal/worker"
)

// Store is everything the services persist, signing keys included.
type Store interface {
	auth.Store
	keys.Store
}

// App holds the wired services.
type App struct {
	Config    config.Config
	Store     Store
	PG        *pg.Store
	Keys      *keys.Manager
	Resolver  *tenancy.Resolver
	Directory *tenancy.Directory
	Tokens    *token.Service
	Sessions  *session.Manager
	MagicLink *magiclink.Service
	Bridge    *oauthbridge.Bridge
}

// New opens storage, loads signing keys and builds every service. Without a DSN state lives
// in memory and is lost on restart.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.DatabaseDSN == "" {
		obs.Logger().Warn("TRUXE_PG_DSN not set, using in-memory storage")
		a.Store = memory.New()
		return nil
	}
	st, err := pg.Open(a.Config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if a.Config.AutoMigrate {
		applied, err := migrate.NewManager(st.DB(), nil).Up(ctx)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		for _, name := range applied {
			obs.Logger().Info("migration applied", "name", name)
		}
	}
	a.PG = st
	a.Store = st
	return nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	var err error

	alg, err := keys.ParseAlgorithm(cfg.Keys.Algorithm)
	if err != nil {
		return err
	}
	keyOpts := []keys.Option{keys.WithAlgorithm(alg), keys.WithGracePeriod(cfg.Keys.GracePeriod)}
	if cfg.Keys.PrivatePEM != "" {
		keyOpts = append(keyOpts, keys.WithPrivateKeyPEM(cfg.Keys.KeyID, cfg.Keys.PrivatePEM))
	} else {
		keyOpts = append(keyOpts, keys.WithStore(a.Store))
	}
	if a.Keys, err = keys.New(keyOpts...); err != nil {
		return fmt.Errorf("keys: %w", err)
	}
	if err := a.Keys.Load(ctx); err != nil {
		return fmt.Errorf("load keys: %w", err)
	}

	if a.Resolver, err = tenancy.NewResolver(a.Store); err != nil {
		return err
	}
	if a.Directory, err = tenancy.NewDirectory(a.Store, a.Resolver); err != nil {
		return err
	}
	a.Tokens, err = token.NewService(a.Keys, a.Store, a.Resolver,
		token.WithIssuer(cfg.Token.Issuer),
		token.WithAudience(cfg.Token.Audience),
		token.WithAccessTTL(cfg.Token.AccessTTL),
		token.WithRefreshTTL(cfg.Token.RefreshTTL),
		token.WithLeeway(cfg.Token.Leeway),
		token.WithReuseWindow(cfg.Token.ReuseWindow),
	)
	if err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	if a.Sessions, err = session.NewManager(a.Store, a.Tokens, a.Resolver,
		session.WithMaxSessions(cfg.Sessions.MaxPerUser)); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	sender, err := newSender(cfg.Email)
	if err != nil {
		return err
	}
	pepper := cfg.MagicLink.Pepper
	if pepper == "" {
		pepper, err = randomPepper()
		if err != nil {
			return err
		}
		obs.Logger().Warn("TRUXE_MAGIC_LINK_PEPPER not set, outstanding links will not survive a restart")
	}
	a.MagicLink, err = magiclink.NewService(a.Store, a.Sessions, sender, pepper, cfg.MagicLink.BaseURL,
		magiclink.WithTTL(cfg.MagicLink.TTL),
		magiclink.WithSendTimeout(cfg.MagicLink.SendTimeout),
		magiclink.WithHashParams(magiclink.HashParams{
			Memory:  cfg.MagicLink.HashMemoryKiB,
			Time:    cfg.MagicLink.HashTime,
			Threads: magiclink.DefaultHashParams.Threads,
			KeyLen:  magiclink.DefaultHashParams.KeyLen,
		}),
	)
	if err != nil {
		return fmt.Errorf("magic link: %w", err)
	}

	if a.Bridge, err = NewBridge(cfg.OAuth); err != nil {
		return fmt.Errorf("oauth: %w", err)
	}
	return nil
}

func newSender(cfg config.EmailConfig) (email.Sender, error) {
	if cfg.Endpoint == "" {
		obs.Logger().Warn("TRUXE_EMAIL_ENDPOINT not set, magic links are only logged")
		return email.LogSender{}, nil
	}
	return email.NewHTTPSender(cfg.Endpoint, cfg.APIKey, &http.Client{Timeout: cfg.Timeout})
}

func randomPepper() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewBridge registers every provider whose client id is configured.
func NewBridge(cfg config.OAuthConfig) (*oauthbridge.Bridge, error) {
	b := oauthbridge.NewBridge()
	var providers []oauthbridge.Provider

	if cfg.GoogleClientID != "" {
		p, err := oauthbridge.NewGoogle(oauthbridge.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURI,
			Scopes:       cfg.GoogleScopes,
			Timeout:      cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.GitHubClientID != "" {
		p, err := oauthbridge.NewGitHub(oauthbridge.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURI,
			Scopes:       cfg.GitHubScopes,
			Timeout:      cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.OIDCClientID != "" {
		var opts []oauthbridge.Option
		if cfg.OIDCIssuer != "" {
			opts = append(opts, oauthbridge.WithIssuers(cfg.OIDCIssuer))
		}
		p, err := oauthbridge.NewOIDC(cfg.OIDCName, cfg.OIDCBaseURL, oauthbridge.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURI,
			Scopes:       cfg.OIDCScopes,
			Timeout:      cfg.Timeout,
		}, opts...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	for _, p := range providers {
		if err := b.Register(p); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// HTTP builds the API with the configured limits.
func (a *App) HTTP(version string) (*httpapi.API, error) {
	var probe httpapi.ReadyProbe
	if a.PG != nil {
		probe.DB = a.PG.DB()
	}
	return httpapi.New(httpapi.Services{
		Keys:      a.Keys,
		Tokens:    a.Tokens,
		Sessions:  a.Sessions,
		MagicLink: a.MagicLink,
		Directory: a.Directory,
		Users:     a.Store,
		Bridge:    a.Bridge,
	},
		httpapi.WithVersion(version),
		httpapi.WithReadyProbe(probe),
		httpapi.WithCORSOrigins(a.Config.CORSOrigins),
		httpapi.WithMagicLinkRateLimit(a.Config.RateLimit.PerMinute, a.Config.RateLimit.Burst),
	)
}

// Worker builds the background sweeper. Key sync only runs when keys are persisted.
func (a *App) Worker() *worker.Worker {
	cfg := a.Config.Worker
	opts := []worker.Option{
		worker.WithCleanupInterval(cfg.CleanupInterval),
		worker.WithKeyReloadInterval(cfg.KeyReloadInterval),
		worker.WithRotateEvery(cfg.KeyRotateEvery),
		worker.WithMaxRetryElapsed(cfg.MaxRetryElapsed),
		worker.WithAttempts(a.Bridge),
	}
	if a.Config.Keys.PrivatePEM != "" {
		return worker.New(a.Sessions, nil, opts...)
	}
	return worker.New(a.Sessions, a.Keys, opts...)
}

// Close releases the database handle.
func (a *App) Close() error {
	if a.PG == nil {
		return nil
	}
	return a.PG.Close()
}
