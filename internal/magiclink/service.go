// Package magiclink issues and redeems single-use email login links.
package magiclink

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"truxe.io/internal/audit"
	"truxe.io/internal/auth"
	"truxe.io/internal/email"
	"truxe.io/internal/ids"
	"truxe.io/internal/obs"
)

const (
	defaultTTL         = 15 * time.Minute
	defaultSendTimeout = 5 * time.Second
	tokenBytes         = 32
	minPepperLen       = 16
)

// HashParams are the argon2id cost parameters. Memory is in KiB.
type HashParams struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultHashParams is 64 MiB, three passes, one lane.
var DefaultHashParams = HashParams{Memory: 64 * 1024, Time: 3, Threads: 1, KeyLen: 32}

// RateDecision is the outcome of a rate-limit check performed before RequestLink.
type RateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Allow is the decision for callers without a limiter in front.
var Allow = RateDecision{Allowed: true}

// Outcome tags whether verification logged in an existing user or signed up a new one.
type Outcome string

const (
	ExistingUser     Outcome = "existing_user"
	NewlyCreatedUser Outcome = "newly_created_user"
)

// Result is the outcome of a successful verification.
type Result struct {
	Outcome Outcome
	User    auth.User
	Session auth.Session
	Tokens  auth.TokenPair
}

// Store is the persistence the service depends on.
type Store interface {
	auth.ChallengeStore
	CreateUser(ctx context.Context, u auth.User) (auth.User, error)
	GetUserByEmail(ctx context.Context, email string) (auth.User, error)
	MarkEmailVerified(ctx context.Context, id string) error
	GetOrganizationBySlug(ctx context.Context, slug string) (auth.Organization, error)
	GetMembership(ctx context.Context, userID, orgID string) (auth.Membership, error)
}

// SessionStarter opens a session for a verified user.
type SessionStarter interface {
	Login(ctx context.Context, user auth.User, device auth.Device, orgID string) (auth.Session, auth.TokenPair, error)
}

// Service issues and verifies magic links.
type Service struct {
	store    Store
	sessions SessionStarter
	sender   email.Sender

	pepper      []byte
	params      HashParams
	baseURL     string
	ttl         time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithHashParams overrides argon2id cost parameters.
func WithHashParams(p HashParams) Option {
	return func(s *Service) error {
		if p.Memory == 0 || p.Time == 0 || p.Threads == 0 || p.KeyLen < 16 {
			return fmt.Errorf("%w: invalid argon2 parameters", auth.ErrInvalidInput)
		}
		s.params = p
		return nil
	}
}

// WithTTL sets how long a link stays redeemable.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithSendTimeout bounds the email delivery call.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d > 0 {
			s.sendTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service. baseURL is the page that receives ?token=.
func NewService(store Store, sessions SessionStarter, sender email.Sender, pepper, baseURL string, opts ...Option) (*Service, error) {
	if store == nil || sessions == nil || sender == nil {
		return nil, errors.New("magiclink: store, sessions and sender are required")
	}
	if len(pepper) < minPepperLen {
		return nil, fmt.Errorf("%w: pepper must be at least %d bytes", auth.ErrInvalidInput, minPepperLen)
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(baseURL)); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", auth.ErrInvalidInput, err)
	}
	svc := &Service{
		store:       store,
		sessions:    sessions,
		sender:      sender,
		pepper:      []byte(pepper),
		params:      DefaultHashParams,
		baseURL:     strings.TrimSpace(baseURL),
		ttl:         defaultTTL,
		sendTimeout: defaultSendTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// RequestLink validates input, honours the rate decision, stores a hashed challenge and
// emails the link. Once past validation it succeeds whether or not the email is registered.
func (s *Service) RequestLink(ctx context.Context, rawEmail, orgSlug string, decision RateDecision) error {
	err := s.requestLink(ctx, rawEmail, orgSlug, decision)
	obs.ObserveAuth("magic_link.request", err)
	return err
}

func (s *Service) requestLink(ctx context.Context, rawEmail, orgSlug string, decision RateDecision) error {
	addr, err := auth.NormalizeEmail(rawEmail)
	if err != nil {
		return fmt.Errorf("%w: email is invalid", auth.ErrInvalidInput)
	}
	orgSlug = strings.ToLower(strings.TrimSpace(orgSlug))
	if !decision.Allowed {
		return auth.ErrRateLimited
	}

	token, err := newToken()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	challenge := auth.MagicLinkChallenge{
		ID:               ids.New(),
		Email:            addr,
		TokenHash:        s.hash(token),
		OrganizationSlug: orgSlug,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}
	if err := s.store.CreateChallenge(ctx, challenge); err != nil {
		return fmt.Errorf("magiclink: store challenge: %w", err)
	}

	link, err := buildLinkURL(s.baseURL, token)
	if err != nil {
		return err
	}
	s.send(ctx, email.Message{
		To:         addr,
		Subject:    "Your sign-in link",
		TemplateID: email.TemplateMagicLink,
		Variables: map[string]string{
			"link":       link,
			"expires_in": s.ttl.String(),
		},
	})
	_ = audit.LogEvent(ctx, "magic_link.requested", map[string]any{"challenge_id": challenge.ID})
	return nil
}

// send never surfaces delivery failures to the caller.
func (s *Service) send(ctx context.Context, msg email.Message) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()
	if err := s.sender.Send(sendCtx, msg); err != nil {
		obs.EmailFailures.Inc()
		obs.Logger().WarnContext(ctx, "magic link email failed", "template", msg.TemplateID, "error", err)
	}
}

// Verify redeems token exactly once and opens a session for its owner, creating the user
// on first use.
func (s *Service) Verify(ctx context.Context, token string, device auth.Device) (Result, error) {
	res, err := s.verify(ctx, token, device)
	obs.ObserveAuth("magic_link.verify", err)
	return res, err
}

func (s *Service) verify(ctx context.Context, token string, device auth.Device) (Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{}, auth.ErrLinkInvalid
	}
	candidate := s.hash(token)
	challenge, err := s.store.FindChallengeByHash(ctx, candidate)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Result{}, auth.ErrLinkInvalid
		}
		return Result{}, err
	}
	if subtle.ConstantTimeCompare([]byte(challenge.TokenHash), []byte(candidate)) != 1 {
		return Result{}, auth.ErrLinkInvalid
	}
	now := s.now().UTC()
	if challenge.UsedAt != nil {
		return Result{}, auth.ErrLinkAlreadyUsed
	}
	if !now.Before(challenge.ExpiresAt) {
		return Result{}, auth.ErrLinkExpired
	}
	if err := s.store.ConsumeChallenge(ctx, challenge.ID, now); err != nil {
		if errors.Is(err, auth.ErrStale) {
			return Result{}, auth.ErrLinkAlreadyUsed
		}
		if errors.Is(err, auth.ErrNotFound) {
			return Result{}, auth.ErrLinkInvalid
		}
		return Result{}, err
	}

	user, outcome, err := s.resolveUser(ctx, challenge.Email, now)
	if err != nil {
		return Result{}, err
	}
	if !user.Active() {
		return Result{}, auth.ErrUserBlocked
	}

	orgID := s.organizationFor(ctx, user.ID, challenge.OrganizationSlug)
	sess, pair, err := s.sessions.Login(ctx, user, device, orgID)
	if err != nil {
		return Result{}, err
	}
	_ = audit.LogEvent(auth.ContextWithUser(ctx, user.ID), "magic_link.verified", map[string]any{
		"challenge_id": challenge.ID,
		"outcome":      string(outcome),
		"session_id":   sess.ID,
	})
	return Result{Outcome: outcome, User: user, Session: sess, Tokens: pair}, nil
}

func (s *Service) resolveUser(ctx context.Context, addr string, now time.Time) (auth.User, Outcome, error) {
	existing, err := s.store.GetUserByEmail(ctx, addr)
	if err == nil {
		if !existing.EmailVerified {
			if err := s.store.MarkEmailVerified(ctx, existing.ID); err != nil {
				return auth.User{}, "", err
			}
			existing.EmailVerified = true
		}
		return existing, ExistingUser, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return auth.User{}, "", err
	}
	created, err := s.store.CreateUser(ctx, auth.User{
		ID:            ids.New(),
		Email:         addr,
		EmailVerified: true,
		Status:        auth.UserStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if errors.Is(err, auth.ErrConflict) {
		// Another link for the same address signed the user up first.
		existing, err := s.store.GetUserByEmail(ctx, addr)
		if err != nil {
			return auth.User{}, "", err
		}
		return existing, ExistingUser, nil
	}
	if err != nil {
		return auth.User{}, "", err
	}
	return created, NewlyCreatedUser, nil
}

// organizationFor returns the org id for slug when the user belongs to it.
func (s *Service) organizationFor(ctx context.Context, userID, slug string) string {
	if slug == "" {
		return ""
	}
	org, err := s.store.GetOrganizationBySlug(ctx, slug)
	if err != nil {
		return ""
	}
	if _, err := s.store.GetMembership(ctx, userID, org.ID); err != nil {
		return ""
	}
	return org.ID
}

func (s *Service) hash(token string) string {
	key := argon2.IDKey([]byte(token), s.pepper, s.params.Time, s.params.Memory, s.params.Threads, s.params.KeyLen)
	return base64.RawStdEncoding.EncodeToString(key)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("magiclink: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func buildLinkURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
