package magiclink

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"truxe.io/internal/auth"
	"truxe.io/internal/email"
	"truxe.io/internal/keys"
	"truxe.io/internal/session"
	"truxe.io/internal/store/memory"
	"truxe.io/internal/tenancy"
	"truxe.io/internal/token"
)

var testParams = HashParams{Memory: 64, Time: 1, Threads: 1, KeyLen: 32}

type captureSender struct {
	mu   sync.Mutex
	msgs []email.Message
	err  error
}

func (c *captureSender) Send(_ context.Context, msg email.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *captureSender) lastToken(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatal("no email captured")
	}
	link, err := url.Parse(c.msgs[len(c.msgs)-1].Variables["link"])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return link.Query().Get("token")
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock  *clock
	store  *memory.Store
	sender *captureSender
	tokens *token.Service
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Now().UTC().Truncate(time.Second)}
	store := memory.New()
	km, err := keys.New(keys.WithAlgorithm(keys.ES256), keys.WithClock(c.Now))
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if err := km.Load(ctx); err != nil {
		t.Fatalf("load keys: %v", err)
	}
	resolver, err := tenancy.NewResolver(store)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	tokens, err := token.NewService(km, store, resolver, token.WithClock(c.Now))
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	sessions, err := session.NewManager(store, tokens, resolver, session.WithClock(c.Now))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	sender := &captureSender{}
	svc, err := NewService(store, sessions, sender, "test-pepper-0123456789", "https://app.truxe.io/auth/verify",
		WithHashParams(testParams), WithClock(c.Now))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &harness{clock: c, store: store, sender: sender, tokens: tokens, svc: svc}
}

func TestMagicLinkScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.RequestLink(ctx, "user@example.com", "", Allow); err != nil {
		t.Fatalf("request: %v", err)
	}
	tok := h.sender.lastToken(t)
	if tok == "" {
		t.Fatal("link carries no token")
	}

	if _, err := h.svc.Verify(ctx, tok+"x", auth.Device{}); !errors.Is(err, auth.ErrLinkInvalid) {
		t.Fatalf("wrong token: expected ErrLinkInvalid, got %v", err)
	}

	res, err := h.svc.Verify(ctx, tok, auth.Device{IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.User.Email != "user@example.com" || !res.User.EmailVerified {
		t.Fatalf("unexpected user: %+v", res.User)
	}
	if res.Outcome != NewlyCreatedUser {
		t.Fatalf("outcome = %s, want %s", res.Outcome, NewlyCreatedUser)
	}
	if _, err := h.tokens.VerifyAccessToken(ctx, res.Tokens.AccessToken); err != nil {
		t.Fatalf("issued access token does not verify: %v", err)
	}

	if _, err := h.svc.Verify(ctx, tok, auth.Device{}); !errors.Is(err, auth.ErrLinkAlreadyUsed) {
		t.Fatalf("reuse: expected ErrLinkAlreadyUsed, got %v", err)
	}

	if err := h.svc.RequestLink(ctx, "USER@example.com", "", Allow); err != nil {
		t.Fatalf("second request: %v", err)
	}
	again, err := h.svc.Verify(ctx, h.sender.lastToken(t), auth.Device{})
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.Outcome != ExistingUser || again.User.ID != res.User.ID {
		t.Fatalf("expected login of existing user, got %+v", again)
	}
}

func TestConcurrentVerifyRedeemsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.svc.RequestLink(ctx, "race@example.com", "", Allow); err != nil {
		t.Fatalf("request: %v", err)
	}
	tok := h.sender.lastToken(t)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.Verify(ctx, tok, auth.Device{})
		}(i)
	}
	close(start)
	wg.Wait()

	successes, used := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, auth.ErrLinkAlreadyUsed):
			used++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || used != attempts-1 {
		t.Fatalf("successes=%d already_used=%d", successes, used)
	}
}

func TestExpiredLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.svc.RequestLink(ctx, "late@example.com", "", Allow); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.clock.Advance(defaultTTL + time.Second)
	if _, err := h.svc.Verify(ctx, h.sender.lastToken(t), auth.Device{}); !errors.Is(err, auth.ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
}

func TestRequestLinkValidationAndRateLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, bad := range []string{"", "not-an-email", "Name <user@example.com>"} {
		if err := h.svc.RequestLink(ctx, bad, "", Allow); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", bad, err)
		}
	}
	if err := h.svc.RequestLink(ctx, "user@example.com", "", RateDecision{Allowed: false, RetryAfter: time.Minute}); !errors.Is(err, auth.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(h.sender.msgs) != 0 {
		t.Fatalf("no email should be sent, got %d", len(h.sender.msgs))
	}
}

func TestEmailFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("smtp down")
	if err := h.svc.RequestLink(context.Background(), "user@example.com", "", Allow); err != nil {
		t.Fatalf("email failure leaked to caller: %v", err)
	}
}

func TestOrganizationScopedLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, err := h.store.CreateUser(ctx, auth.User{ID: "member", Email: "member@example.com", Status: auth.UserStatusActive})
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if _, err := h.store.CreateOrganization(ctx, auth.Organization{ID: "org-1", Slug: "acme", Name: "Acme"},
		auth.Membership{UserID: user.ID, Role: auth.RoleMember}); err != nil {
		t.Fatalf("org: %v", err)
	}

	if err := h.svc.RequestLink(ctx, "member@example.com", "acme", Allow); err != nil {
		t.Fatalf("request: %v", err)
	}
	res, err := h.svc.Verify(ctx, h.sender.lastToken(t), auth.Device{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Outcome != ExistingUser || res.Session.OrganizationID != "org-1" {
		t.Fatalf("unexpected result: outcome=%s org=%s", res.Outcome, res.Session.OrganizationID)
	}
	stored, _ := h.store.GetUser(ctx, user.ID)
	if !stored.EmailVerified {
		t.Fatal("existing user should be marked verified")
	}

	if err := h.svc.RequestLink(ctx, "stranger@example.com", "acme", Allow); err != nil {
		t.Fatalf("request: %v", err)
	}
	res, err = h.svc.Verify(ctx, h.sender.lastToken(t), auth.Device{})
	if err != nil {
		t.Fatalf("verify stranger: %v", err)
	}
	if res.Session.OrganizationID != "" {
		t.Fatalf("non-member must get a tenant-less session, got %s", res.Session.OrganizationID)
	}
}

func TestBlockedUserCannotRedeem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.CreateUser(ctx, auth.User{ID: "b", Email: "blocked@example.com", Status: auth.UserStatusBlocked}); err != nil {
		t.Fatalf("user: %v", err)
	}
	if err := h.svc.RequestLink(ctx, "blocked@example.com", "", Allow); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.svc.Verify(ctx, h.sender.lastToken(t), auth.Device{}); !errors.Is(err, auth.ErrUserBlocked) {
		t.Fatalf("expected ErrUserBlocked, got %v", err)
	}
}
