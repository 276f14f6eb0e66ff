// Package worker runs the periodic maintenance of the auth core: expiry sweeps and signing
// key reload/rotation.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"truxe.io/internal/auth"
	"truxe.io/internal/keys"
	"truxe.io/internal/obs"
)

// SessionCleaner removes expired sessions, revocations and challenges.
type SessionCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// KeyRing is the signing key manager as seen by the worker.
type KeyRing interface {
	CurrentSigningKey() (keys.Key, error)
	Reload(ctx context.Context) (int, error)
	Rotate(ctx context.Context) (keys.Key, error)
}

// AttemptPurger drops abandoned OAuth attempts.
type AttemptPurger interface {
	PurgeAttempts(now time.Time) int
}

// Worker owns the maintenance loops. Failures are retried with exponential backoff and
// never stop the loop.
type Worker struct {
	sessions SessionCleaner
	keyring  KeyRing
	attempts AttemptPurger

	cleanupEvery    time.Duration
	reloadEvery     time.Duration
	rotateEvery     time.Duration
	maxElapsed      time.Duration
	initialInterval time.Duration
	now             func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

func WithCleanupInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.cleanupEvery = d
		}
	}
}

func WithKeyReloadInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.reloadEvery = d
		}
	}
}

// WithRotateEvery enables scheduled key rotation. Zero disables it.
func WithRotateEvery(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.rotateEvery = d
		}
	}
}

// WithMaxRetryElapsed bounds how long one failing task is retried.
func WithMaxRetryElapsed(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.maxElapsed = d
		}
	}
}

// WithRetryInterval sets the first backoff delay.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.initialInterval = d
		}
	}
}

// WithAttempts adds the OAuth attempt purge to the cleanup sweep.
func WithAttempts(p AttemptPurger) Option {
	return func(w *Worker) { w.attempts = p }
}

func WithClock(fn func() time.Time) Option {
	return func(w *Worker) {
		if fn != nil {
			w.now = fn
		}
	}
}

// New returns a Worker. keyring may be nil when keys are pinned by configuration.
func New(sessions SessionCleaner, keyring KeyRing, opts ...Option) *Worker {
	w := &Worker{
		sessions:        sessions,
		keyring:         keyring,
		cleanupEvery:    5 * time.Minute,
		reloadEvery:     time.Minute,
		maxElapsed:      30 * time.Second,
		initialInterval: 500 * time.Millisecond,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cleanup := time.NewTicker(w.cleanupEvery)
	defer cleanup.Stop()
	var reload <-chan time.Time
	if w.keyring != nil {
		t := time.NewTicker(w.reloadEvery)
		defer t.Stop()
		reload = t.C
	}
	logger := obs.Logger()
	logger.Info("worker started", "cleanup_interval", w.cleanupEvery.String(), "key_reload_interval", w.reloadEvery.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return nil
		case <-cleanup.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error("cleanup sweep failed", "error", err)
			}
		case <-reload:
			if err := w.SyncKeys(ctx); err != nil && ctx.Err() == nil {
				logger.Error("key sync failed", "error", err)
			}
		}
	}
}

// Sweep runs one cleanup pass.
func (w *Worker) Sweep(ctx context.Context) error {
	return w.retry(ctx, "cleanup", func() error {
		n, err := w.sessions.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		purged := 0
		if w.attempts != nil {
			purged = w.attempts.PurgeAttempts(w.now())
			obs.CleanupRemoved.WithLabelValues("oauth_attempts").Add(float64(purged))
		}
		obs.Logger().Debug("cleanup sweep", "sessions", n, "oauth_attempts", purged)
		return nil
	})
}

// SyncKeys reloads the published key set and rotates when the current key is older than the
// rotation interval.
func (w *Worker) SyncKeys(ctx context.Context) error {
	if w.keyring == nil {
		return nil
	}
	return w.retry(ctx, "keys", func() error {
		if _, err := w.keyring.Reload(ctx); err != nil {
			return err
		}
		if w.rotateEvery <= 0 {
			return nil
		}
		current, err := w.keyring.CurrentSigningKey()
		if err != nil && !errors.Is(err, auth.ErrNoSigningKey) {
			return err
		}
		if err == nil && w.now().Sub(current.CreatedAt) < w.rotateEvery {
			return nil
		}
		_, err = w.keyring.Rotate(ctx)
		return err
	})
}

func (w *Worker) retry(ctx context.Context, task string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if errors.Is(err, context.Canceled) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(w.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			obs.Logger().Warn("worker task failed, retrying", "task", task, "error", err, "retry_in", next.String())
		}),
	)
	return err
}
