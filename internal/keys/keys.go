// Package keys owns the signing key set used to mint and verify tokens.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"truxe.io/internal/audit"
	"truxe.io/internal/auth"
	"truxe.io/internal/ids"
	"truxe.io/internal/obs"
)

// Algorithm is a JWS signing algorithm name.
type Algorithm string

// Supported signing algorithms.
const (
	RS256 Algorithm = "RS256"
	ES256 Algorithm = "ES256"
	EdDSA Algorithm = "EdDSA"
)

const (
	defaultGracePeriod = 7 * 24 * time.Hour
	rsaKeyBits         = 2048
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.TrimSpace(raw)) {
	case RS256:
		return RS256, nil
	case ES256:
		return ES256, nil
	case EdDSA:
		return EdDSA, nil
	}
	return "", fmt.Errorf("%w: unsupported signing algorithm %q", auth.ErrInvalidInput, raw)
}

// Key is one signing key. RetiredAt is zero for the current key.
type Key struct {
	ID        string
	Algorithm Algorithm
	Signer    crypto.Signer
	CreatedAt time.Time
	RetiredAt time.Time
}

// Public returns the verification half of the key.
func (k Key) Public() crypto.PublicKey { return k.Signer.Public() }

// StoredKey is the persisted form of a signing key.
type StoredKey struct {
	ID         string
	Algorithm  string
	PrivatePEM string
	CreatedAt  time.Time
	RetiredAt  *time.Time
}

// Store persists signing keys so every instance publishes the same set.
type Store interface {
	ListSigningKeys(ctx context.Context) ([]StoredKey, error)
	SaveSigningKey(ctx context.Context, k StoredKey) error
	RetireSigningKey(ctx context.Context, id string, at time.Time) error
}

// snapshot is immutable once published.
type snapshot struct {
	current *Key
	keys    []*Key // newest first
}

// Manager holds the key set behind an atomically swapped snapshot.
type Manager struct {
	snap atomic.Pointer[snapshot]

	rotateMu  sync.Mutex
	algorithm Algorithm
	grace     time.Duration
	store     Store
	now       func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithAlgorithm selects the algorithm used for generated keys.
func WithAlgorithm(alg Algorithm) Option {
	return func(m *Manager) error {
		parsed, err := ParseAlgorithm(string(alg))
		if err != nil {
			return err
		}
		m.algorithm = parsed
		return nil
	}
}

// WithGracePeriod sets how long a retired key stays published.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) error {
		if d < 0 {
			return fmt.Errorf("%w: negative grace period", auth.ErrInvalidInput)
		}
		m.grace = d
		return nil
	}
}

// WithStore enables key persistence.
func WithStore(s Store) Option {
	return func(m *Manager) error {
		m.store = s
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithPrivateKeyPEM installs a statically configured signing key as current.
func WithPrivateKeyPEM(kid, pemData string) Option {
	return func(m *Manager) error {
		signer, err := ParsePrivateKey(strings.TrimSpace(pemData))
		if err != nil {
			return fmt.Errorf("keys: parse private key: %w", err)
		}
		alg, err := algorithmFor(signer)
		if err != nil {
			return err
		}
		kid = strings.TrimSpace(kid)
		if kid == "" {
			kid = ids.New()
		}
		k := &Key{ID: kid, Algorithm: alg, Signer: signer, CreatedAt: m.now().UTC()}
		m.snap.Store(&snapshot{current: k, keys: []*Key{k}})
		return nil
	}
}

// New constructs a Manager. Without WithPrivateKeyPEM it holds no key until Load or Rotate runs.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		algorithm: RS256,
		grace:     defaultGracePeriod,
		now:       time.Now,
	}
	m.snap.Store(&snapshot{})
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CurrentSigningKey returns the key new tokens must be signed with.
func (m *Manager) CurrentSigningKey() (Key, error) {
	s := m.snap.Load()
	if s == nil || s.current == nil {
		return Key{}, auth.ErrNoSigningKey
	}
	return *s.current, nil
}

// VerificationKey returns the public key for kid while it is still inside its grace window.
func (m *Manager) VerificationKey(kid string) (crypto.PublicKey, Algorithm, bool) {
	now := m.now()
	for _, k := range m.snap.Load().keys {
		if k.ID == kid && m.published(k, now) {
			return k.Public(), k.Algorithm, true
		}
	}
	return nil, "", false
}

// Algorithms lists the algorithms of every published key.
func (m *Manager) Algorithms() []string {
	now := m.now()
	seen := make(map[Algorithm]struct{})
	var out []string
	for _, k := range m.snap.Load().keys {
		if !m.published(k, now) {
			continue
		}
		if _, ok := seen[k.Algorithm]; ok {
			continue
		}
		seen[k.Algorithm] = struct{}{}
		out = append(out, string(k.Algorithm))
	}
	return out
}

// PublicJWKS returns the public halves of all non-expired keys.
func (m *Manager) PublicJWKS() jose.JSONWebKeySet {
	now := m.now()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, k := range m.snap.Load().keys {
		if !m.published(k, now) {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Public(),
			KeyID:     k.ID,
			Algorithm: string(k.Algorithm),
			Use:       "sig",
		})
	}
	return set
}

func (m *Manager) published(k *Key, now time.Time) bool {
	if k.RetiredAt.IsZero() {
		return true
	}
	return now.Before(k.RetiredAt.Add(m.grace))
}

// Rotate generates a new current key and retires the previous one.
func (m *Manager) Rotate(ctx context.Context) (Key, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	signer, err := generate(m.algorithm)
	if err != nil {
		return Key{}, err
	}
	now := m.now().UTC()
	next := &Key{ID: ids.NewAt(now), Algorithm: m.algorithm, Signer: signer, CreatedAt: now}

	prev := m.snap.Load()
	if m.store != nil {
		encoded, err := EncodePrivateKey(signer)
		if err != nil {
			return Key{}, err
		}
		if err := m.store.SaveSigningKey(ctx, StoredKey{
			ID:         next.ID,
			Algorithm:  string(next.Algorithm),
			PrivatePEM: encoded,
			CreatedAt:  now,
		}); err != nil {
			return Key{}, fmt.Errorf("keys: save: %w", err)
		}
		if prev.current != nil {
			if err := m.store.RetireSigningKey(ctx, prev.current.ID, now); err != nil {
				return Key{}, fmt.Errorf("keys: retire: %w", err)
			}
		}
	}

	keys := []*Key{next}
	for _, k := range prev.keys {
		if k == prev.current {
			retired := *k
			retired.RetiredAt = now
			k = &retired
		}
		if m.published(k, now) {
			keys = append(keys, k)
		}
	}
	m.snap.Store(&snapshot{current: next, keys: keys})

	obs.KeyRotations.Inc()
	fields := map[string]any{"kid": next.ID, "algorithm": string(next.Algorithm)}
	if prev.current != nil {
		fields["previous_kid"] = prev.current.ID
	}
	_ = audit.LogEvent(ctx, "keys.rotated", fields)
	return *next, nil
}

// Load populates the key set from the store, generating the first key when the store is empty.
// Without a store a fresh in-memory key is generated unless one is already configured.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		if _, err := m.CurrentSigningKey(); err == nil {
			return nil
		}
		_, err := m.Rotate(ctx)
		return err
	}
	if _, err := m.Reload(ctx); err != nil {
		return err
	}
	if _, err := m.CurrentSigningKey(); errors.Is(err, auth.ErrNoSigningKey) {
		_, err = m.Rotate(ctx)
		return err
	}
	return nil
}

// Reload replaces the snapshot with the persisted key set and reports how many keys were published.
func (m *Manager) Reload(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, errors.New("keys: no store configured")
	}
	stored, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("keys: list: %w", err)
	}
	now := m.now()
	next := &snapshot{}
	for _, sk := range stored {
		signer, err := ParsePrivateKey(sk.PrivatePEM)
		if err != nil {
			return 0, fmt.Errorf("keys: parse %s: %w", sk.ID, err)
		}
		k := &Key{ID: sk.ID, Algorithm: Algorithm(sk.Algorithm), Signer: signer, CreatedAt: sk.CreatedAt}
		if sk.RetiredAt != nil {
			k.RetiredAt = *sk.RetiredAt
		}
		if !m.published(k, now) {
			continue
		}
		next.keys = append(next.keys, k)
		if k.RetiredAt.IsZero() && (next.current == nil || k.CreatedAt.After(next.current.CreatedAt)) {
			next.current = k
		}
	}
	sortNewestFirst(next.keys)
	if len(next.keys) == 0 {
		return 0, nil
	}

	m.rotateMu.Lock()
	m.snap.Store(next)
	m.rotateMu.Unlock()
	return len(next.keys), nil
}

func sortNewestFirst(keys []*Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
}

func generate(alg Algorithm) (crypto.Signer, error) {
	switch alg {
	case RS256:
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case ES256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case EdDSA:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	return nil, fmt.Errorf("%w: unsupported signing algorithm %q", auth.ErrInvalidInput, alg)
}
