package oauthbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"truxe.io/internal/obs"
)

const (
	defaultJWKSTTL        = time.Hour
	defaultJWKSMinRefresh = 10 * time.Second
)

type keySnapshot struct {
	set       jose.JSONWebKeySet
	fetchedAt time.Time
}

// RemoteKeySet caches a provider's JWKS document. Readers never block on a fetch unless the
// cache is stale or the requested key is unknown.
type RemoteKeySet struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	snap  atomic.Pointer[keySnapshot]
	group singleflight.Group
}

// KeySetOption configures a RemoteKeySet.
type KeySetOption func(*RemoteKeySet)

// WithKeySetTTL sets how long a fetched document is served without refetching.
func WithKeySetTTL(d time.Duration) KeySetOption {
	return func(r *RemoteKeySet) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithMinRefreshInterval bounds how often unknown key ids can force a refetch.
func WithMinRefreshInterval(d time.Duration) KeySetOption {
	return func(r *RemoteKeySet) {
		if d >= 0 {
			r.minRefresh = d
		}
	}
}

// WithKeySetClock overrides the time source.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(r *RemoteKeySet) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRemoteKeySet returns a cache for the JWKS document at url.
func NewRemoteKeySet(url string, client *http.Client, opts ...KeySetOption) *RemoteKeySet {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	r := &RemoteKeySet{
		url:        url,
		client:     client,
		ttl:        defaultJWKSTTL,
		minRefresh: defaultJWKSMinRefresh,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the verification key for kid, refetching the document when it is stale or
// does not contain kid.
func (r *RemoteKeySet) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	snap := r.snap.Load()
	if snap == nil || r.now().Sub(snap.fetchedAt) >= r.ttl {
		var err error
		if snap, err = r.refresh(ctx); err != nil {
			return nil, err
		}
	}
	if key := lookup(snap, kid); key != nil {
		return key, nil
	}
	if r.now().Sub(snap.fetchedAt) < r.minRefresh {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	snap, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key := lookup(snap, kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// Invalidate forces the next lookup to refetch once the minimum refresh interval has passed.
func (r *RemoteKeySet) Invalidate() {
	snap := r.snap.Load()
	if snap == nil || r.now().Sub(snap.fetchedAt) < r.minRefresh {
		return
	}
	stale := *snap
	stale.fetchedAt = snap.fetchedAt.Add(-r.ttl)
	r.snap.CompareAndSwap(snap, &stale)
}

func lookup(snap *keySnapshot, kid string) *jose.JSONWebKey {
	if snap == nil {
		return nil
	}
	if kid == "" {
		if len(snap.set.Keys) == 1 {
			return &snap.set.Keys[0]
		}
		return nil
	}
	keys := snap.set.Key(kid)
	if len(keys) == 0 {
		return nil
	}
	return &keys[0]
}

func (r *RemoteKeySet) refresh(ctx context.Context) (*keySnapshot, error) {
	res, err, _ := r.group.Do(r.url, func() (any, error) {
		// Another caller may have refreshed while we waited.
		if snap := r.snap.Load(); snap != nil && r.now().Sub(snap.fetchedAt) < r.minRefresh {
			return snap, nil
		}
		set, err := r.fetch(ctx)
		if err != nil {
			obs.JWKSRefreshes.WithLabelValues("failure").Inc()
			return nil, err
		}
		obs.JWKSRefreshes.WithLabelValues("success").Inc()
		snap := &keySnapshot{set: set, fetchedAt: r.now()}
		r.snap.Store(snap)
		return snap, nil
	})
	if err != nil {
		// Serve the previous document rather than failing closed on a transient outage.
		if snap := r.snap.Load(); snap != nil {
			obs.Logger().WarnContext(ctx, "jwks refresh failed, using cached keys", "url", r.url, "error", err)
			return snap, nil
		}
		return nil, err
	}
	return res.(*keySnapshot), nil
}

func (r *RemoteKeySet) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return set, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return set, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return set, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return set, err
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return set, fmt.Errorf("parse jwks: %w", err)
	}
	return set, nil
}
