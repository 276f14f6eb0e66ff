// Package memory is an in-process implementation of the auth storage contracts.
// It backs tests and dev mode when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"truxe.io/internal/auth"
	"truxe.io/internal/keys"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	users       map[string]auth.User
	usersEmail  map[string]string
	orgs        map[string]auth.Organization
	orgsSlug    map[string]string
	memberships map[string]map[string]auth.Membership // org -> user -> membership
	sessions    map[string]auth.Session
	tokens      map[string][]auth.SessionToken
	revoked     map[string]time.Time
	challenges  map[string]auth.MagicLinkChallenge
	challHash   map[string]string
	signingKeys []keys.StoredKey
}

var (
	_ auth.Store = (*Store)(nil)
	_ keys.Store = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]auth.User),
		usersEmail:  make(map[string]string),
		orgs:        make(map[string]auth.Organization),
		orgsSlug:    make(map[string]string),
		memberships: make(map[string]map[string]auth.Membership),
		sessions:    make(map[string]auth.Session),
		tokens:      make(map[string][]auth.SessionToken),
		revoked:     make(map[string]time.Time),
		challenges:  make(map[string]auth.MagicLinkChallenge),
		challHash:   make(map[string]string),
	}
}

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := s.usersEmail[email]; ok {
		return auth.User{}, fmt.Errorf("%w: email already registered", auth.ErrConflict)
	}
	if _, ok := s.users[u.ID]; ok {
		return auth.User{}, fmt.Errorf("%w: user id exists", auth.ErrConflict)
	}
	u.Email = email
	u.Metadata = copyStrings(u.Metadata)
	s.users[u.ID] = u
	s.usersEmail[email] = u.ID
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	u.Metadata = copyStrings(u.Metadata)
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	s.mu.Lock()
	id, ok := s.usersEmail[strings.ToLower(email)]
	s.mu.Unlock()
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *Store) MarkEmailVerified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.EmailVerified = true
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return nil
}

func (s *Store) UpdateUserStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return nil
}

func (s *Store) CreateOrganization(_ context.Context, org auth.Organization, owner auth.Membership) (auth.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgsSlug[org.Slug]; ok {
		return auth.Organization{}, fmt.Errorf("%w: slug already taken", auth.ErrConflict)
	}
	if org.ParentID != "" {
		if _, ok := s.orgs[org.ParentID]; !ok {
			return auth.Organization{}, fmt.Errorf("%w: parent organization", auth.ErrNotFound)
		}
	}
	if _, ok := s.users[owner.UserID]; !ok {
		return auth.Organization{}, fmt.Errorf("%w: owner", auth.ErrNotFound)
	}
	s.orgs[org.ID] = org
	s.orgsSlug[org.Slug] = org.ID
	owner.OrganizationID = org.ID
	s.memberships[org.ID] = map[string]auth.Membership{owner.UserID: owner}
	return org, nil
}

func (s *Store) GetOrganization(_ context.Context, id string) (auth.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return auth.Organization{}, auth.ErrNotFound
	}
	return o, nil
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (auth.Organization, error) {
	s.mu.Lock()
	id, ok := s.orgsSlug[slug]
	s.mu.Unlock()
	if !ok {
		return auth.Organization{}, auth.ErrNotFound
	}
	return s.GetOrganization(ctx, id)
}

func (s *Store) SetOrganizationParent(_ context.Context, id, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return auth.ErrNotFound
	}
	if parentID != "" {
		if _, ok := s.orgs[parentID]; !ok {
			return fmt.Errorf("%w: parent organization", auth.ErrNotFound)
		}
	}
	o.ParentID = parentID
	o.UpdatedAt = time.Now().UTC()
	s.orgs[id] = o
	return nil
}

func (s *Store) GetMembership(_ context.Context, userID, orgID string) (auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[orgID][userID]
	if !ok {
		return auth.Membership{}, auth.ErrNotFound
	}
	return copyMembership(m), nil
}

func (s *Store) ListUserMemberships(_ context.Context, userID string) ([]auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Membership
	for _, members := range s.memberships {
		if m, ok := members[userID]; ok {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

func (s *Store) AddMembership(_ context.Context, m auth.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[m.OrganizationID]; !ok {
		return fmt.Errorf("%w: organization", auth.ErrNotFound)
	}
	if _, ok := s.users[m.UserID]; !ok {
		return fmt.Errorf("%w: user", auth.ErrNotFound)
	}
	members := s.memberships[m.OrganizationID]
	if members == nil {
		members = make(map[string]auth.Membership)
		s.memberships[m.OrganizationID] = members
	}
	if _, ok := members[m.UserID]; ok {
		return fmt.Errorf("%w: membership exists", auth.ErrConflict)
	}
	members[m.UserID] = copyMembership(m)
	return nil
}

func (s *Store) RemoveMembership(_ context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[orgID][userID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.memberships[orgID], userID)
	return nil
}

// ListOrganizationMembers mirrors the row-level policy: rows are visible only when the
// scoped user is a member of orgID.
func (s *Store) ListOrganizationMembers(ctx context.Context, orgID string) ([]auth.Membership, error) {
	scope, ok := auth.ScopeFromContext(ctx)
	if !ok {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.memberships[orgID]
	if _, visible := members[scope.UserID]; !visible {
		return nil, nil
	}
	out := make([]auth.Membership, 0, len(members))
	for _, m := range members {
		out = append(out, copyMembership(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) CreateSession(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: session id exists", auth.ErrConflict)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ListUserSessions(_ context.Context, userID string) ([]auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) RotateSession(_ context.Context, r auth.SessionRotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[r.SessionID]
	if !ok {
		return auth.ErrNotFound
	}
	if sess.RefreshJTI != r.OldJTI {
		return auth.ErrStale
	}
	if r.SwitchOrganization {
		for _, t := range s.tokens[r.SessionID] {
			if _, done := s.revoked[t.JTI]; t.Kind == auth.TokenKindAccess && !done {
				s.revoked[t.JTI] = t.ExpiresAt
			}
		}
		sess.OrganizationID = r.OrganizationID
	}
	sess.PreviousRefreshJTI = sess.RefreshJTI
	sess.RefreshJTI = r.NewJTI
	sess.RefreshedAt = r.At
	s.sessions[r.SessionID] = sess
	for _, t := range r.Tokens {
		t.SessionID = r.SessionID
		s.tokens[r.SessionID] = append(s.tokens[r.SessionID], t)
	}
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.tokens, id)
	return nil
}

func (s *Store) AddSessionToken(_ context.Context, t auth.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[t.SessionID]; !ok {
		return fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	s.tokens[t.SessionID] = append(s.tokens[t.SessionID], t)
	return nil
}

func (s *Store) ListSessionTokens(_ context.Context, sessionID string) ([]auth.SessionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.SessionToken, len(s.tokens[sessionID]))
	copy(out, s.tokens[sessionID])
	return out, nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, id)
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[jti]; !ok {
		s.revoked[jti] = expiresAt
	}
	return nil
}

func (s *Store) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *Store) PurgeRevokedTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for jti, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, jti)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateChallenge(_ context.Context, c auth.MagicLinkChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challHash[c.TokenHash]; ok {
		return fmt.Errorf("%w: challenge hash exists", auth.ErrConflict)
	}
	s.challenges[c.ID] = c
	s.challHash[c.TokenHash] = c.ID
	return nil
}

func (s *Store) FindChallengeByHash(_ context.Context, tokenHash string) (auth.MagicLinkChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.challHash[tokenHash]
	if !ok {
		return auth.MagicLinkChallenge{}, auth.ErrNotFound
	}
	c := s.challenges[id]
	if c.UsedAt != nil {
		used := *c.UsedAt
		c.UsedAt = &used
	}
	return c, nil
}

func (s *Store) ConsumeChallenge(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return auth.ErrNotFound
	}
	if c.UsedAt != nil {
		return auth.ErrStale
	}
	c.UsedAt = &usedAt
	s.challenges[id] = c
	return nil
}

func (s *Store) DeleteExpiredChallenges(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.challenges {
		if !c.ExpiresAt.After(now) {
			delete(s.challenges, id)
			delete(s.challHash, c.TokenHash)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListSigningKeys(context.Context) ([]keys.StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keys.StoredKey, len(s.signingKeys))
	copy(out, s.signingKeys)
	return out, nil
}

func (s *Store) SaveSigningKey(_ context.Context, k keys.StoredKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signingKeys = append(s.signingKeys, k)
	return nil
}

func (s *Store) RetireSigningKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.signingKeys {
		if s.signingKeys[i].ID == id && s.signingKeys[i].RetiredAt == nil {
			ts := at
			s.signingKeys[i].RetiredAt = &ts
			return nil
		}
	}
	return auth.ErrNotFound
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMembership(m auth.Membership) auth.Membership {
	if m.Permissions != nil {
		perms := make([]string, len(m.Permissions))
		copy(perms, m.Permissions)
		m.Permissions = perms
	}
	return m
}
