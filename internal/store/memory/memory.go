// Package memory holds process-local stores used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"agrivet.store/internal/auth"
)

// Identities is an in-memory auth.IdentityStore.
type Identities struct {
	mu      sync.RWMutex
	byID    map[string]*auth.Identity
	byEmail map[string]string
	now     func() time.Time
}

var _ auth.IdentityStore = (*Identities)(nil)

// NewIdentities returns an empty identity store.
func NewIdentities() *Identities {
	return &Identities{
		byID:    map[string]*auth.Identity{},
		byEmail: map[string]string{},
		now:     time.Now,
	}
}

func (s *Identities) Create(_ context.Context, ident *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[ident.Email]; ok {
		return auth.ErrConflict
	}
	if _, ok := s.byID[ident.ID]; ok {
		return auth.ErrConflict
	}
	cp := *ident
	s.byID[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	return nil
}

func (s *Identities) Find(_ context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s *Identities) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	s.mu.RLock()
	id, ok := s.byEmail[email]
	s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s *Identities) List(_ context.Context, branchID string) ([]*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auth.Identity, 0, len(s.byID))
	for _, ident := range s.byID {
		if branchID != "" && ident.BranchID != branchID {
			continue
		}
		cp := *ident
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Identities) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return s.update(id, func(ident *auth.Identity) { ident.PasswordHash = passwordHash })
}

func (s *Identities) UpdateAccess(_ context.Context, id string, role auth.Role, branchID string) error {
	return s.update(id, func(ident *auth.Identity) {
		ident.Role = role
		ident.BranchID = branchID
	})
}

func (s *Identities) SetStatus(_ context.Context, id, status string) error {
	return s.update(id, func(ident *auth.Identity) { ident.Status = status })
}

func (s *Identities) update(id string, fn func(*auth.Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(ident)
	ident.UpdatedAt = s.now().UTC()
	return nil
}

// RefreshTokens is an in-memory auth.RefreshTokenStore.
type RefreshTokens struct {
	mu     sync.Mutex
	tokens map[string]*auth.RefreshToken
	now    func() time.Time
}

var _ auth.RefreshTokenStore = (*RefreshTokens)(nil)

// NewRefreshTokens returns an empty allow-list.
func NewRefreshTokens() *RefreshTokens {
	return &RefreshTokens{tokens: map[string]*auth.RefreshToken{}, now: time.Now}
}

func (s *RefreshTokens) Create(_ context.Context, tok *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.ID]; ok {
		return auth.ErrConflict
	}
	cp := *tok
	s.tokens[cp.ID] = &cp
	return nil
}

func (s *RefreshTokens) Find(_ context.Context, id string) (*auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *RefreshTokens) Consume(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok || tok.Revoked() {
		return auth.ErrNotFound
	}
	now := s.now().UTC()
	tok.RevokedAt = &now
	return nil
}

func (s *RefreshTokens) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[id]; ok && !tok.Revoked() {
		now := s.now().UTC()
		tok.RevokedAt = &now
	}
	return nil
}

func (s *RefreshTokens) RevokeAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, tok := range s.tokens {
		if tok.UserID == userID && !tok.Revoked() {
			revokedAt := now
			tok.RevokedAt = &revokedAt
		}
	}
	return nil
}

// DeleteExpired drops records whose natural expiry is before cutoff.
func (s *RefreshTokens) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tok := range s.tokens {
		if tok.ExpiresAt.Before(cutoff) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}
