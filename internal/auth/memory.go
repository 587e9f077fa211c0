package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowbit.dev/internal/ids"
)

var _ UserStore = (*InMemoryUsers)(nil)

// InMemoryUsers implements UserStore with in-process concurrency safety.
type InMemoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewInMemoryUsers creates an empty user store.
func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (s *InMemoryUsers) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := NormalizeEmail(u.Email)
	if _, exists := s.byEmail[email]; exists {
		return ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	u.Email = email

	stored := cloneUser(u)
	s.byID[u.ID] = stored
	s.byEmail[email] = u.ID
	return nil
}

func (s *InMemoryUsers) FindUserByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *InMemoryUsers) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *InMemoryUsers) ListUsers(ctx context.Context, customerID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.byID {
		if u.CustomerID == customerID {
			out = append(out, *cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryUsers) CountUsers(ctx context.Context, customerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.byID {
		if u.CustomerID == customerID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryUsers) AppendRefreshToken(ctx context.Context, userID string, tok RefreshToken, max int, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	u.RefreshTokens = PushRefreshToken(u.RefreshTokens, tok, max, notBefore)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryUsers) RotateRefreshToken(ctx context.Context, userID, old string, next RefreshToken, max int, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return ErrInvalidRefreshToken
	}
	remaining, found := RemoveRefreshToken(u.RefreshTokens, old)
	if !found {
		return ErrInvalidRefreshToken
	}
	u.RefreshTokens = PushRefreshToken(remaining, next, max, notBefore)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryUsers) RemoveRefreshToken(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return nil
	}
	remaining, found := RemoveRefreshToken(u.RefreshTokens, token)
	if found {
		u.RefreshTokens = remaining
		u.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func cloneUser(u *User) *User {
	out := *u
	out.RefreshTokens = append([]RefreshToken(nil), u.RefreshTokens...)
	return &out
}
