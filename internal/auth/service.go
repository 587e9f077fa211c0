package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowbit.dev/internal/obs"
)

const (
	defaultAccessTTL        = 15 * time.Minute
	defaultRefreshTTL       = 7 * 24 * time.Hour
	defaultMaxRefreshTokens = 5
)

// Service owns credential checks and the token lifecycle.
type Service struct {
	users  UserStore
	now    func() time.Time
	logger *zap.Logger

	accessSecret     string
	refreshSecret    string
	accessTTL        time.Duration
	refreshTTL       time.Duration
	maxRefreshTokens int

	tokens *TokenIssuer
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithRefreshSecret signs refresh tokens with a distinct secret.
func WithRefreshSecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.refreshSecret = strings.TrimSpace(secret)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithMaxRefreshTokens bounds the outstanding refresh tokens per user.
func WithMaxRefreshTokens(n int) ServiceOption {
	return func(s *Service) error {
		if n < 1 {
			return errors.New("auth: max refresh tokens must be at least 1")
		}
		s.maxRefreshTokens = n
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewService constructs Service. accessSecret is required.
func NewService(users UserStore, accessSecret string, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	svc := &Service{
		users:            users,
		now:              time.Now,
		logger:           obs.Logger(),
		accessSecret:     accessSecret,
		accessTTL:        defaultAccessTTL,
		refreshTTL:       defaultRefreshTTL,
		maxRefreshTokens: defaultMaxRefreshTokens,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	issuer, err := NewTokenIssuer(svc.accessSecret, svc.refreshSecret, svc.accessTTL, svc.refreshTTL, svc.now)
	if err != nil {
		return nil, err
	}
	svc.tokens = issuer
	return svc, nil
}

// RegisterInput carries the fields of a new account.
type RegisterInput struct {
	Email      string
	Password   string
	Name       string
	Role       Role
	CustomerID string
}

// Register creates an account and logs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (TokenPair, User, error) {
	email := NormalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	customerID := strings.TrimSpace(in.CustomerID)
	if in.Role == "" {
		in.Role = RoleUser
	}
	if email == "" || name == "" || customerID == "" || !in.Role.Valid() || len(in.Password) < MinPasswordLength {
		return TokenPair{}, User{}, ErrInvalidInput
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return TokenPair{}, User{}, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         in.Role,
		CustomerID:   customerID,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return TokenPair{}, User{}, err
	}
	pair, err := s.IssueTokenPair(ctx, u)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	return pair, *u, nil
}

// Login checks credentials and issues a pair. Unknown email, inactive user and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, User, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, User{}, ErrInvalidCredentials
	}
	u, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, User{}, ErrInvalidCredentials
		}
		return TokenPair{}, User{}, err
	}
	if !u.IsActive {
		return TokenPair{}, User{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return TokenPair{}, User{}, ErrInvalidCredentials
	}
	pair, err := s.IssueTokenPair(ctx, u)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	return pair, *u, nil
}

// IssueTokenPair mints a pair and records the refresh token on the user.
func (s *Service) IssueTokenPair(ctx context.Context, u *User) (TokenPair, error) {
	pair, err := s.tokens.Issue(u)
	if err != nil {
		return TokenPair{}, err
	}
	rec := RefreshToken{Token: pair.RefreshToken, CreatedAt: pair.IssuedAt}
	if err := s.users.AppendRefreshToken(ctx, u.ID, rec, s.maxRefreshTokens, s.refreshCutoff()); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// Rotate exchanges an outstanding refresh token for a new pair. The old token
// is unusable afterwards; of two concurrent rotations with the same token at
// most one succeeds.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (TokenPair, User, error) {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, User{}, ErrInvalidRefreshToken
	}
	u, err := s.users.FindUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, User{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, User{}, err
	}
	if !u.IsActive || !u.HasRefreshToken(refreshToken) {
		return TokenPair{}, User{}, ErrInvalidRefreshToken
	}

	pair, err := s.tokens.Issue(u)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	next := RefreshToken{Token: pair.RefreshToken, CreatedAt: pair.IssuedAt}
	if err := s.users.RotateRefreshToken(ctx, u.ID, refreshToken, next, s.maxRefreshTokens, s.refreshCutoff()); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return TokenPair{}, User{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, User{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return pair, *u, nil
}

// Revoke removes the refresh token from its owner. It never fails: unknown,
// expired or malformed tokens are ignored.
func (s *Service) Revoke(ctx context.Context, refreshToken string) {
	if strings.TrimSpace(refreshToken) == "" {
		return
	}
	claims, err := s.tokens.peekRefresh(refreshToken)
	if err != nil {
		return
	}
	if err := s.users.RemoveRefreshToken(ctx, claims.UserID, refreshToken); err != nil {
		s.logger.Warn("revoke refresh token failed", zap.String("user_id", claims.UserID), zap.Error(err))
	}
}

// AuthenticateAccess validates an access token and loads its active owner.
func (s *Service) AuthenticateAccess(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.ParseAccess(token)
	if err != nil {
		return Principal{}, err
	}
	u, err := s.users.FindUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if !u.IsActive {
		return Principal{}, ErrInactiveUser
	}
	return PrincipalFor(u), nil
}

// User loads a user by id.
func (s *Service) User(ctx context.Context, id string) (User, error) {
	u, err := s.users.FindUserByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// ListUsers returns the users of the principal's tenant.
func (s *Service) ListUsers(ctx context.Context, p Principal) ([]User, error) {
	return s.users.ListUsers(ctx, p.CustomerID)
}

// CountUsers counts the users of the principal's tenant.
func (s *Service) CountUsers(ctx context.Context, p Principal) (int, error) {
	return s.users.CountUsers(ctx, p.CustomerID)
}

func (s *Service) refreshCutoff() time.Time {
	return s.now().UTC().Add(-s.refreshTTL)
}
