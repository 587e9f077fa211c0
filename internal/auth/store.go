package auth

import (
	"context"
	"time"
)

// UserStore persists users and their refresh-token lists. Every refresh-token
// mutation must be atomic per user record.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, customerID string) ([]User, error)
	CountUsers(ctx context.Context, customerID string) (int, error)

	// AppendRefreshToken pushes tok with PushRefreshToken semantics.
	AppendRefreshToken(ctx context.Context, userID string, tok RefreshToken, max int, notBefore time.Time) error
	// RotateRefreshToken removes old and pushes next in one step. It fails with
	// ErrInvalidRefreshToken when old is not outstanding.
	RotateRefreshToken(ctx context.Context, userID, old string, next RefreshToken, max int, notBefore time.Time) error
	// RemoveRefreshToken is a no-op when the token is unknown.
	RemoveRefreshToken(ctx context.Context, userID, token string) error
}
