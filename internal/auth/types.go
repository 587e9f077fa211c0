package auth

import (
	"strings"
	"time"
)

// Role is the coarse permission level of a user inside their tenant.
type Role string

const (
	RoleAdmin Role = "Admin"
	RoleUser  Role = "User"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User is a tenant member with a bcrypt hash and its outstanding refresh tokens.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	PasswordHash  string         `json:"-"`
	Name          string         `json:"name"`
	Role          Role           `json:"role"`
	CustomerID    string         `json:"customerId"`
	IsActive      bool           `json:"isActive"`
	RefreshTokens []RefreshToken `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// HasRefreshToken reports whether token is among the outstanding refresh tokens.
func (u *User) HasRefreshToken(token string) bool {
	for _, rt := range u.RefreshTokens {
		if rt.Token == token {
			return true
		}
	}
	return false
}

// RefreshToken is one outstanding refresh credential. It expires a refresh TTL after CreatedAt.
type RefreshToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	IssuedAt         time.Time
}

// Principal is the authenticated caller. Tenant scoping always derives from it.
type Principal struct {
	UserID     string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	CustomerID string `json:"customerId"`
}

// IsAdmin reports whether the principal holds the Admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// PrincipalFor projects a user onto the fields carried through request contexts.
func PrincipalFor(u *User) Principal {
	return Principal{
		UserID:     u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       u.Role,
		CustomerID: u.CustomerID,
	}
}

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PushRefreshToken appends tok, drops tokens created before notBefore, and keeps at most max entries
// by evicting the oldest. The input slice is not modified.
func PushRefreshToken(list []RefreshToken, tok RefreshToken, max int, notBefore time.Time) []RefreshToken {
	out := make([]RefreshToken, 0, len(list)+1)
	for _, rt := range list {
		if !notBefore.IsZero() && rt.CreatedAt.Before(notBefore) {
			continue
		}
		out = append(out, rt)
	}
	if max < 1 {
		max = 1
	}
	if len(out) >= max {
		out = out[len(out)-(max-1):]
	}
	return append(out, tok)
}

// RemoveRefreshToken returns list without token and whether it was present.
func RemoveRefreshToken(list []RefreshToken, token string) ([]RefreshToken, bool) {
	out := make([]RefreshToken, 0, len(list))
	found := false
	for _, rt := range list {
		if rt.Token == token {
			found = true
			continue
		}
		out = append(out, rt)
	}
	return out, found
}
