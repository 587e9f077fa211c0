package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"flowbit.dev/internal/ids"
)

const (
	defaultIssuer = "flowbit"

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	refreshNonceSuffix = "_refresh"
)

// Claims is the JWT payload shared by access and refresh tokens.
// CustomerID and Role are only present on access tokens.
type Claims struct {
	UserID     string `json:"userId"`
	CustomerID string `json:"customerId,omitempty"`
	Role       Role   `json:"role,omitempty"`
	Type       string `json:"type"`
	Nonce      string `json:"nonce"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens with separate access and refresh secrets.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenIssuer builds an issuer. An empty refreshSecret reuses accessSecret.
func NewTokenIssuer(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, now func() time.Time) (*TokenIssuer, error) {
	accessSecret = strings.TrimSpace(accessSecret)
	if accessSecret == "" {
		return nil, errors.New("auth: access token secret is required")
	}
	if strings.TrimSpace(refreshSecret) == "" {
		refreshSecret = accessSecret
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("auth: token ttl must be greater than zero")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        defaultIssuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           now,
	}, nil
}

// Issue mints a fresh access/refresh pair for the user.
func (t *TokenIssuer) Issue(u *User) (TokenPair, error) {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return TokenPair{}, errors.New("auth: user id is required")
	}
	now := t.now().UTC()
	nonce := ids.Nonce()

	accessExp := now.Add(t.accessTTL)
	access, err := t.sign(Claims{
		UserID:           u.ID,
		CustomerID:       u.CustomerID,
		Role:             u.Role,
		Type:             TokenTypeAccess,
		Nonce:            nonce,
		RegisteredClaims: t.registered(u.ID, now, accessExp),
	}, t.accessSecret)
	if err != nil {
		return TokenPair{}, err
	}

	refreshExp := now.Add(t.refreshTTL)
	refresh, err := t.sign(Claims{
		UserID:           u.ID,
		Type:             TokenTypeRefresh,
		Nonce:            nonce + refreshNonceSuffix,
		RegisteredClaims: t.registered(u.ID, now, refreshExp),
	}, t.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		IssuedAt:         now,
	}, nil
}

func (t *TokenIssuer) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
}

func (t *TokenIssuer) sign(claims Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", claims.Type, err)
	}
	return signed, nil
}

// ParseAccess verifies an access token. The errors are ErrInvalidToken,
// ErrTokenExpired and ErrWrongTokenType.
func (t *TokenIssuer) ParseAccess(token string) (*Claims, error) {
	claims, err := t.parse(token, true)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	if strings.TrimSpace(claims.CustomerID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token. Every failure collapses to ErrInvalidRefreshToken.
func (t *TokenIssuer) ParseRefresh(token string) (*Claims, error) {
	claims, err := t.parse(token, true)
	if err != nil || claims.Type != TokenTypeRefresh {
		return nil, ErrInvalidRefreshToken
	}
	return claims, nil
}

// peekRefresh checks the signature but not the expiry, for best-effort revocation.
func (t *TokenIssuer) peekRefresh(token string) (*Claims, error) {
	claims, err := t.parse(token, false)
	if err != nil || claims.Type != TokenTypeRefresh {
		return nil, ErrInvalidRefreshToken
	}
	return claims, nil
}

// parse selects the secret from the unverified type claim, so a refresh token
// presented as an access token verifies and then fails the type check.
func (t *TokenIssuer) parse(token string, validateTimes bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	}
	if validateTimes {
		opts = append(opts, jwt.WithExpirationRequired(), jwt.WithIssuedAt(), jwt.WithLeeway(5*time.Second))
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		c, ok := tok.Claims.(*Claims)
		if !ok {
			return nil, ErrInvalidToken
		}
		if c.Type == TokenTypeRefresh {
			return t.refreshSecret, nil
		}
		return t.accessSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.UserID != claims.Subject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
