package auth

import "errors"

var (
	ErrNotFound            = errors.New("auth: not found")
	ErrAlreadyExists       = errors.New("auth: user already exists")
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrTokenExpired        = errors.New("auth: token expired")
	ErrWrongTokenType      = errors.New("auth: wrong token type")
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrInactiveUser        = errors.New("auth: user is inactive")
)
