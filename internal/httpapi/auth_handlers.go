package httpapi

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/limiter"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=6"`
	Name       string `json:"name" validate:"required,max=200"`
	Role       string `json:"role" validate:"omitempty,oneof=Admin User"`
	CustomerID string `json:"customerId" validate:"required,max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         auth.User `json:"user"`
}

func newTokenResponse(pair auth.TokenPair, u auth.User) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt,
		User:         u,
	}
}

func (a *API) handleAuthHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error(), nil)
		return
	}
	if fields := validationFields(req); fields != nil {
		writeValidation(w, r, "Validation failed", fields)
		return
	}

	email := auth.NormalizeEmail(req.Email)
	ipHash := limiter.HashIP(clientIP(r))
	if a.limiter != nil {
		allowed, wait, err := a.limiter.Allow(r.Context(), email, ipHash)
		if err != nil {
			a.logger.Warn("login limiter unavailable", zap.Error(err))
		} else if !allowed {
			a.writeLockedOut(w, r, wait)
			return
		}
	}

	pair, user, err := a.auth.Login(r.Context(), email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) && a.limiter != nil {
			blocked, wait, lerr := a.limiter.Failure(r.Context(), email, ipHash)
			if lerr != nil {
				a.logger.Warn("login limiter unavailable", zap.Error(lerr))
			} else if blocked {
				a.writeLockedOut(w, r, wait)
				return
			}
		}
		a.writeServiceError(w, r, err)
		return
	}
	if a.limiter != nil {
		if err := a.limiter.Success(r.Context(), email, ipHash); err != nil {
			a.logger.Warn("login limiter reset failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, user))
}

func (a *API) writeLockedOut(w http.ResponseWriter, r *http.Request, wait time.Duration) {
	w.Header().Set("Retry-After", retryAfter(wait))
	writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "Too many failed login attempts")
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error(), nil)
		return
	}
	if fields := validationFields(req); fields != nil {
		writeValidation(w, r, "Validation failed", fields)
		return
	}

	pair, user, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Email:      req.Email,
		Password:   req.Password,
		Name:       req.Name,
		Role:       auth.Role(req.Role),
		CustomerID: req.CustomerID,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTokenResponse(pair, user))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error(), nil)
		return
	}
	if fields := validationFields(req); fields != nil {
		writeValidation(w, r, "Refresh token required", fields)
		return
	}

	pair, user, err := a.auth.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, user))
}

// handleLogout always succeeds; an absent or unknown token is ignored.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	_ = decodeLenient(w, r, &req)
	a.auth.Revoke(r.Context(), req.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}
