package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"flowbit.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAuth resolves the bearer access token into a Principal on the
// request context. Expired tokens get a distinct code so clients can refresh.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Access token required")
			return
		}

		principal, err := a.auth.AuthenticateAccess(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				writeError(w, r, http.StatusUnauthorized, codeTokenExpired, "Token expired")
			case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongTokenType):
				writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Invalid token")
			case errors.Is(err, auth.ErrInactiveUser):
				writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "User not found or inactive")
			default:
				a.logger.Error("authentication error", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
				writeError(w, r, http.StatusInternalServerError, codeInternal, "Authentication error")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// requireAdmin must run after requireAuth.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Authentication required")
			return
		}
		if !p.IsAdmin() {
			writeError(w, r, http.StatusForbidden, codeForbidden, "Insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
