package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/tickets"
)

// Machine-readable error kinds carried in the "code" field.
const (
	codeUnauthenticated = "Unauthenticated"
	codeTokenExpired    = "TOKEN_EXPIRED"
	codeForbidden       = "Forbidden"
	codeNotFound        = "NotFound"
	codeValidation      = "ValidationError"
	codeConflict        = "Conflict"
	codeRateLimited     = "RATE_LIMITED"
	codeInternal        = "Internal"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func writeValidation(w http.ResponseWriter, r *http.Request, msg string, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:     msg,
		Code:      codeValidation,
		RequestID: RequestIDFromContext(r.Context()),
		Fields:    fields,
	})
}

// writeServiceError maps domain sentinels onto the HTTP error taxonomy.
// Anything unrecognised is logged and reported as a generic 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tickets.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "Ticket not found")
	case errors.Is(err, tickets.ErrInvalidInput), errors.Is(err, auth.ErrInvalidInput):
		writeValidation(w, r, "Validation failed", nil)
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, codeConflict, "User already exists")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Invalid credentials")
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Invalid refresh token")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, codeTokenExpired, "Token expired")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongTokenType), errors.Is(err, auth.ErrInactiveUser):
		writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Invalid token")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "User not found")
	default:
		a.logger.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "Internal server error")
	}
}

// decodeJSON reads exactly one JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// decodeLenient accepts unknown fields; the workflow engine adds its own.
func decodeLenient(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return decodeError(err)
	}
	return nil
}

func decodeError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return errors.New("request body is required")
	case errors.As(err, &maxErr):
		return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return fmt.Errorf("unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
	default:
		return errors.New("invalid JSON body")
	}
}
