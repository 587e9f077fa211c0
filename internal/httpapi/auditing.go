package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flowbit.dev/internal/audit"
	"flowbit.dev/internal/auth"
)

type auditTargetKey struct{}

// auditTarget lets a handler name the resource it created after the fact.
type auditTarget struct {
	resourceID string
}

func setAuditResource(r *http.Request, id string) {
	if t, ok := r.Context().Value(auditTargetKey{}).(*auditTarget); ok {
		t.resourceID = id
	}
}

// audited records action for the authenticated caller once the wrapped
// handler answered with a non-error status. Recording never affects the response.
func (a *API) audited(action, resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := captureBody(r)
			target := &auditTarget{}
			r = r.WithContext(context.WithValue(r.Context(), auditTargetKey{}, target))

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.code >= http.StatusBadRequest {
				return
			}
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				return
			}

			resourceID := target.resourceID
			if resourceID == "" {
				resourceID = chi.URLParam(r, "id")
			}
			details := map[string]any{
				"method": r.Method,
				"url":    r.URL.RequestURI(),
			}
			if body != nil {
				details["body"] = body
			}
			a.audit.Record(r.Context(), audit.Entry{
				Action:       action,
				UserID:       p.UserID,
				CustomerID:   p.CustomerID,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Details:      details,
				IPAddress:    clientIP(r),
				UserAgent:    r.UserAgent(),
			})
		})
	}
}

// captureBody decodes a JSON request body for the audit details and restores
// it for the handler. Non-JSON and oversized bodies are not captured.
func captureBody(r *http.Request) any {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodDelete {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 || len(raw) > maxBodyBytes {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
