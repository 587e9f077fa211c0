package httpapi

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"flowbit.dev/internal/tickets"
	"flowbit.dev/internal/workflow"
)

const webhookSecretHeader = "X-Webhook-Secret"

type callbackResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	TicketID  string         `json:"ticketId"`
	Status    tickets.Status `json:"status"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

// handleTicketDone applies a workflow completion. The secret is checked
// before the body is even read.
func (a *API) handleTicketDone(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(webhookSecretHeader)
	if !a.callbacks.Authorized(secret) {
		a.logger.Warn("webhook rejected", zap.String("remote_ip", clientIP(r)), zap.String("request_id", RequestIDFromContext(r.Context())))
		writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Invalid webhook secret")
		return
	}

	var req workflow.CallbackRequest
	if err := decodeLenient(w, r, &req); err != nil {
		writeValidation(w, r, err.Error(), nil)
		return
	}

	res, err := a.callbacks.Handle(r.Context(), secret, req)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrUnauthorized):
			writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "Invalid webhook secret")
		case errors.Is(err, workflow.ErrMissingTicketID):
			writeValidation(w, r, "ticketId is required", map[string]string{"ticketId": "is required"})
		case errors.Is(err, workflow.ErrInvalidStatus):
			writeValidation(w, r, "Invalid status", map[string]string{"status": "is not a known status"})
		default:
			a.writeServiceError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{
		Success:   true,
		Message:   "Ticket updated successfully",
		TicketID:  res.TicketID,
		Status:    res.Status,
		Duplicate: res.Duplicate,
	})
}

// handleWebhookTest echoes the payload so engine operators can check connectivity.
func (a *API) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var body any
	if err := decodeLenient(w, r, &body); err != nil {
		body = nil
	}
	a.logger.Info("webhook test received", zap.String("request_id", RequestIDFromContext(r.Context())))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Test webhook received",
		"timestamp": a.now().UTC().Format(time.RFC3339),
		"data":      body,
	})
}
