package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"flowbit.dev/internal/tickets"
	"flowbit.dev/internal/workflow"
)

type createTicketRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"required,max=5000"`
	Priority    string   `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	Tags        []string `json:"tags" validate:"max=20,dive,max=50"`
}

type updateTicketRequest struct {
	Title       *string   `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string   `json:"description" validate:"omitempty,min=1,max=5000"`
	Status      *string   `json:"status" validate:"omitempty,oneof=open in-progress resolved closed escalated acknowledged"`
	Priority    *string   `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	AssignedTo  *string   `json:"assignedTo" validate:"omitempty,max=100"`
	Tags        *[]string `json:"tags" validate:"omitempty,max=20,dive,max=50"`
}

type commentRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type workflowResponse struct {
	TicketID         string                 `json:"ticketId"`
	WorkflowID       string                 `json:"workflowId,omitempty"`
	WorkflowStatus   tickets.WorkflowStatus `json:"workflowStatus"`
	TriggerState     tickets.TriggerState   `json:"triggerState"`
	TriggerAttempts  int                    `json:"triggerAttempts"`
	LastTriggerError string                 `json:"lastTriggerError,omitempty"`
	Execution        *workflow.Execution    `json:"execution"`
}

func (a *API) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	page, err := parsePositiveInt(q.Get("page"), 1)
	if err != nil {
		fields["page"] = "must be a positive integer"
	}
	limit, err := parsePositiveInt(q.Get("limit"), tickets.DefaultPageSize)
	if err != nil {
		fields["limit"] = "must be a positive integer"
	}
	status := tickets.Status(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		fields["status"] = "is not a known status"
	}
	priority := tickets.Priority(strings.TrimSpace(q.Get("priority")))
	if priority != "" && !priority.Valid() {
		fields["priority"] = "is not a known priority"
	}
	if len(fields) > 0 {
		writeValidation(w, r, "Invalid query parameters", fields)
		return
	}

	res, err := a.tickets.List(r.Context(), principal(r), tickets.Filter{
		Status:   status,
		Priority: priority,
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := a.tickets.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error(), nil)
		return
	}
	if fields := validationFields(req); fields != nil {
		writeValidation(w, r, "Validation failed", fields)
		return
	}

	t, err := a.tickets.Create(r.Context(), principal(r), tickets.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    tickets.Priority(req.Priority),
		Tags:        req.Tags,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	setAuditResource(r, t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var req updateTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error(), nil)
		return
	}
	if fields := validationFields(req); fields != nil {
		writeValidation(w, r, "Validation failed", fields)
		return
	}

	patch := tickets.Patch{
		Title:       req.Title,
		Description: req.Description,
		AssignedTo:  req.AssignedTo,
		Tags:        req.Tags,
	}
	if req.Status != nil {
		s := tickets.Status(*req.Status)
		patch.Status = &s
	}
	if req.Priority != nil {
		p := tickets.Priority(*req.Priority)
		patch.Priority = &p
	}

	t, err := a.tickets.Update(r.Context(), principal(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	if err := a.tickets.Delete(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Ticket deleted successfully"})
}

func (a *API) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, r, err.Error(), nil)
		return
	}
	if fields := validationFields(req); fields != nil {
		writeValidation(w, r, "Validation failed", fields)
		return
	}

	t, err := a.tickets.AddComment(r.Context(), principal(r), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTicketWorkflow reports the stored trigger state and, when the engine
// answers, the live execution. Engine failures leave execution null.
func (a *API) handleTicketWorkflow(w http.ResponseWriter, r *http.Request) {
	t, err := a.tickets.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	res := workflowResponse{
		TicketID:         t.ID,
		WorkflowID:       t.WorkflowID,
		WorkflowStatus:   t.WorkflowStatus,
		TriggerState:     t.TriggerState,
		TriggerAttempts:  t.TriggerAttempts,
		LastTriggerError: t.LastTriggerError,
	}
	if a.workflow != nil {
		exec, err := a.workflow.Status(r.Context(), t)
		switch {
		case err == nil:
			res.Execution = &exec
		case errors.Is(err, workflow.ErrNoExecution):
		default:
			a.logger.Warn("workflow status lookup failed",
				zap.String("ticket_id", t.ID),
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Error(err),
			)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func parsePositiveInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return v, nil
}
