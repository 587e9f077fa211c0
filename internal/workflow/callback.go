package workflow

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowbit.dev/internal/obs"
	"flowbit.dev/internal/tickets"
)

var (
	ErrUnauthorized    = errors.New("invalid webhook secret")
	ErrMissingTicketID = errors.New("ticketId is required")
	ErrInvalidStatus   = errors.New("invalid ticket status")
	ErrNoExecution     = errors.New("ticket has no workflow execution")
)

const defaultResultMessage = "Processing completed"

// Result is the engine's summary of a run.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CallbackRequest is the body the engine posts when a run finishes.
type CallbackRequest struct {
	TicketID       string  `json:"ticketId"`
	Status         string  `json:"status,omitempty"`
	WorkflowResult *Result `json:"workflowResult,omitempty"`
	ExecutionID    string  `json:"executionId,omitempty"`
}

// CallbackResult describes what a callback did.
type CallbackResult struct {
	TicketID  string
	Status    tickets.Status
	Duplicate bool
	Ticket    tickets.Ticket
}

// Callbacks authenticates and applies engine callbacks. It reaches tickets of
// every tenant by id.
type Callbacks struct {
	secretDigest [sha256.Size]byte
	store        tickets.WorkflowStore
	now          func() time.Time
	logger       *zap.Logger
}

// NewCallbacks builds a handler guarded by the shared secret.
func NewCallbacks(secret string, store tickets.WorkflowStore, logger *zap.Logger) (*Callbacks, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("workflow: webhook secret is required")
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &Callbacks{
		secretDigest: sha256.Sum256([]byte(secret)),
		store:        store,
		now:          time.Now,
		logger:       logger,
	}, nil
}

// Authorized compares provided with the secret in constant time.
func (c *Callbacks) Authorized(provided string) bool {
	got := sha256.Sum256([]byte(provided))
	return subtle.ConstantTimeCompare(got[:], c.secretDigest[:]) == 1
}

// Handle validates and applies one callback. Checks run in order: secret,
// ticket id, status value, ticket existence. Nothing is written on failure.
func (c *Callbacks) Handle(ctx context.Context, providedSecret string, req CallbackRequest) (CallbackResult, error) {
	if !c.Authorized(providedSecret) {
		obs.RecordCallback("unauthorized")
		return CallbackResult{}, ErrUnauthorized
	}
	ticketID := strings.TrimSpace(req.TicketID)
	if ticketID == "" {
		obs.RecordCallback("invalid")
		return CallbackResult{}, ErrMissingTicketID
	}
	status, err := resolveStatus(req)
	if err != nil {
		obs.RecordCallback("invalid")
		return CallbackResult{}, err
	}

	now := c.now().UTC()
	message := defaultResultMessage
	if req.WorkflowResult != nil && strings.TrimSpace(req.WorkflowResult.Message) != "" {
		message = strings.TrimSpace(req.WorkflowResult.Message)
	}
	t, duplicate, err := c.store.ApplyCallback(ctx, ticketID, tickets.Completion{
		Status:      status,
		ExecutionID: strings.TrimSpace(req.ExecutionID),
		Comment:     tickets.SystemComment("Workflow completed: "+message, now),
		At:          now,
	})
	if err != nil {
		if errors.Is(err, tickets.ErrNotFound) {
			obs.RecordCallback("not_found")
		} else {
			obs.RecordCallback("error")
		}
		return CallbackResult{}, err
	}

	if duplicate {
		obs.RecordCallback("duplicate")
		c.logger.Info("duplicate workflow callback ignored",
			zap.String("ticket_id", ticketID),
			zap.String("execution_id", req.ExecutionID),
		)
	} else {
		obs.RecordCallback("applied")
		c.logger.Info("workflow callback applied",
			zap.String("ticket_id", ticketID),
			zap.String("status", string(t.Status)),
			zap.String("workflow_status", string(t.WorkflowStatus)),
		)
	}
	return CallbackResult{TicketID: ticketID, Status: t.Status, Duplicate: duplicate, Ticket: t}, nil
}

func resolveStatus(req CallbackRequest) (tickets.Status, error) {
	if s := strings.TrimSpace(req.Status); s != "" {
		st := tickets.Status(s)
		if !st.Valid() {
			return "", ErrInvalidStatus
		}
		return st, nil
	}
	if req.WorkflowResult != nil && req.WorkflowResult.Success {
		return tickets.StatusInProgress, nil
	}
	return tickets.StatusOpen, nil
}
