package tickets

import (
	"context"
	"time"
)

// Store persists tickets. Tenant-facing methods take customerID and must treat
// a ticket of another tenant exactly like a missing one.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, customerID, id string) (Ticket, error)
	List(ctx context.Context, customerID string, f Filter) ([]Ticket, int, error)
	Update(ctx context.Context, customerID, id string, patch Patch, at time.Time) (Ticket, error)
	Delete(ctx context.Context, customerID, id string) error
	AddComment(ctx context.Context, customerID, id string, c Comment) (Ticket, error)
	Count(ctx context.Context, customerID string, status Status) (int, error)

	WorkflowStore
}

// WorkflowStore is the system-to-system surface used by the workflow
// dispatcher and callback. It is not tenant filtered.
type WorkflowStore interface {
	GetByID(ctx context.Context, id string) (Ticket, error)
	// ClaimTrigger bumps TriggerAttempts from attempts to attempts+1 and stamps
	// LastTriggerAt. It returns false if another caller already claimed that
	// attempt or the ticket was acknowledged.
	ClaimTrigger(ctx context.Context, id string, attempts int, at time.Time) (bool, error)
	// RecordTrigger stores the engine answer unless a callback already
	// acknowledged the ticket, in which case it returns false.
	RecordTrigger(ctx context.Context, id string, out TriggerOutcome) (Ticket, bool, error)
	// ApplyCallback applies c atomically. duplicate is true when c.ExecutionID
	// was already applied; the ticket is then returned unchanged.
	ApplyCallback(ctx context.Context, id string, c Completion) (t Ticket, duplicate bool, err error)
	// ListStaleTriggers returns unacknowledged tickets whose last attempt (or
	// creation) is older than before.
	ListStaleTriggers(ctx context.Context, before time.Time, limit int) ([]Ticket, error)
	// MarkWorkflowFailed gives up on the workflow unless it was acknowledged.
	MarkWorkflowFailed(ctx context.Context, id string, c Comment) (bool, error)
}
