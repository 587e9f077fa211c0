package tickets

import (
	"errors"
	"time"
)

// Status is the support lifecycle state of a ticket. Any value may follow any other.
type Status string

const (
	StatusOpen         Status = "open"
	StatusInProgress   Status = "in-progress"
	StatusResolved     Status = "resolved"
	StatusClosed       Status = "closed"
	StatusEscalated    Status = "escalated"
	StatusAcknowledged Status = "acknowledged"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed, StatusEscalated, StatusAcknowledged:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// WorkflowStatus tracks the external automation run for a ticket.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowProcessing WorkflowStatus = "processing"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// TriggerState records whether the engine was notified and whether it answered.
type TriggerState string

const (
	TriggerNotSent      TriggerState = "not_sent"
	TriggerSent         TriggerState = "sent"
	TriggerAcknowledged TriggerState = "acknowledged"
)

// Comment is one entry of a ticket conversation. A nil Author marks a system comment.
type Comment struct {
	Text      string    `json:"text"`
	Author    *string   `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// SystemComment builds a comment without a human author.
func SystemComment(text string, at time.Time) Comment {
	return Comment{Text: text, CreatedAt: at}
}

// Ticket is a support request owned by exactly one tenant.
type Ticket struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Status         Status         `json:"status"`
	Priority       Priority       `json:"priority"`
	CustomerID     string         `json:"customerId"`
	CreatedBy      string         `json:"createdBy"`
	AssignedTo     *string        `json:"assignedTo"`
	WorkflowID     string         `json:"workflowId,omitempty"`
	WorkflowStatus WorkflowStatus `json:"workflowStatus"`
	Comments       []Comment      `json:"comments"`
	Tags           []string       `json:"tags"`

	TriggerState     TriggerState `json:"triggerState"`
	TriggerAttempts  int          `json:"triggerAttempts"`
	LastTriggerAt    *time.Time   `json:"lastTriggerAt,omitempty"`
	LastTriggerError string       `json:"lastTriggerError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so stores never hand out shared slices.
func (t Ticket) Clone() Ticket {
	out := t
	out.Comments = append([]Comment(nil), t.Comments...)
	out.Tags = append([]string(nil), t.Tags...)
	if t.AssignedTo != nil {
		v := *t.AssignedTo
		out.AssignedTo = &v
	}
	if t.LastTriggerAt != nil {
		v := *t.LastTriggerAt
		out.LastTriggerAt = &v
	}
	return out
}

// Filter narrows a tenant's ticket list. Page is 1-based.
type Filter struct {
	Status   Status
	Priority Priority
	Page     int
	Limit    int
}

// Offset returns the number of rows to skip.
func (f Filter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// Page is one page of tickets, newest first.
type Page struct {
	Tickets     []Ticket `json:"tickets"`
	TotalPages  int      `json:"totalPages"`
	CurrentPage int      `json:"currentPage"`
	Total       int      `json:"total"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title       *string
	Description *string
	Status      *Status
	Priority    *Priority
	AssignedTo  *string
	Tags        *[]string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.AssignedTo == nil && p.Tags == nil
}

// Apply mutates t in place with the non-nil fields.
func (p Patch) Apply(t *Ticket) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssignedTo != nil {
		v := *p.AssignedTo
		t.AssignedTo = &v
	}
	if p.Tags != nil {
		t.Tags = append([]string(nil), (*p.Tags)...)
	}
}

// TriggerOutcome is what the dispatcher learned from one engine call.
type TriggerOutcome struct {
	ExecutionID string
	Err         string
	At          time.Time
}

// Completion is the single atomic update applied by a workflow callback.
type Completion struct {
	Status      Status
	ExecutionID string
	Comment     Comment
	At          time.Time
}

// Stats summarises a tenant for the admin dashboard.
type Stats struct {
	TotalTickets int `json:"totalTickets"`
	OpenTickets  int `json:"openTickets"`
}

var (
	ErrNotFound     = errors.New("ticket not found")
	ErrInvalidInput = errors.New("invalid ticket input")
)
