package tickets

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/ids"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Notifier is told about every created ticket. It must return promptly and
// record its own outcome; errors never reach the creator.
type Notifier interface {
	TicketCreated(ctx context.Context, t Ticket)
}

// Service applies the principal's tenant to every ticket operation.
type Service struct {
	store    Store
	notifier Notifier
	policy   *bluemonday.Policy
	now      func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithNotifier sets the workflow notifier called after Create.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: bluemonday.StrictPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput is a new ticket as submitted by a tenant user.
type CreateInput struct {
	Title       string
	Description string
	Priority    Priority
	Tags        []string
}

// List returns one page of the principal's tickets, newest first.
func (s *Service) List(ctx context.Context, p auth.Principal, f Filter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if (f.Status != "" && !f.Status.Valid()) || (f.Priority != "" && !f.Priority.Valid()) {
		return Page{}, ErrInvalidInput
	}
	items, total, err := s.store.List(ctx, p.CustomerID, f)
	if err != nil {
		return Page{}, fmt.Errorf("list tickets: %w", err)
	}
	if items == nil {
		items = []Ticket{}
	}
	return Page{
		Tickets:     items,
		TotalPages:  (total + f.Limit - 1) / f.Limit,
		CurrentPage: f.Page,
		Total:       total,
	}, nil
}

// Get returns a ticket of the principal's tenant. Malformed ids are not found.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (Ticket, error) {
	if !ids.Valid(id) {
		return Ticket{}, ErrNotFound
	}
	return s.store.Get(ctx, p.CustomerID, id)
}

// Create stores a new open ticket and hands it to the notifier. The returned
// ticket reflects whatever workflow state the notifier recorded.
func (s *Service) Create(ctx context.Context, p auth.Principal, in CreateInput) (Ticket, error) {
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return Ticket{}, ErrInvalidInput
	}
	now := s.now().UTC()
	t := Ticket{
		Title:          s.clean(in.Title),
		Description:    s.clean(in.Description),
		Status:         StatusOpen,
		Priority:       in.Priority,
		CustomerID:     p.CustomerID,
		CreatedBy:      p.UserID,
		WorkflowStatus: WorkflowPending,
		TriggerState:   TriggerNotSent,
		Comments:       []Comment{},
		Tags:           s.cleanTags(in.Tags),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Title == "" || t.Description == "" {
		return Ticket{}, ErrInvalidInput
	}
	if err := s.store.Create(ctx, &t); err != nil {
		return Ticket{}, fmt.Errorf("create ticket: %w", err)
	}

	if s.notifier != nil {
		s.notifier.TicketCreated(ctx, t)
		if fresh, err := s.store.Get(ctx, p.CustomerID, t.ID); err == nil {
			t = fresh
		}
	}
	return t, nil
}

// Update applies a partial update to a ticket of the principal's tenant.
func (s *Service) Update(ctx context.Context, p auth.Principal, id string, patch Patch) (Ticket, error) {
	if !ids.Valid(id) {
		return Ticket{}, ErrNotFound
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return Ticket{}, ErrInvalidInput
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return Ticket{}, ErrInvalidInput
	}
	if patch.Title != nil {
		v := s.clean(*patch.Title)
		if v == "" {
			return Ticket{}, ErrInvalidInput
		}
		patch.Title = &v
	}
	if patch.Description != nil {
		v := s.clean(*patch.Description)
		if v == "" {
			return Ticket{}, ErrInvalidInput
		}
		patch.Description = &v
	}
	if patch.Tags != nil {
		v := s.cleanTags(*patch.Tags)
		patch.Tags = &v
	}
	if patch.AssignedTo != nil {
		v := strings.TrimSpace(*patch.AssignedTo)
		patch.AssignedTo = &v
	}
	if patch.Empty() {
		return s.store.Get(ctx, p.CustomerID, id)
	}
	return s.store.Update(ctx, p.CustomerID, id, patch, s.now().UTC())
}

// Delete removes a ticket of the principal's tenant.
func (s *Service) Delete(ctx context.Context, p auth.Principal, id string) error {
	if !ids.Valid(id) {
		return ErrNotFound
	}
	return s.store.Delete(ctx, p.CustomerID, id)
}

// AddComment appends a comment authored by the principal.
func (s *Service) AddComment(ctx context.Context, p auth.Principal, id, text string) (Ticket, error) {
	if !ids.Valid(id) {
		return Ticket{}, ErrNotFound
	}
	text = s.clean(text)
	if text == "" {
		return Ticket{}, ErrInvalidInput
	}
	author := p.UserID
	return s.store.AddComment(ctx, p.CustomerID, id, Comment{
		Text:      text,
		Author:    &author,
		CreatedAt: s.now().UTC(),
	})
}

// Stats counts the principal tenant's tickets.
func (s *Service) Stats(ctx context.Context, p auth.Principal) (Stats, error) {
	total, err := s.store.Count(ctx, p.CustomerID, "")
	if err != nil {
		return Stats{}, err
	}
	open, err := s.store.Count(ctx, p.CustomerID, StatusOpen)
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalTickets: total, OpenTickets: open}, nil
}

func (s *Service) clean(v string) string {
	// Markup is stripped; entities are decoded back since responses are JSON.
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(v)))
}

func (s *Service) cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = s.clean(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
