package tickets

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowbit.dev/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu        sync.RWMutex
	tickets   map[string]*Ticket
	processed map[string]map[string]struct{} // ticket id -> applied execution ids
}

// NewInMemory creates an empty ticket store.
func NewInMemory() *InMemory {
	return &InMemory{
		tickets:   make(map[string]*Ticket),
		processed: make(map[string]map[string]struct{}),
	}
}

func (s *InMemory) Create(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	stored := t.Clone()
	s.tickets[t.ID] = &stored
	return nil
}

func (s *InMemory) Get(ctx context.Context, customerID, id string) (Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.scoped(customerID, id)
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *InMemory) List(ctx context.Context, customerID string, f Filter) ([]Ticket, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Ticket
	for _, t := range s.tickets {
		if t.CustomerID != customerID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	out := make([]Ticket, 0, end-start)
	for _, t := range matched[start:end] {
		out = append(out, t.Clone())
	}
	return out, total, nil
}

func (s *InMemory) Update(ctx context.Context, customerID, id string, patch Patch, at time.Time) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.scoped(customerID, id)
	if !ok {
		return Ticket{}, ErrNotFound
	}
	patch.Apply(t)
	t.UpdatedAt = at
	return t.Clone(), nil
}

func (s *InMemory) Delete(ctx context.Context, customerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scoped(customerID, id); !ok {
		return ErrNotFound
	}
	delete(s.tickets, id)
	delete(s.processed, id)
	return nil
}

func (s *InMemory) AddComment(ctx context.Context, customerID, id string, c Comment) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.scoped(customerID, id)
	if !ok {
		return Ticket{}, ErrNotFound
	}
	t.Comments = append(t.Comments, c)
	t.UpdatedAt = c.CreatedAt
	return t.Clone(), nil
}

func (s *InMemory) Count(ctx context.Context, customerID string, status Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tickets {
		if t.CustomerID == customerID && (status == "" || t.Status == status) {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) GetByID(ctx context.Context, id string) (Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *InMemory) ClaimTrigger(ctx context.Context, id string, attempts int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.TriggerState == TriggerAcknowledged || t.TriggerAttempts != attempts {
		return false, nil
	}
	t.TriggerAttempts++
	stamp := at
	t.LastTriggerAt = &stamp
	return true, nil
}

func (s *InMemory) RecordTrigger(ctx context.Context, id string, out TriggerOutcome) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, false, ErrNotFound
	}
	if t.TriggerState == TriggerAcknowledged {
		return t.Clone(), false, nil
	}
	applyTriggerOutcome(t, out)
	return t.Clone(), true, nil
}

func (s *InMemory) ApplyCallback(ctx context.Context, id string, c Completion) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, false, ErrNotFound
	}
	if c.ExecutionID != "" {
		seen := s.processed[id]
		if _, dup := seen[c.ExecutionID]; dup {
			return t.Clone(), true, nil
		}
		if seen == nil {
			seen = make(map[string]struct{})
			s.processed[id] = seen
		}
		seen[c.ExecutionID] = struct{}{}
	}
	applyCompletion(t, c)
	return t.Clone(), false, nil
}

func (s *InMemory) ListStaleTriggers(ctx context.Context, before time.Time, limit int) ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ticket
	for _, t := range s.tickets {
		if isStale(t, before) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) MarkWorkflowFailed(ctx context.Context, id string, c Comment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.TriggerState == TriggerAcknowledged || t.WorkflowStatus == WorkflowCompleted {
		return false, nil
	}
	t.WorkflowStatus = WorkflowFailed
	t.Comments = append(t.Comments, c)
	t.UpdatedAt = c.CreatedAt
	return true, nil
}

func (s *InMemory) scoped(customerID, id string) (*Ticket, bool) {
	t, ok := s.tickets[id]
	if !ok || t.CustomerID != customerID {
		return nil, false
	}
	return t, true
}

func applyTriggerOutcome(t *Ticket, out TriggerOutcome) {
	if out.Err != "" {
		t.TriggerState = TriggerNotSent
		t.LastTriggerError = out.Err
	} else {
		t.TriggerState = TriggerSent
		t.LastTriggerError = ""
		t.WorkflowStatus = WorkflowProcessing
		if out.ExecutionID != "" {
			t.WorkflowID = out.ExecutionID
		}
	}
	t.UpdatedAt = out.At
}

func applyCompletion(t *Ticket, c Completion) {
	t.WorkflowStatus = WorkflowCompleted
	if c.ExecutionID != "" {
		t.WorkflowID = c.ExecutionID
	}
	t.Status = c.Status
	t.Comments = append(t.Comments, c.Comment)
	t.TriggerState = TriggerAcknowledged
	t.LastTriggerError = ""
	t.UpdatedAt = c.At
}

func isStale(t *Ticket, before time.Time) bool {
	if t.TriggerState == TriggerAcknowledged {
		return false
	}
	if t.WorkflowStatus == WorkflowCompleted || t.WorkflowStatus == WorkflowFailed {
		return false
	}
	last := t.CreatedAt
	if t.LastTriggerAt != nil {
		last = *t.LastTriggerAt
	}
	return last.Before(before)
}
