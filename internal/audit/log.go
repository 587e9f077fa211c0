// Package audit records an append-only trail of successful user actions.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowbit.dev/internal/ids"
	"flowbit.dev/internal/obs"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	UserID       string         `json:"userId"`
	CustomerID   string         `json:"customerId"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Details      map[string]any `json:"details"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Page is a slice of a tenant's trail, newest first.
type Page struct {
	Logs       []Entry `json:"logs"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	TotalPages int     `json:"totalPages"`
}

// Store persists entries. Implementations never modify an appended entry.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, customerID string, offset, limit int) ([]Entry, int, error)
}

// InMemory is a Store backed by a slice.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory { return &InMemory{} }

func (s *InMemory) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, cloneEntry(e))
	return nil
}

func (s *InMemory) List(ctx context.Context, customerID string, offset, limit int) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].CustomerID == customerID {
			matched = append(matched, s.entries[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset >= total {
		return []Entry{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		out = append(out, cloneEntry(e))
	}
	return out, total, nil
}

func cloneEntry(e Entry) Entry {
	if e.Details != nil {
		d := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}

// Recorder appends entries and never fails the caller.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder wraps store. A nil logger uses the process logger.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record fills in id and timestamp and appends e. Write failures are logged
// and counted.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if err := validate(e); err != nil {
		obs.RecordAuditFailure()
		r.logger.Warn("audit entry rejected", zap.String("action", e.Action), zap.Error(err))
		return
	}
	e.ID = ids.New()
	e.CreatedAt = r.now().UTC()
	if e.ResourceID == "" {
		e.ResourceID = "unknown"
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		e.Details["requestId"] = rid
	}

	// The request may be finished by the time the entry is written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.Append(writeCtx, e); err != nil {
		obs.RecordAuditFailure()
		r.logger.Error("audit write failed",
			zap.String("action", e.Action),
			zap.String("customer_id", e.CustomerID),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("audit",
		zap.String("action", e.Action),
		zap.String("user_id", e.UserID),
		zap.String("customer_id", e.CustomerID),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
	)
}

// List returns one page of the tenant's trail.
func (r *Recorder) List(ctx context.Context, customerID string, page, limit int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	logs, total, err := r.store.List(ctx, customerID, (page-1)*limit, limit)
	if err != nil {
		return Page{}, err
	}
	if logs == nil {
		logs = []Entry{}
	}
	return Page{
		Logs:       logs,
		Total:      total,
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// Recent returns the tenant's n newest entries.
func (r *Recorder) Recent(ctx context.Context, customerID string, n int) ([]Entry, error) {
	logs, _, err := r.store.List(ctx, customerID, 0, n)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []Entry{}
	}
	return logs, nil
}

func validate(e Entry) error {
	var errs []error
	if strings.TrimSpace(e.Action) == "" {
		errs = append(errs, errors.New("action is required"))
	}
	if strings.TrimSpace(e.UserID) == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if strings.TrimSpace(e.CustomerID) == "" {
		errs = append(errs, errors.New("customer id is required"))
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		errs = append(errs, errors.New("resource type is required"))
	}
	return errors.Join(errs...)
}
