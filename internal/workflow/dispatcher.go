package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"flowbit.dev/internal/obs"
	"flowbit.dev/internal/tickets"
)

// Dispatcher sends at most one engine call per claimed attempt and records the
// outcome on the ticket. It implements tickets.Notifier.
type Dispatcher struct {
	store       tickets.WorkflowStore
	engine      Engine
	callbackURL string
	timeout     time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *zap.Logger
}

var _ tickets.Notifier = (*Dispatcher)(nil)

// DispatcherOption configures Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCallbackURL sets the address the engine should call back.
func WithCallbackURL(u string) DispatcherOption {
	return func(d *Dispatcher) { d.callbackURL = u }
}

// WithTriggerTimeout bounds a single engine call.
func WithTriggerTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMaxAttempts caps how many times one ticket is sent.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDispatcherClock overrides the time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(store tickets.WorkflowStore, engine Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		engine:      engine,
		timeout:     defaultTimeout,
		maxAttempts: 3,
		now:         time.Now,
		logger:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TicketCreated sends the first trigger. Failures are logged and recorded on
// the ticket; ticket creation is never affected.
func (d *Dispatcher) TicketCreated(ctx context.Context, t tickets.Ticket) {
	if _, err := d.Dispatch(ctx, t); err != nil {
		d.logger.Warn("workflow trigger bookkeeping failed", zap.String("ticket_id", t.ID), zap.Error(err))
	}
}

// Dispatch claims the next attempt for t and calls the engine. sent is false
// when another caller holds the attempt or the ticket was acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, t tickets.Ticket) (sent bool, err error) {
	claimed, err := d.store.ClaimTrigger(ctx, t.ID, t.TriggerAttempts, d.now().UTC())
	if err != nil {
		return false, err
	}
	if !claimed {
		obs.RecordTrigger("skipped")
		return false, nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	resp, callErr := d.engine.Trigger(callCtx, TriggerRequest{
		TicketID:    t.ID,
		CustomerID:  t.CustomerID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Timestamp:   d.now().UTC(),
		CallbackURL: d.callbackURL,
	})

	outcome := tickets.TriggerOutcome{ExecutionID: resp.ExecutionID, At: d.now().UTC()}
	if callErr != nil {
		outcome.Err = callErr.Error()
		obs.RecordTrigger("failed")
		d.logger.Warn("workflow trigger failed",
			zap.String("ticket_id", t.ID),
			zap.Int("attempt", t.TriggerAttempts+1),
			zap.Error(callErr),
		)
	} else {
		obs.RecordTrigger("sent")
		d.logger.Info("workflow triggered",
			zap.String("ticket_id", t.ID),
			zap.String("execution_id", resp.ExecutionID),
			zap.Int("attempt", t.TriggerAttempts+1),
		)
	}

	// The request context may already be gone; bookkeeping must still land.
	recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer recCancel()
	if _, applied, err := d.store.RecordTrigger(recCtx, t.ID, outcome); err != nil {
		if errors.Is(err, tickets.ErrNotFound) {
			return callErr == nil, nil
		}
		return callErr == nil, err
	} else if !applied {
		d.logger.Info("workflow trigger outcome ignored, callback already applied", zap.String("ticket_id", t.ID))
	}
	return callErr == nil, nil
}

// Status asks the engine about the ticket's recorded execution.
func (d *Dispatcher) Status(ctx context.Context, t tickets.Ticket) (Execution, error) {
	if t.WorkflowID == "" {
		return Execution{}, ErrNoExecution
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.engine.Execution(callCtx, t.WorkflowID)
}
