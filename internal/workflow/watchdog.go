package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"flowbit.dev/internal/obs"
	"flowbit.dev/internal/tickets"
)

const (
	defaultWatchdogSpec  = "@every 1m"
	defaultCallbackAfter = 5 * time.Minute
	sweepBatch           = 100
)

// Watchdog periodically re-sends tickets whose callback never arrived and
// gives up on them after the dispatcher's attempt limit.
type Watchdog struct {
	store         tickets.WorkflowStore
	dispatcher    *Dispatcher
	spec          string
	callbackAfter time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// WatchdogOption configures Watchdog.
type WatchdogOption func(*Watchdog)

// WithSchedule sets the cron expression driving sweeps.
func WithSchedule(spec string) WatchdogOption {
	return func(w *Watchdog) {
		if spec != "" {
			w.spec = spec
		}
	}
}

// WithCallbackTimeout sets how long a sent ticket may wait for its callback.
func WithCallbackTimeout(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.callbackAfter = d
		}
	}
}

// WithCron supplies a preconfigured scheduler.
func WithCron(c *cron.Cron) WatchdogOption {
	return func(w *Watchdog) {
		if c != nil {
			w.cron = c
		}
	}
}

// NewWatchdog builds a watchdog that retries through d.
func NewWatchdog(store tickets.WorkflowStore, d *Dispatcher, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		store:         store,
		dispatcher:    d,
		spec:          defaultWatchdogSpec,
		callbackAfter: defaultCallbackAfter,
		logger:        d.logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cron == nil {
		w.cron = cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
	}
	return w
}

// Start registers the sweep and starts the scheduler.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("workflow: watchdog already running")
	}
	if _, err := w.cron.AddFunc(w.spec, func() {
		if _, err := w.Sweep(ctx); err != nil {
			w.logger.Warn("workflow watchdog sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("workflow: schedule %q: %w", w.spec, err)
	}
	w.cron.Start()
	w.running = true
	w.logger.Info("workflow watchdog started", zap.String("schedule", w.spec))
	return nil
}

// Stop halts the scheduler and waits for a running sweep.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	<-w.cron.Stop().Done()
	w.running = false
}

// Sweep handles one batch of stale tickets and returns how many it touched.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := w.dispatcher.now().UTC()
	stale, err := w.store.ListStaleTriggers(ctx, now.Add(-w.callbackAfter), sweepBatch)
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, t := range stale {
		if ctx.Err() != nil {
			return touched, ctx.Err()
		}
		if t.TriggerAttempts >= w.dispatcher.maxAttempts {
			comment := tickets.SystemComment(
				fmt.Sprintf("Workflow failed: no response after %d attempts", t.TriggerAttempts), now)
			ok, err := w.store.MarkWorkflowFailed(ctx, t.ID, comment)
			if err != nil {
				w.logger.Warn("workflow watchdog could not fail ticket", zap.String("ticket_id", t.ID), zap.Error(err))
				continue
			}
			if ok {
				touched++
				obs.RecordWatchdog("failed")
				w.logger.Warn("workflow abandoned", zap.String("ticket_id", t.ID), zap.Int("attempts", t.TriggerAttempts))
			}
			continue
		}

		sent, err := w.dispatcher.Dispatch(ctx, t)
		if err != nil {
			w.logger.Warn("workflow watchdog retry failed", zap.String("ticket_id", t.ID), zap.Error(err))
			continue
		}
		touched++
		if sent {
			obs.RecordWatchdog("retried")
		} else {
			obs.RecordWatchdog("retry_failed")
		}
	}
	return touched, nil
}
