package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowbit.dev/internal/tickets"
)

func TestSweepRetriesThenGivesUp(t *testing.T) {
	store := tickets.NewInMemory()
	eng := &fakeEngine{err: errors.New("engine down")}
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d := NewDispatcher(store, eng,
		WithMaxAttempts(2),
		WithDispatcherClock(clock),
		WithDispatcherLogger(zap.NewNop()),
	)
	w := NewWatchdog(store, d, WithCallbackTimeout(time.Minute))
	ctx := context.Background()

	tk := seed(t, store, now.Add(-10*time.Minute))
	_, err := d.Dispatch(ctx, tk)
	require.NoError(t, err)

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "last attempt is still fresh")

	now = now.Add(2 * time.Minute)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(2), eng.count.Load())

	now = now.Add(2 * time.Minute)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(2), eng.count.Load(), "no call once attempts are exhausted")

	got, err := store.GetByID(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, tickets.WorkflowFailed, got.WorkflowStatus)
	require.Len(t, got.Comments, 1)
	require.Equal(t, "Workflow failed: no response after 2 attempts", got.Comments[0].Text)

	now = now.Add(2 * time.Minute)
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepSkipsAcknowledged(t *testing.T) {
	store := tickets.NewInMemory()
	eng := &fakeEngine{execID: "exec-1"}
	d := NewDispatcher(store, eng, WithDispatcherLogger(zap.NewNop()))
	w := NewWatchdog(store, d, WithCallbackTimeout(time.Millisecond))
	ctx := context.Background()

	tk := seed(t, store, time.Now().Add(-time.Hour))
	c := newCallbacks(t, store)
	_, err := c.Handle(ctx, testSecret, CallbackRequest{TicketID: tk.ID})
	require.NoError(t, err)

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, eng.count.Load())
}

func TestWatchdogStartStop(t *testing.T) {
	store := tickets.NewInMemory()
	d := NewDispatcher(store, &fakeEngine{}, WithDispatcherLogger(zap.NewNop()))

	bad := NewWatchdog(store, d, WithSchedule("not a schedule"))
	require.Error(t, bad.Start(context.Background()))

	w := NewWatchdog(store, d, WithSchedule("@every 1h"))
	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
