package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowbit.dev/internal/tickets"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    []TriggerRequest
	execID   string
	err      error
	blockFor time.Duration
	count    atomic.Int32
}

func (f *fakeEngine) Trigger(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	f.count.Add(1)
	if f.blockFor > 0 {
		time.Sleep(f.blockFor)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return TriggerResponse{}, f.err
	}
	return TriggerResponse{ExecutionID: f.execID}, nil
}

func (f *fakeEngine) Execution(ctx context.Context, id string) (Execution, error) {
	return Execution{ID: id, Finished: true, Status: "success"}, nil
}

func seed(t *testing.T, s *tickets.InMemory, created time.Time) tickets.Ticket {
	t.Helper()
	tk := tickets.Ticket{
		Title:          "Route delay",
		Description:    "Truck stuck at the border",
		Status:         tickets.StatusOpen,
		Priority:       tickets.PriorityHigh,
		CustomerID:     "LogisticsCo",
		WorkflowStatus: tickets.WorkflowPending,
		TriggerState:   tickets.TriggerNotSent,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, s.Create(context.Background(), &tk))
	return tk
}

func TestDispatchRecordsExecution(t *testing.T) {
	store := tickets.NewInMemory()
	eng := &fakeEngine{execID: "exec-1"}
	d := NewDispatcher(store, eng, WithCallbackURL("http://cb"), WithDispatcherLogger(zap.NewNop()))
	tk := seed(t, store, time.Now())

	sent, err := d.Dispatch(context.Background(), tk)
	require.NoError(t, err)
	require.True(t, sent)

	got, err := store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, tickets.WorkflowProcessing, got.WorkflowStatus)
	require.Equal(t, tickets.TriggerSent, got.TriggerState)
	require.Equal(t, "exec-1", got.WorkflowID)
	require.Equal(t, 1, got.TriggerAttempts)
	require.Len(t, eng.calls, 1)
	require.Equal(t, "http://cb", eng.calls[0].CallbackURL)
	require.Equal(t, "LogisticsCo", eng.calls[0].CustomerID)
}

func TestDispatchFailureKeepsTicketPending(t *testing.T) {
	store := tickets.NewInMemory()
	eng := &fakeEngine{err: errors.New("connection refused")}
	d := NewDispatcher(store, eng, WithDispatcherLogger(zap.NewNop()))
	tk := seed(t, store, time.Now())

	sent, err := d.Dispatch(context.Background(), tk)
	require.NoError(t, err)
	require.False(t, sent)

	got, err := store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, tickets.WorkflowPending, got.WorkflowStatus)
	require.Equal(t, tickets.TriggerNotSent, got.TriggerState)
	require.Contains(t, got.LastTriggerError, "connection refused")
	require.Equal(t, 1, got.TriggerAttempts)
}

func TestDispatchSurvivesCancelledRequest(t *testing.T) {
	store := tickets.NewInMemory()
	eng := &fakeEngine{execID: "exec-2", blockFor: 20 * time.Millisecond}
	d := NewDispatcher(store, eng, WithDispatcherLogger(zap.NewNop()))
	tk := seed(t, store, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// ClaimTrigger on the in-memory store ignores ctx.
	sent, err := d.Dispatch(ctx, tk)
	require.NoError(t, err)
	require.True(t, sent)

	got, err := store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, "exec-2", got.WorkflowID)
}

func TestConcurrentDispatchSendsOnce(t *testing.T) {
	store := tickets.NewInMemory()
	eng := &fakeEngine{execID: "exec-3"}
	d := NewDispatcher(store, eng, WithDispatcherLogger(zap.NewNop()))
	tk := seed(t, store, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), tk)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), eng.count.Load())
}

func TestTicketServiceNotifiesDispatcher(t *testing.T) {
	store := tickets.NewInMemory()
	eng := &fakeEngine{execID: "exec-9"}
	d := NewDispatcher(store, eng, WithDispatcherLogger(zap.NewNop()))
	svc := tickets.NewService(store, tickets.WithNotifier(d))

	tk, err := svc.Create(context.Background(), principalFor("LogisticsCo"), tickets.CreateInput{
		Title:       "Missing pallet",
		Description: "One pallet never arrived",
	})
	require.NoError(t, err)
	require.Equal(t, "exec-9", tk.WorkflowID)
	require.Equal(t, tickets.WorkflowProcessing, tk.WorkflowStatus)
}

func TestStatusRequiresExecution(t *testing.T) {
	d := NewDispatcher(tickets.NewInMemory(), &fakeEngine{}, WithDispatcherLogger(zap.NewNop()))

	_, err := d.Status(context.Background(), tickets.Ticket{ID: "x"})
	require.ErrorIs(t, err, ErrNoExecution)

	exec, err := d.Status(context.Background(), tickets.Ticket{ID: "x", WorkflowID: "exec-5"})
	require.NoError(t, err)
	require.Equal(t, "exec-5", exec.ID)
}
