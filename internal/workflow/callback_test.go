package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/tickets"
)

const testSecret = "flowbit-webhook-secret-2025"

func principalFor(customerID string) auth.Principal {
	return auth.Principal{UserID: "u-1", Email: "agent@example.com", Role: auth.RoleUser, CustomerID: customerID}
}

func newCallbacks(t *testing.T, store tickets.WorkflowStore) *Callbacks {
	t.Helper()
	c, err := NewCallbacks(testSecret, store, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestCallbackValidationOrder(t *testing.T) {
	store := tickets.NewInMemory()
	c := newCallbacks(t, store)
	ctx := context.Background()

	cases := []struct {
		name   string
		secret string
		req    CallbackRequest
		want   error
	}{
		{name: "wrong secret", secret: "nope", req: CallbackRequest{TicketID: "x"}, want: ErrUnauthorized},
		{name: "missing secret", secret: "", req: CallbackRequest{}, want: ErrUnauthorized},
		{name: "missing ticket", secret: testSecret, req: CallbackRequest{TicketID: "  "}, want: ErrMissingTicketID},
		{name: "bad status", secret: testSecret, req: CallbackRequest{TicketID: "x", Status: "done"}, want: ErrInvalidStatus},
		{name: "unknown ticket", secret: testSecret, req: CallbackRequest{TicketID: "x"}, want: tickets.ErrNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Handle(ctx, tc.secret, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCallbackAppliesCompletion(t *testing.T) {
	store := tickets.NewInMemory()
	c := newCallbacks(t, store)
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	tk := seed(t, store, now.Add(-time.Minute))

	res, err := c.Handle(context.Background(), testSecret, CallbackRequest{
		TicketID:       tk.ID,
		WorkflowResult: &Result{Success: true, Message: "Routed to tier 2"},
		ExecutionID:    "exec-10",
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, tickets.StatusInProgress, res.Status)

	got, err := store.GetByID(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, tickets.WorkflowCompleted, got.WorkflowStatus)
	require.Equal(t, tickets.TriggerAcknowledged, got.TriggerState)
	require.Equal(t, "exec-10", got.WorkflowID)
	require.Len(t, got.Comments, 1)
	require.Equal(t, "Workflow completed: Routed to tier 2", got.Comments[0].Text)
	require.Nil(t, got.Comments[0].Author)
	require.True(t, now.Equal(got.UpdatedAt))
}

func TestCallbackStatusDerivation(t *testing.T) {
	store := tickets.NewInMemory()
	c := newCallbacks(t, store)
	ctx := context.Background()

	tk := seed(t, store, time.Now())
	res, err := c.Handle(ctx, testSecret, CallbackRequest{TicketID: tk.ID})
	require.NoError(t, err)
	require.Equal(t, tickets.StatusOpen, res.Status)
	require.Equal(t, "Workflow completed: Processing completed", res.Ticket.Comments[0].Text)

	res, err = c.Handle(ctx, testSecret, CallbackRequest{TicketID: tk.ID, WorkflowResult: &Result{Success: false}})
	require.NoError(t, err)
	require.Equal(t, tickets.StatusOpen, res.Status)

	res, err = c.Handle(ctx, testSecret, CallbackRequest{
		TicketID:       tk.ID,
		Status:         "resolved",
		WorkflowResult: &Result{Success: false},
	})
	require.NoError(t, err)
	require.Equal(t, tickets.StatusResolved, res.Status, "explicit status wins")
	require.Len(t, res.Ticket.Comments, 3)
}

func TestCallbackDuplicateExecution(t *testing.T) {
	store := tickets.NewInMemory()
	c := newCallbacks(t, store)
	ctx := context.Background()
	tk := seed(t, store, time.Now())

	req := CallbackRequest{TicketID: tk.ID, Status: "in-progress", ExecutionID: "exec-dup"}
	first, err := c.Handle(ctx, testSecret, req)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := c.Handle(ctx, testSecret, req)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Len(t, second.Ticket.Comments, 1)
}

func TestNewCallbacksRequiresSecret(t *testing.T) {
	_, err := NewCallbacks(" ", tickets.NewInMemory(), nil)
	require.Error(t, err)
}
