package tickets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowbit.dev/internal/auth"
)

var (
	tenantA = auth.Principal{UserID: "user-a", Role: auth.RoleUser, CustomerID: "T1"}
	tenantB = auth.Principal{UserID: "user-b", Role: auth.RoleUser, CustomerID: "T2"}
)

type recordingNotifier struct {
	store Store
	seen  []string
}

func (n *recordingNotifier) TicketCreated(ctx context.Context, t Ticket) {
	n.seen = append(n.seen, t.ID)
	_, _ = n.store.ClaimTrigger(ctx, t.ID, 0, time.Now())
	_, _, _ = n.store.RecordTrigger(ctx, t.ID, TriggerOutcome{ExecutionID: "exec-1", At: time.Now()})
}

func newTicket(t *testing.T, svc *Service, p auth.Principal, title string) Ticket {
	t.Helper()
	tk, err := svc.Create(context.Background(), p, CreateInput{
		Title:       title,
		Description: "Something went wrong with the delivery",
	})
	require.NoError(t, err)
	return tk
}

func TestCreateDefaultsAndNotifier(t *testing.T) {
	store := NewInMemory()
	n := &recordingNotifier{store: store}
	svc := NewService(store, WithNotifier(n))

	tk, err := svc.Create(context.Background(), tenantA, CreateInput{
		Title:       "  <b>Shipment issue</b> ",
		Description: "Parcel arrived damaged & late",
		Priority:    PriorityHigh,
		Tags:        []string{"shipping", "shipping", " "},
	})
	require.NoError(t, err)
	require.Equal(t, "Shipment issue", tk.Title)
	require.Equal(t, "Parcel arrived damaged & late", tk.Description)
	require.Equal(t, "T1", tk.CustomerID)
	require.Equal(t, "user-a", tk.CreatedBy)
	require.Equal(t, StatusOpen, tk.Status)
	require.Equal(t, PriorityHigh, tk.Priority)
	require.Equal(t, []string{"shipping"}, tk.Tags)
	require.Equal(t, []string{tk.ID}, n.seen)
	require.Equal(t, WorkflowProcessing, tk.WorkflowStatus)
	require.Equal(t, "exec-1", tk.WorkflowID)
	require.Equal(t, TriggerSent, tk.TriggerState)

	plain := NewService(NewInMemory())
	tk, err = plain.Create(context.Background(), tenantA, CreateInput{Title: "Default", Description: "Priority falls back"})
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, tk.Priority)
	require.Equal(t, WorkflowPending, tk.WorkflowStatus)

	_, err = plain.Create(context.Background(), tenantA, CreateInput{Title: "x", Description: "y", Priority: "urgent"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCrossTenantIsNotFound(t *testing.T) {
	svc := NewService(NewInMemory())
	ctx := context.Background()
	tk := newTicket(t, svc, tenantA, "Tenant A ticket")

	_, err := svc.Get(ctx, tenantB, tk.ID)
	require.ErrorIs(t, err, ErrNotFound)

	status := StatusClosed
	_, err = svc.Update(ctx, tenantB, tk.ID, Patch{Status: &status})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.AddComment(ctx, tenantB, tk.ID, "sneaky")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, svc.Delete(ctx, tenantB, tk.ID), ErrNotFound)

	page, err := svc.List(ctx, tenantB, Filter{})
	require.NoError(t, err)
	require.Empty(t, page.Tickets)
	require.Equal(t, 0, page.Total)

	got, err := svc.Get(ctx, tenantA, tk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, got.Status)
	require.Empty(t, got.Comments)

	_, err = svc.Get(ctx, tenantA, "not-a-ticket-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListPaginationAndFilters(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := NewService(NewInMemory(), WithClock(clock))
	ctx := context.Background()

	var created []Ticket
	for i := 0; i < 12; i++ {
		now = now.Add(time.Minute)
		created = append(created, newTicket(t, svc, tenantA, "Ticket number"))
	}
	closed := StatusClosed
	_, err := svc.Update(ctx, tenantA, created[0].ID, Patch{Status: &closed})
	require.NoError(t, err)

	page, err := svc.List(ctx, tenantA, Filter{})
	require.NoError(t, err)
	require.Len(t, page.Tickets, DefaultPageSize)
	require.Equal(t, 12, page.Total)
	require.Equal(t, 2, page.TotalPages)
	require.Equal(t, 1, page.CurrentPage)
	require.Equal(t, created[11].ID, page.Tickets[0].ID, "newest first")

	page, err = svc.List(ctx, tenantA, Filter{Page: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Tickets, 2)
	require.Equal(t, created[0].ID, page.Tickets[1].ID)

	page, err = svc.List(ctx, tenantA, Filter{Status: StatusClosed})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	_, err = svc.List(ctx, tenantA, Filter{Status: "bogus"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateAcceptsAnyStatus(t *testing.T) {
	svc := NewService(NewInMemory())
	ctx := context.Background()
	tk := newTicket(t, svc, tenantA, "Reopen me")

	for _, st := range []Status{StatusClosed, StatusOpen, StatusEscalated, StatusAcknowledged} {
		st := st
		got, err := svc.Update(ctx, tenantA, tk.ID, Patch{Status: &st})
		require.NoError(t, err)
		require.Equal(t, st, got.Status)
	}

	bad := Status("done")
	_, err := svc.Update(ctx, tenantA, tk.ID, Patch{Status: &bad})
	require.ErrorIs(t, err, ErrInvalidInput)

	assignee := "user-c"
	title := "Renamed"
	got, err := svc.Update(ctx, tenantA, tk.ID, Patch{AssignedTo: &assignee, Title: &title})
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Title)
	require.Equal(t, "user-c", *got.AssignedTo)
}

func TestAddCommentAndStats(t *testing.T) {
	svc := NewService(NewInMemory())
	ctx := context.Background()
	tk := newTicket(t, svc, tenantA, "Comment target")
	newTicket(t, svc, tenantA, "Second")
	newTicket(t, svc, tenantB, "Other tenant")

	got, err := svc.AddComment(ctx, tenantA, tk.ID, "  Looking into it  ")
	require.NoError(t, err)
	require.Len(t, got.Comments, 1)
	require.Equal(t, "Looking into it", got.Comments[0].Text)
	require.Equal(t, "user-a", *got.Comments[0].Author)

	_, err = svc.AddComment(ctx, tenantA, tk.ID, "   ")
	require.ErrorIs(t, err, ErrInvalidInput)

	resolved := StatusResolved
	_, err = svc.Update(ctx, tenantA, tk.ID, Patch{Status: &resolved})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, tenantA)
	require.NoError(t, err)
	require.Equal(t, Stats{TotalTickets: 2, OpenTickets: 1}, stats)
}
