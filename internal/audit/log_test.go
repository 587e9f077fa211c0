package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"flowbit.dev/internal/obs"
)

type failingStore struct{ InMemory }

func (f *failingStore) Append(ctx context.Context, e Entry) error {
	return errors.New("disk full")
}

func TestRecordEnrichesEntry(t *testing.T) {
	store := NewInMemory()
	r := NewRecorder(store, zap.NewNop())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	ctx := WithRequestID(context.Background(), "req-123")
	r.Record(ctx, Entry{
		Action:       "create_ticket",
		UserID:       "user-42",
		CustomerID:   "T1",
		ResourceType: "ticket",
		Details:      map[string]any{"method": "POST", "url": "/api/tickets"},
		IPAddress:    "10.0.0.1",
	})

	page, err := r.List(context.Background(), "T1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	e := page.Logs[0]
	require.NotEmpty(t, e.ID)
	require.Equal(t, "unknown", e.ResourceID)
	require.Equal(t, "req-123", e.Details["requestId"])
	require.Equal(t, "POST", e.Details["method"])
	require.True(t, now.Equal(e.CreatedAt))
}

func TestRecordFailureIsLoggedNotReturned(t *testing.T) {
	obs.Init()
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRecorder(&failingStore{}, zap.New(core))

	before := testutil.ToFloat64(obs.AuditFailures())
	r.Record(context.Background(), Entry{Action: "delete_ticket", UserID: "u", CustomerID: "T1", ResourceType: "ticket"})
	r.Record(context.Background(), Entry{Action: "", UserID: "u", CustomerID: "T1", ResourceType: "ticket"})

	require.Equal(t, before+2, testutil.ToFloat64(obs.AuditFailures()))
	require.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
	require.Equal(t, 1, logs.FilterMessage("audit entry rejected").Len())
}

func TestListIsTenantScopedAndPaged(t *testing.T) {
	store := NewInMemory()
	r := NewRecorder(store, zap.NewNop())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	for i := 0; i < 25; i++ {
		now = now.Add(time.Second)
		r.Record(context.Background(), Entry{Action: "view_ticket", UserID: "u", CustomerID: "T1", ResourceType: "ticket"})
	}
	r.Record(context.Background(), Entry{Action: "view_ticket", UserID: "v", CustomerID: "T2", ResourceType: "ticket"})

	page, err := r.List(context.Background(), "T1", 2, 10)
	require.NoError(t, err)
	require.Equal(t, 25, page.Total)
	require.Equal(t, 3, page.TotalPages)
	require.Equal(t, 2, page.Page)
	require.Len(t, page.Logs, 10)
	require.True(t, page.Logs[0].CreatedAt.After(page.Logs[9].CreatedAt))

	page, err = r.List(context.Background(), "T1", 9, 10)
	require.NoError(t, err)
	require.Empty(t, page.Logs)
	require.NotNil(t, page.Logs)

	recent, err := r.Recent(context.Background(), "T2", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "v", recent[0].UserID)
}

func TestStoredEntriesAreImmutable(t *testing.T) {
	store := NewInMemory()
	details := map[string]any{"method": "PUT"}
	require.NoError(t, store.Append(context.Background(), Entry{ID: "1", CustomerID: "T1", Details: details}))
	details["method"] = "DELETE"

	got, _, err := store.List(context.Background(), "T1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, "PUT", got[0].Details["method"])

	got[0].Details["method"] = "PATCH"
	again, _, err := store.List(context.Background(), "T1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, "PUT", again[0].Details["method"])
}
