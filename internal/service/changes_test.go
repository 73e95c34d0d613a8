package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"edfi_sync/internal/domain"
	"edfi_sync/internal/service/mocks"
)

func newTestTracker(t *testing.T) (*ChangeTracker, *mocks.MockChangeStore, time.Time) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockChangeStore(ctrl)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewChangeTracker(store, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	tracker.now = func() time.Time { return clock }
	return tracker, store, clock
}

func trackedConnection() *domain.Connection {
	return &domain.Connection{ID: "conn-1", TenantID: "tenant-1", EnabledResources: []string{"students"}}
}

func TestChangeTracker_Record(t *testing.T) {
	tracker, store, clock := newTestTracker(t)
	ctx := context.Background()

	var appended *domain.ChangeEntry
	store.EXPECT().Append(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, e *domain.ChangeEntry) error {
		appended = e
		return nil
	})

	before := domain.Record{"firstName": "Jane"}
	after := domain.Record{"firstName": "Janet"}
	entry, err := tracker.Record(ctx, trackedConnection(), "students", "s1", domain.OperationUpdate, []string{"firstName"}, before, after)

	require.NoError(t, err)
	assert.Same(t, appended, entry)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.False(t, entry.Synced)
	assert.Nil(t, entry.SyncJobID)
	assert.Equal(t, []string{"firstName"}, entry.ChangedFields)
	assert.Equal(t, after, entry.After)
	assert.Equal(t, clock, entry.CreatedAt)
}

func TestChangeTracker_IgnoresDisabledEntityTypes(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	entry, err := tracker.Record(context.Background(), trackedConnection(), "staffs", "x1", domain.OperationCreate, nil, nil, domain.Record{"a": 1})

	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestChangeTracker_RejectsInvalidEntries(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	conn := trackedConnection()

	_, err := tracker.Record(ctx, conn, "students", "", domain.OperationCreate, nil, nil, domain.Record{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = tracker.Record(ctx, conn, "students", "s1", "upsert", nil, nil, domain.Record{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = tracker.Record(ctx, conn, "students", "s1", domain.OperationCreate, nil, nil, nil)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestChangeTracker_DeleteNeedsNoNewState(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	ctx := context.Background()

	store.EXPECT().Append(ctx, gomock.Any()).Return(nil)

	entry, err := tracker.Record(ctx, trackedConnection(), "students", "s1", domain.OperationDelete, nil, domain.Record{"firstName": "Jane"}, nil)

	require.NoError(t, err)
	assert.Equal(t, domain.OperationDelete, entry.Operation)
}

func TestChangeTracker_PendingAndMarkSynced(t *testing.T) {
	tracker, store, clock := newTestTracker(t)
	ctx := context.Background()

	pending := []domain.ChangeEntry{{ID: "e1"}, {ID: "e2"}}
	store.EXPECT().Pending(ctx, "conn-1", "students").Return(pending, nil)
	store.EXPECT().MarkSynced(ctx, "e1", "job-1", clock).Return(nil).Times(2)

	got, err := tracker.PendingFor(ctx, "conn-1", "students")
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	require.NoError(t, tracker.MarkSynced(ctx, "e1", "job-1"))
	require.NoError(t, tracker.MarkSynced(ctx, "e1", "job-1"))
}
