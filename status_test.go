package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptd/draftsync/internal/queue"
)

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := queue.NewStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func enqueueTestSave(t *testing.T, store *queue.Store, entityID string, ts time.Time) {
	t.Helper()

	err := store.Enqueue(context.Background(), &queue.PendingSave{
		ID:          uuid.NewString(),
		EntityID:    entityID,
		Payload:     "queued content",
		BaseVersion: 1,
		Timestamp:   ts,
		OpID:        uuid.NewString(),
	})
	require.NoError(t, err)
}

func TestCollectQueueStatus_Empty(t *testing.T) {
	store := newTestStore(t)

	statuses, err := collectQueueStatus(context.Background(), store)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestCollectQueueStatus_PerEntity(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	enqueueTestSave(t, store, "scene-1", now.Add(-2*time.Minute))
	enqueueTestSave(t, store, "scene-1", now.Add(-1*time.Minute))
	enqueueTestSave(t, store, "chapter-2", now)

	statuses, err := collectQueueStatus(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	// Entities() returns sorted IDs.
	assert.Equal(t, "chapter-2", statuses[0].EntityID)
	assert.Equal(t, 1, statuses[0].Pending)

	assert.Equal(t, "scene-1", statuses[1].EntityID)
	assert.Equal(t, 2, statuses[1].Pending)
	assert.WithinDuration(t, now.Add(-1*time.Minute), statuses[1].NewestEdit, time.Second)
}

func TestListEntries_ScopedAndAll(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	enqueueTestSave(t, store, "scene-1", now.Add(-time.Minute))
	enqueueTestSave(t, store, "chapter-2", now)

	scoped, err := listEntries(context.Background(), store, "scene-1")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "scene-1", scoped[0].EntityID)

	all, err := listEntries(context.Background(), store, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
