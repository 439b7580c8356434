package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scriptd/draftsync/internal/queue"
	"github.com/scriptd/draftsync/internal/saveclient"
)

func enqueueForRecovery(t *testing.T, store *queue.Store, ts time.Time, payload string) {
	t.Helper()

	ps := &queue.PendingSave{
		ID:          uuid.New().String(),
		EntityID:    testEntity,
		Payload:     payload,
		BaseVersion: 3,
		Timestamp:   ts,
		RetryCount:  1,
		OpID:        uuid.New().String(),
	}

	if err := store.Enqueue(context.Background(), ps); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestCheckRecovery_OffersNewerLocalContent(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, store := newTestEngine(t, saver, newFakeConn(true))
	ctx := context.Background()

	serverUpdatedAt := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	queuedAt := serverUpdatedAt.Add(5 * time.Minute)
	enqueueForRecovery(t, store, queuedAt, "unsynced local content")

	offer, err := e.CheckRecovery(ctx, serverUpdatedAt)
	if err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}

	if offer == nil {
		t.Fatal("no offer for queued content newer than server")
	}

	if offer.Payload != "unsynced local content" || offer.BaseVersion != 3 || offer.RetryCount != 1 {
		t.Errorf("offer = %+v, want queued entry's fields", offer)
	}

	if !offer.Timestamp.Equal(queuedAt) {
		t.Errorf("offer timestamp = %v, want %v", offer.Timestamp, queuedAt)
	}

	// The check never auto-applies: the queue is untouched and the pipeline idle.
	n, err := store.Count(ctx, testEntity)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	if n != 1 {
		t.Errorf("queue count = %d after check, want 1 (nothing mutated)", n)
	}

	if got := e.Status().State; got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestCheckRecovery_NoOfferWhenServerIsNewer(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, store := newTestEngine(t, saver, newFakeConn(true))

	serverUpdatedAt := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	enqueueForRecovery(t, store, serverUpdatedAt.Add(-time.Hour), "stale leftovers")

	offer, err := e.CheckRecovery(context.Background(), serverUpdatedAt)
	if err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}

	if offer != nil {
		t.Fatalf("offer = %+v, want none for stale queue entry", offer)
	}

	// Editing is not blocked when there is nothing to recover.
	if err := e.MarkChanged("new edit"); err != nil {
		t.Errorf("MarkChanged blocked without an offer: %v", err)
	}
}

func TestCheckRecovery_MissingServerTimestampImpliesOffer(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, store := newTestEngine(t, saver, newFakeConn(true))

	enqueueForRecovery(t, store, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), "draft for new entity")

	// Zero server time: brand-new entity, any queued content wins.
	offer, err := e.CheckRecovery(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}

	if offer == nil {
		t.Fatal("no offer for brand-new entity with queued content")
	}
}

func TestCheckRecovery_EmptyQueueMeansNoOffer(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, _ := newTestEngine(t, saver, newFakeConn(true))

	offer, err := e.CheckRecovery(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}

	if offer != nil {
		t.Fatalf("offer = %+v, want none for empty queue", offer)
	}
}

func TestRecovery_BlocksEditsUntilAnswered(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, store := newTestEngine(t, saver, newFakeConn(true))
	ctx := context.Background()

	enqueueForRecovery(t, store, time.Now().UTC(), "unsynced")

	if _, err := e.CheckRecovery(ctx, time.Time{}); err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}

	if err := e.MarkChanged("interleaved edit"); !errors.Is(err, ErrRecoveryPending) {
		t.Fatalf("MarkChanged err = %v, want ErrRecoveryPending", err)
	}

	if err := e.SaveNow(); !errors.Is(err, ErrRecoveryPending) {
		t.Fatalf("SaveNow err = %v, want ErrRecoveryPending", err)
	}

	if err := e.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	if err := e.MarkChanged("edit after decision"); err != nil {
		t.Errorf("MarkChanged after Discard: %v", err)
	}
}

func TestRecover_ReturnsPayloadAndClearsQueue(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, store := newTestEngine(t, saver, newFakeConn(true))
	ctx := context.Background()

	old := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	enqueueForRecovery(t, store, old, "older draft")
	enqueueForRecovery(t, store, old.Add(time.Minute), "newest draft")

	if _, err := e.CheckRecovery(ctx, time.Time{}); err != nil {
		t.Fatalf("CheckRecovery: %v", err)
	}

	payload, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if payload != "newest draft" {
		t.Errorf("payload = %q, want the newest queued entry", payload)
	}

	n, err := store.Count(ctx, testEntity)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	if n != 0 {
		t.Errorf("queue count = %d after Recover, want 0", n)
	}

	// A second Recover has nothing outstanding.
	if _, err := e.Recover(ctx); !errors.Is(err, ErrNoRecovery) {
		t.Errorf("second Recover err = %v, want ErrNoRecovery", err)
	}
}

func TestDiscard_TwiceOnEmptyQueueIsNoop(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, store := newTestEngine(t, saver, newFakeConn(true))
	ctx := context.Background()

	if err := e.Discard(ctx); err != nil {
		t.Fatalf("first Discard: %v", err)
	}

	if err := e.Discard(ctx); err != nil {
		t.Fatalf("second Discard: %v", err)
	}

	n, err := store.Count(ctx, testEntity)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	if n != 0 {
		t.Errorf("queue count = %d, want 0", n)
	}
}

func TestRecover_WithoutOfferFails(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{respond: func(_ int, _ saveCall) *saveclient.Result { return resSuccess(4) }}
	e, _, _ := newTestEngine(t, saver, newFakeConn(true))

	if _, err := e.Recover(context.Background()); !errors.Is(err, ErrNoRecovery) {
		t.Errorf("Recover err = %v, want ErrNoRecovery", err)
	}
}
