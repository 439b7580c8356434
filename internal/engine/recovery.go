package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CheckRecovery runs the load-time reconciliation: it compares the durable
// queue's newest entry for this entity against the server's last update
// time. A queued entry newer than the server state (or any entry when the
// server has no update time, as for a brand-new entity) means unsynced
// local content survived a crash or offline session.
//
// The check mutates nothing. When an offer is returned the engine refuses
// MarkChanged until Recover or Discard is called, so new edits cannot
// silently interleave with the divergent history.
func (e *Engine) CheckRecovery(ctx context.Context, serverUpdatedAt time.Time) (*RecoveryOffer, error) {
	e.mu.Lock()
	entityID := e.entityID
	e.mu.Unlock()

	latest, err := e.store.Latest(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("engine: recovery check: %w", err)
	}

	if latest == nil {
		return nil, nil
	}

	if !serverUpdatedAt.IsZero() && !latest.Timestamp.After(serverUpdatedAt) {
		// The server already has newer content; queued entries are stale
		// leftovers. They stay queued for normal replay.
		return nil, nil
	}

	e.mu.Lock()
	e.recoveryPending = true
	e.mu.Unlock()

	e.logger.Info("unsynced local content found, offering recovery",
		slog.Time("queued_at", latest.Timestamp),
		slog.Time("server_updated_at", serverUpdatedAt),
	)

	return &RecoveryOffer{
		EntityID:    latest.EntityID,
		Payload:     latest.Payload,
		BaseVersion: latest.BaseVersion,
		Timestamp:   latest.Timestamp,
		RetryCount:  latest.RetryCount,
	}, nil
}

// Recover answers an outstanding recovery offer by returning the queued
// local payload for loading into the editor and clearing this entity's
// queue. The caller is expected to feed the payload back through
// MarkChanged so it is saved against the current server version.
func (e *Engine) Recover(ctx context.Context) (string, error) {
	e.mu.Lock()

	if !e.recoveryPending {
		e.mu.Unlock()
		return "", ErrNoRecovery
	}

	entityID := e.entityID
	e.mu.Unlock()

	latest, err := e.store.Latest(ctx, entityID)
	if err != nil {
		return "", fmt.Errorf("engine: recover: %w", err)
	}

	if latest == nil {
		// Queue emptied between check and recover (e.g. a replay elsewhere).
		e.mu.Lock()
		e.recoveryPending = false
		e.mu.Unlock()

		return "", ErrNoRecovery
	}

	if err := e.store.ClearAll(ctx, entityID); err != nil {
		return "", fmt.Errorf("engine: recover: %w", err)
	}

	e.mu.Lock()
	e.recoveryPending = false
	e.queuedCount = 0
	e.mu.Unlock()

	e.logger.Info("recovered unsynced local content",
		slog.Time("queued_at", latest.Timestamp),
	)

	return latest.Payload, nil
}

// Discard answers an outstanding recovery offer by clearing this entity's
// queue and proceeding with server content. Discarding twice, or with an
// already-empty queue, is a no-op.
func (e *Engine) Discard(ctx context.Context) error {
	e.mu.Lock()
	entityID := e.entityID
	wasPending := e.recoveryPending
	e.recoveryPending = false
	e.mu.Unlock()

	if err := e.store.ClearAll(ctx, entityID); err != nil {
		return fmt.Errorf("engine: discard: %w", err)
	}

	e.mu.Lock()
	e.queuedCount = 0
	e.mu.Unlock()

	if wasPending {
		e.logger.Info("discarded unsynced local content")
	}

	return nil
}
