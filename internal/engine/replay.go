package engine

import (
	"context"
	"log/slog"

	"github.com/scriptd/draftsync/internal/queue"
	"github.com/scriptd/draftsync/internal/saveclient"
)

// replayOutcome controls how the replay loop proceeds after one entry.
type replayOutcome int

const (
	replayNext replayOutcome = iota // entry settled, move to the next
	replaySkip                      // entry left queued, move to the next
	replayStop                      // connectivity lost or shutdown, stop the loop
)

// ReplayQueue drains this entity's durable queue through the full save
// protocol path in ascending timestamp order. Each entry may itself
// conflict (one automatic fast-forward, then it is skipped and left
// queued), rate-limit (wait, then retry), or fail on the network (bounded
// backoff; exceeding the ceiling marks the entry non-retryable and removes
// it). Replay never runs concurrently with itself or with an in-flight
// interactive save.
func (e *Engine) ReplayQueue(ctx context.Context) {
	e.mu.Lock()

	if e.closed || e.replaying || e.inFlight || e.recoveryPending {
		e.mu.Unlock()
		return
	}

	e.replaying = true
	epoch := e.epoch
	entityID := e.entityID
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.replaying = false
		e.mu.Unlock()
	}()

	entries, err := e.store.Drain(ctx, entityID)
	if err != nil {
		e.logger.Error("replay: draining queue", slog.String("error", err.Error()))
		return
	}

	if len(entries) == 0 {
		return
	}

	e.logger.Info("replaying queued saves", slog.Int("count", len(entries)))

	var skipped int

	for i := range entries {
		entry := &entries[i]

		switch e.replayEntry(ctx, epoch, entry) {
		case replayNext:
		case replaySkip:
			skipped++
		case replayStop:
			e.logger.Info("replay interrupted, remaining entries stay queued",
				slog.Int("remaining", len(entries)-i),
			)

			return
		}
	}

	if skipped > 0 {
		e.logger.Warn("replay finished with entries left queued", slog.Int("skipped", skipped))
	}
}

// replayEntry pushes one queued save through the protocol until it settles.
func (e *Engine) replayEntry(ctx context.Context, epoch uint64, entry *queue.PendingSave) replayOutcome {
	base := entry.BaseVersion
	retryCount := entry.RetryCount
	fastForwarded := false

	for {
		if ctx.Err() != nil {
			return replayStop
		}

		res, err := e.saver.Save(ctx, entry.EntityID, entry.Payload, base, entry.OpID)
		if err != nil {
			return replayStop
		}

		switch res.Kind {
		case saveclient.OutcomeSuccess:
			if removeErr := e.store.Remove(ctx, entry.ID); removeErr != nil {
				e.logger.Error("replay: removing confirmed entry",
					slog.String("id", entry.ID),
					slog.String("error", removeErr.Error()),
				)
			}

			e.noteQueueShrunk(epoch)
			e.adoptReplaySuccess(epoch, entry.Payload, res.NewVersion)
			e.logger.Info("replayed save confirmed",
				slog.String("id", entry.ID),
				slog.Int64("version", res.NewVersion),
			)

			return replayNext

		case saveclient.OutcomeConflict:
			if fastForwarded {
				// A true concurrent conflict cannot be auto-resolved here;
				// leave the entry queued rather than blocking the rest.
				e.logger.Warn("replay: conflict not auto-resolvable, entry left queued",
					slog.String("id", entry.ID),
					slog.Int64("latest_version", res.Conflict.LatestVersion),
				)

				return replaySkip
			}

			fastForwarded = true
			base = res.Conflict.LatestVersion

		case saveclient.OutcomeRateLimited:
			e.noteReplayState(epoch, StateRateLimited)

			if e.clock.Sleep(ctx, res.RetryAfter) != nil {
				return replayStop
			}

		case saveclient.OutcomeNetwork:
			if !e.conn.Online() {
				return replayStop
			}

			retryCount++

			if incErr := e.store.IncrementRetry(ctx, entry.ID); incErr != nil {
				e.logger.Error("replay: incrementing retry count",
					slog.String("id", entry.ID),
					slog.String("error", incErr.Error()),
				)
			}

			if retryCount > e.cfg.MaxRetries {
				e.retireEntry(ctx, epoch, entry, res.Err)
				return replayNext
			}

			if e.clock.Sleep(ctx, backoffDelay(retryCount)) != nil {
				return replayStop
			}

		case saveclient.OutcomeFatal:
			e.retireEntry(ctx, epoch, entry, res.Err)
			return replayNext
		}
	}
}

// retireEntry marks a queued save non-retryable and removes it, surfacing
// the failure so it does not pass silently.
func (e *Engine) retireEntry(ctx context.Context, epoch uint64, entry *queue.PendingSave, cause error) {
	e.logger.Error("replay: abandoning queued save",
		slog.String("id", entry.ID),
		slog.String("error", cause.Error()),
	)

	if err := e.store.MarkNonRetryable(ctx, entry.ID); err != nil {
		e.logger.Error("replay: marking non-retryable", slog.String("error", err.Error()))
	}

	if err := e.store.Remove(ctx, entry.ID); err != nil {
		e.logger.Error("replay: removing abandoned entry", slog.String("error", err.Error()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch == e.epoch && e.queuedCount > 0 {
		e.queuedCount--
	}

	e.lastErr = cause
	e.setStateLocked(StateError)
}

// noteQueueShrunk decrements the cached queue depth after a confirmed
// replay removal.
func (e *Engine) noteQueueShrunk(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch == e.epoch && e.queuedCount > 0 {
		e.queuedCount--
	}
}

// adoptReplaySuccess folds a confirmed replay into the pipeline baseline,
// unless the entity context changed while the replay ran.
func (e *Engine) adoptReplaySuccess(epoch uint64, payload string, newVersion int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch || e.closed {
		return
	}

	if newVersion > e.baseVersion {
		e.baseVersion = newVersion
	}

	e.lastSavedAt = e.clock.Now()

	// Only adopt the replayed payload as the committed snapshot when no
	// newer local edits are outstanding.
	if !e.dirty && !e.inFlight {
		e.lastCommitted = payload
		e.setStateLocked(StateSaved)
	}
}

// noteReplayState surfaces an intermediate replay state (e.g. rate_limited)
// so the caller's status indicator stays truthful during long waits.
func (e *Engine) noteReplayState(epoch uint64, s SaveState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch || e.closed {
		return
	}

	e.setStateLocked(s)
}
