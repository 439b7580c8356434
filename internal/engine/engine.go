// Package engine implements the autosave pipeline for one editable entity:
// a debounced commit scheduler, compare-and-swap save protocol with
// automatic conflict fast-forward, bounded retry/backoff, a durable offline
// queue, and crash/offline recovery reconciliation.
//
// The pipeline is an explicit state machine. All state transitions happen
// under one mutex via small tick handlers; timers and network completions
// re-enter the machine as scheduled events guarded by generation counters,
// so a canceled timer or a stale in-flight response can never corrupt the
// state. One Engine serves one entity; independent entities get independent
// Engine instances with no shared mutable state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/scriptd/draftsync/internal/queue"
	"github.com/scriptd/draftsync/internal/saveclient"
)

// Default scheduling knobs. Overridable via Config.
const (
	defaultDebounce   = 2 * time.Second
	defaultMaxWait    = 20 * time.Second
	defaultMaxRetries = 3

	// backoffBase is the exponential backoff unit for network errors:
	// the n-th consecutive failure waits backoffBase^n seconds.
	backoffBase = 2
)

// Saver issues one compare-and-swap save attempt. Implemented by
// saveclient.Client; tests substitute a scripted fake.
type Saver interface {
	Save(ctx context.Context, entityID, payload string, baseVersion int64, opID string) (*saveclient.Result, error)
}

// QueueStore is the durable queue surface the engine needs. Implemented by
// queue.Store.
type QueueStore interface {
	Enqueue(ctx context.Context, ps *queue.PendingSave) error
	Drain(ctx context.Context, entityID string) ([]queue.PendingSave, error)
	Latest(ctx context.Context, entityID string) (*queue.PendingSave, error)
	Remove(ctx context.Context, id string) error
	ClearAll(ctx context.Context, entityID string) error
	IncrementRetry(ctx context.Context, id string) error
	MarkNonRetryable(ctx context.Context, id string) error
	Count(ctx context.Context, entityID string) (int, error)
}

// ConnectivityObserver reports whether the network is reachable and pushes
// transitions. Injected rather than read from ambient global state so tests
// can substitute a deterministic fake.
type ConnectivityObserver interface {
	Online() bool
	// Changes delivers online/offline transitions. The channel is owned by
	// the observer and closed when the observer shuts down.
	Changes() <-chan bool
}

// StateCallback is invoked (on the engine's goroutine, without the engine
// lock) after every externally visible state change, so a UI can keep a
// saving/offline/retrying indicator current at all times.
type StateCallback func(Status)

// Config carries the scheduling knobs for an Engine.
type Config struct {
	// Debounce is the quiet period after the last edit before a save is
	// attempted. Reset on every MarkChanged.
	Debounce time.Duration
	// MaxWait bounds how long continuous typing can defer a save. Armed
	// once per dirty period, never reset.
	MaxWait time.Duration
	// MaxRetries bounds automatic retries after network errors.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}

	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	return c
}

// timerSlot is one mutually exclusive scheduled-event slot. The generation
// counter invalidates fires from timers that were re-armed or canceled
// after the fire was already in flight.
type timerSlot struct {
	handle Timer
	gen    uint64
}

// Engine drives the autosave pipeline for a single entity.
type Engine struct {
	entityID string
	saver    Saver
	store    QueueStore
	conn     ConnectivityObserver
	cfg      Config
	clock    Clock
	logger   *slog.Logger
	baseLog  *slog.Logger
	onState  StateCallback
	stateCh  chan Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	// Guarded by mu from here down.
	state         SaveState
	baseVersion   int64
	lastCommitted string // normalized snapshot of the last confirmed content
	lastSavedAt   time.Time

	dirty          bool
	pendingContent string

	inFlight       bool
	attemptContent string
	opID           string // stable across retries of one logical attempt
	fastForwarded  bool
	retryCount     int
	conflict       *saveclient.ConflictRecord
	lastErr        error

	recoveryPending bool
	replaying       bool
	closed          bool
	queuedCount     int

	// epoch invalidates in-flight results after SetEntity or Close.
	epoch uint64

	debounceSlot timerSlot
	maxWaitSlot  timerSlot
	retrySlot    timerSlot
}

// New creates an Engine for one entity. baseVersion and serverContent are
// the server state provided by the document-loading collaborator; they seed
// the version baseline and the committed-content snapshot.
func New(entityID string, baseVersion int64, serverContent string, saver Saver, store QueueStore,
	conn ConnectivityObserver, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		entityID:      entityID,
		saver:         saver,
		store:         store,
		conn:          conn,
		cfg:           cfg.withDefaults(),
		clock:         realClock{},
		logger:        logger.With(slog.String("entity_id", entityID)),
		baseLog:       logger,
		stateCh:       make(chan Status, 64),
		ctx:           ctx,
		cancel:        cancel,
		state:         StateIdle,
		baseVersion:   baseVersion,
		lastCommitted: norm.NFC.String(serverContent),
	}
}

// SetStateCallback registers a listener for state changes. Must be called
// before Start.
func (e *Engine) SetStateCallback(cb StateCallback) {
	e.onState = cb
}

// Start launches the connectivity watcher and, when the durable queue holds
// entries for this entity and no recovery decision is pending, replays them.
// Callers must run CheckRecovery (and answer any offer) before Start so
// recovery is decided before the scheduler is armed.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}

	pending := e.recoveryPending
	e.mu.Unlock()

	if n, err := e.store.Count(e.ctx, e.entityID); err == nil {
		e.mu.Lock()
		e.queuedCount = n
		e.mu.Unlock()

		if n > 0 && !pending && e.conn.Online() {
			e.logger.Info("queued saves found at startup, replaying", slog.Int("count", n))
			e.ReplayQueue(e.ctx)
		}
	}

	e.wg.Add(1)

	go e.watchConnectivity()

	if e.onState != nil {
		e.wg.Add(1)

		go e.dispatchStates()
	}

	return nil
}

// dispatchStates delivers state-change notifications in transition order on
// a single goroutine, so a UI observes pending → saving → saved rather than
// an interleaving.
func (e *Engine) dispatchStates() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case st := <-e.stateCh:
			e.onState(st)
		}
	}
}

// Close cancels all timers and background work. In-flight network calls are
// not forcibly aborted, but their results are discarded via the epoch guard.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	e.epoch++
	e.cancelAllTimersLocked()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// MarkChanged records the latest content snapshot and (re)schedules a save.
// The debounce timer resets on every call; the max-wait timer arms once per
// dirty period. Content identical to the last committed snapshot cancels
// any pending schedule instead of issuing a redundant write.
func (e *Engine) MarkChanged(content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if e.recoveryPending {
		return ErrRecoveryPending
	}

	normalized := norm.NFC.String(content)

	if normalized == e.lastCommitted && !e.inFlight {
		// Reverted to the committed snapshot — nothing to save.
		if e.dirty {
			e.dirty = false
			e.cancelTimerLocked(&e.debounceSlot)
			e.cancelTimerLocked(&e.maxWaitSlot)

			if e.state == StatePending {
				e.setStateLocked(StateIdle)
			}
		}

		return nil
	}

	e.pendingContent = normalized

	if e.inFlight {
		// No second network call while one is in flight; the scheduler
		// re-arms after the in-flight attempt resolves.
		e.dirty = true
		return nil
	}

	// Conflict and error states require an explicit user action before new
	// attempts; rate-limited already has a retry scheduled. Record the edit
	// but leave the pipeline to its pending resolution.
	if e.state == StateConflict || e.state == StateError || e.state == StateRateLimited {
		e.dirty = true
		return nil
	}

	if !e.dirty {
		e.dirty = true
		e.armTimerLocked(&e.maxWaitSlot, e.cfg.MaxWait, e.onMaxWaitFired)
	}

	e.armTimerLocked(&e.debounceSlot, e.cfg.Debounce, e.onDebounceFired)

	if e.state == StateIdle || e.state == StateSaved || e.state == StateOffline {
		e.setStateLocked(StatePending)
	}

	return nil
}

// SaveNow bypasses the debounce and max-wait timers and issues a save
// immediately if unsaved edits exist. While an attempt sits in a
// rate-limit or backoff wait, it cancels the scheduled retry and reissues
// the attempt at once.
func (e *Engine) SaveNow() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if e.recoveryPending {
		return ErrRecoveryPending
	}

	if e.inFlight {
		return nil
	}

	if !e.dirty {
		// An attempt parked on a rate-limit or backoff wait is reissued
		// immediately rather than waiting out the scheduled delay.
		if e.attemptContent != "" && (e.state == StateRateLimited || e.state == StatePending) {
			e.cancelTimerLocked(&e.retrySlot)
			e.issueSaveLocked(e.attemptContent)
		}

		return nil
	}

	e.cancelTimerLocked(&e.debounceSlot)
	e.cancelTimerLocked(&e.maxWaitSlot)
	e.cancelTimerLocked(&e.retrySlot)
	e.beginAttemptLocked()

	return nil
}

// Retry restarts the pipeline from the error or rate-limited state. It
// cancels any scheduled retry timer, resets the backoff counter, and
// reissues the outstanding attempt immediately with its original op_id.
func (e *Engine) Retry() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if e.inFlight {
		return nil
	}

	switch e.state {
	case StateOffline:
		// The attempt lives in the durable queue; retrying means replaying it.
		e.mu.Unlock()
		e.ReplayQueue(e.ctx)
		e.mu.Lock()

		return nil
	case StateError, StateRateLimited:
		e.cancelTimerLocked(&e.retrySlot)
		e.retryCount = 0
		e.lastErr = nil

		if e.attemptContent == "" && !e.dirty {
			e.setStateLocked(StateIdle)
			return nil
		}

		if e.attemptContent == "" {
			e.beginAttemptLocked()
		} else {
			e.issueSaveLocked(e.attemptContent)
		}

		return nil
	default:
		return nil
	}
}

// AcceptServerVersion resolves a surfaced conflict by discarding the local
// payload and adopting the server's version and content. It returns the
// server payload so the editor can load it.
func (e *Engine) AcceptServerVersion() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateConflict || e.conflict == nil {
		return "", ErrNoConflict
	}

	rec := e.conflict
	e.baseVersion = rec.LatestVersion
	e.lastCommitted = norm.NFC.String(rec.LatestPayload)
	e.conflict = nil
	e.fastForwarded = false
	e.opID = ""
	e.attemptContent = ""
	e.dirty = false
	e.retryCount = 0
	e.setStateLocked(StateIdle)

	e.logger.Info("conflict resolved: accepted server version",
		slog.Int64("version", rec.LatestVersion),
	)

	return rec.LatestPayload, nil
}

// ForceLocalVersion resolves a surfaced conflict by adopting the server's
// version as the new base and immediately resaving the local content as a
// fresh attempt (new op_id).
func (e *Engine) ForceLocalVersion() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateConflict || e.conflict == nil {
		return ErrNoConflict
	}

	rec := e.conflict
	e.baseVersion = rec.LatestVersion
	e.conflict = nil
	e.fastForwarded = false
	e.opID = uuid.New().String() // fresh logical attempt
	e.retryCount = 0

	e.logger.Info("conflict resolved: forcing local version",
		slog.Int64("new_base_version", rec.LatestVersion),
	)

	e.issueSaveLocked(e.attemptContent)

	return nil
}

// SetEntity re-targets the engine at a different entity: all pending timers
// are canceled, the content baseline resets to the new entity's server
// state, and any in-flight result for the old entity is discarded. Edits
// never leak across entities.
func (e *Engine) SetEntity(entityID string, baseVersion int64, serverContent string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	e.epoch++
	e.cancelAllTimersLocked()

	e.entityID = entityID
	e.logger = e.baseLog.With(slog.String("entity_id", entityID))
	e.baseVersion = baseVersion
	e.lastCommitted = norm.NFC.String(serverContent)
	e.dirty = false
	e.pendingContent = ""
	e.inFlight = false
	e.attemptContent = ""
	e.opID = ""
	e.fastForwarded = false
	e.retryCount = 0
	e.conflict = nil
	e.lastErr = nil
	e.recoveryPending = false
	e.queuedCount = 0

	if n, err := e.store.Count(e.ctx, entityID); err == nil {
		e.queuedCount = n
	}

	e.setStateLocked(StateIdle)
}

// Status returns a snapshot of the pipeline state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.statusLocked()
}

// EntityID returns the entity this engine currently serves.
func (e *Engine) EntityID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.entityID
}

func (e *Engine) statusLocked() Status {
	return Status{
		EntityID:    e.entityID,
		State:       e.state,
		BaseVersion: e.baseVersion,
		Dirty:       e.dirty,
		RetryCount:  e.retryCount,
		LastError:   e.lastErr,
		Conflict:    e.conflict,
		LastSavedAt: e.lastSavedAt,
		Queued:      e.queuedCount,
	}
}

// setStateLocked transitions the observable state and notifies the callback.
func (e *Engine) setStateLocked(s SaveState) {
	if e.state == s {
		return
	}

	e.logger.Debug("save state transition",
		slog.String("from", e.state.String()),
		slog.String("to", s.String()),
	)

	e.state = s

	if e.onState != nil {
		// Non-blocking: a stalled listener must never wedge the pipeline.
		select {
		case e.stateCh <- e.statusLocked():
		default:
		}
	}
}

// --- timer slots ---

// armTimerLocked replaces the slot's outstanding timer. fire runs on the
// timer goroutine and re-enters the machine with the generation it was
// armed under.
func (e *Engine) armTimerLocked(slot *timerSlot, d time.Duration, fire func(gen uint64)) {
	if slot.handle != nil {
		slot.handle.Stop()
	}

	slot.gen++
	gen := slot.gen
	slot.handle = e.clock.AfterFunc(d, func() { fire(gen) })
}

func (e *Engine) cancelTimerLocked(slot *timerSlot) {
	if slot.handle != nil {
		slot.handle.Stop()
		slot.handle = nil
	}

	slot.gen++
}

func (e *Engine) cancelAllTimersLocked() {
	e.cancelTimerLocked(&e.debounceSlot)
	e.cancelTimerLocked(&e.maxWaitSlot)
	e.cancelTimerLocked(&e.retrySlot)
}

// onDebounceFired handles the debounce timer: the quiet period elapsed, so
// commit the latest content. Firing cancels the max-wait slot.
func (e *Engine) onDebounceFired(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.debounceSlot.gen || e.closed {
		return
	}

	e.debounceSlot.handle = nil
	e.cancelTimerLocked(&e.maxWaitSlot)

	if e.dirty && !e.inFlight {
		e.beginAttemptLocked()
	}
}

// onMaxWaitFired handles the max-wait ceiling: continuous typing has
// deferred the debounce long enough. Firing cancels the debounce slot.
func (e *Engine) onMaxWaitFired(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.maxWaitSlot.gen || e.closed {
		return
	}

	e.maxWaitSlot.handle = nil
	e.cancelTimerLocked(&e.debounceSlot)

	if e.dirty && !e.inFlight {
		e.beginAttemptLocked()
	}
}

// onRetryFired handles a scheduled backoff or rate-limit retry.
func (e *Engine) onRetryFired(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.retrySlot.gen || e.closed {
		return
	}

	e.retrySlot.handle = nil

	if !e.inFlight {
		e.issueSaveLocked(e.attemptContent)
	}
}

// --- save attempts ---

// beginAttemptLocked starts a fresh logical save attempt from the pending
// content: new op_id, fast-forward budget and backoff counter reset.
func (e *Engine) beginAttemptLocked() {
	e.dirty = false
	e.opID = uuid.New().String()
	e.fastForwarded = false
	e.retryCount = 0
	e.issueSaveLocked(e.pendingContent)
}

// issueSaveLocked dispatches one network attempt for the current logical
// save. The network call runs off the lock; its completion re-enters the
// machine guarded by the epoch captured here.
func (e *Engine) issueSaveLocked(content string) {
	e.attemptContent = content
	e.inFlight = true
	e.setStateLocked(StateSaving)

	epoch := e.epoch
	entityID := e.entityID
	base := e.baseVersion
	opID := e.opID

	e.logger.Debug("issuing save attempt",
		slog.Int64("base_version", base),
		slog.String("op_id", opID),
	)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		res, err := e.saver.Save(e.ctx, entityID, content, base, opID)
		e.handleSaveResult(epoch, content, res, err)
	}()
}

// handleSaveResult re-enters the state machine with a completed attempt.
// Results from a previous entity context (epoch mismatch) are ignored.
func (e *Engine) handleSaveResult(epoch uint64, content string, res *saveclient.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch || e.closed {
		e.logger.Debug("discarding stale save result")
		return
	}

	e.inFlight = false

	if err != nil {
		// Request construction failure or engine shutdown.
		e.lastErr = err
		e.setStateLocked(StateError)

		return
	}

	switch res.Kind {
	case saveclient.OutcomeSuccess:
		e.onSuccessLocked(content, res.NewVersion)
	case saveclient.OutcomeConflict:
		e.onConflictLocked(content, res.Conflict)
	case saveclient.OutcomeRateLimited:
		e.onRateLimitedLocked(res.RetryAfter)
	case saveclient.OutcomeNetwork:
		e.onNetworkErrorLocked(content, res.Err)
	case saveclient.OutcomeFatal:
		e.lastErr = res.Err
		e.logger.Error("save failed fatally", slog.String("error", res.Err.Error()))
		e.setStateLocked(StateError)
	}
}

func (e *Engine) onSuccessLocked(content string, newVersion int64) {
	// A successful write increases the version by exactly one; an
	// idempotent replay of an already-confirmed op_id must never move
	// the base backwards.
	if newVersion > e.baseVersion {
		e.baseVersion = newVersion
	}

	e.lastCommitted = content
	e.lastSavedAt = e.clock.Now()
	e.opID = ""
	e.attemptContent = ""
	e.fastForwarded = false
	e.retryCount = 0
	e.lastErr = nil

	e.logger.Info("save confirmed", slog.Int64("version", e.baseVersion))

	if e.dirty {
		// Edits arrived while saving: re-arm a fresh dirty period.
		e.setStateLocked(StatePending)
		e.armTimerLocked(&e.maxWaitSlot, e.cfg.MaxWait, e.onMaxWaitFired)
		e.armTimerLocked(&e.debounceSlot, e.cfg.Debounce, e.onDebounceFired)

		return
	}

	e.setStateLocked(StateSaved)
}

// onConflictLocked applies the one-shot automatic fast-forward: the common
// cause is this client's own earlier save landing between its read and
// write, which is safe to rebase onto. A second conflict for the same
// logical save means a true concurrent editor — escalate.
func (e *Engine) onConflictLocked(content string, rec *saveclient.ConflictRecord) {
	if !e.fastForwarded {
		e.fastForwarded = true
		e.baseVersion = rec.LatestVersion

		e.logger.Info("conflict: fast-forwarding",
			slog.Int64("new_base_version", rec.LatestVersion),
		)

		e.issueSaveLocked(content)

		return
	}

	e.conflict = rec
	e.logger.Warn("conflict requires explicit resolution",
		slog.Int64("latest_version", rec.LatestVersion),
		slog.Int64("base_version", rec.YourBaseVersion),
	)
	e.setStateLocked(StateConflict)
}

func (e *Engine) onRateLimitedLocked(retryAfter time.Duration) {
	e.logger.Warn("rate limited, retry scheduled",
		slog.Duration("retry_after", retryAfter),
	)

	e.setStateLocked(StateRateLimited)
	e.armTimerLocked(&e.retrySlot, retryAfter, e.onRetryFired)
}

func (e *Engine) onNetworkErrorLocked(content string, cause error) {
	e.lastErr = cause

	if !e.conn.Online() {
		e.enqueueOfflineLocked(content)
		return
	}

	e.retryCount++

	if e.retryCount > e.cfg.MaxRetries {
		e.logger.Error("retries exhausted",
			slog.Int("retries", e.retryCount-1),
			slog.String("error", cause.Error()),
		)
		e.setStateLocked(StateError)

		return
	}

	backoff := backoffDelay(e.retryCount)
	e.logger.Warn("network error, backing off",
		slog.Int("retry", e.retryCount),
		slog.Duration("backoff", backoff),
		slog.String("error", cause.Error()),
	)

	e.setStateLocked(StatePending)
	e.armTimerLocked(&e.retrySlot, backoff, e.onRetryFired)
}

// enqueueOfflineLocked persists the attempt for replay when connectivity
// returns. The op_id travels with the entry so the eventual replay is
// idempotent against a write the server may have already applied.
func (e *Engine) enqueueOfflineLocked(content string) {
	ps := &queue.PendingSave{
		ID:          uuid.New().String(),
		EntityID:    e.entityID,
		Payload:     content,
		BaseVersion: e.baseVersion,
		Timestamp:   e.clock.Now().UTC(),
		RetryCount:  0,
		OpID:        e.opID,
	}

	if err := e.store.Enqueue(e.ctx, ps); err != nil {
		// The queue is the safety net; losing it is a hard error.
		e.lastErr = fmt.Errorf("engine: offline enqueue: %w", err)
		e.setStateLocked(StateError)

		return
	}

	e.opID = ""
	e.attemptContent = ""
	e.fastForwarded = false
	e.retryCount = 0
	e.queuedCount++
	e.setStateLocked(StateOffline)
}

// backoffDelay returns the exponential backoff for the n-th consecutive
// network failure: 2s, 4s, 8s, ...
func backoffDelay(n int) time.Duration {
	d := time.Second

	for range n {
		d *= backoffBase
	}

	return d
}

// watchConnectivity replays the durable queue whenever the observer reports
// a transition back online.
func (e *Engine) watchConnectivity() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case online, ok := <-e.conn.Changes():
			if !ok {
				return
			}

			if !online {
				e.logger.Info("connectivity lost")
				continue
			}

			e.logger.Info("connectivity restored, replaying queued saves")
			e.ReplayQueue(e.ctx)
		}
	}
}
