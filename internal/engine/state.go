package engine

import (
	"errors"
	"time"

	"github.com/scriptd/draftsync/internal/saveclient"
)

// SaveState is the externally observable status of one entity's save
// pipeline. idle and saved are the only states with no risk of data loss.
type SaveState int

const (
	// StateIdle means no unsaved edits exist.
	StateIdle SaveState = iota
	// StatePending means edits exist and a save is scheduled.
	StatePending
	// StateSaving means a save attempt is in flight.
	StateSaving
	// StateSaved means the last attempt succeeded and no edits followed.
	StateSaved
	// StateConflict means an unresolved version conflict awaits an
	// explicit accept-server or force-local choice.
	StateConflict
	// StateError means retries are exhausted or a fatal error occurred;
	// only an explicit Retry restarts the pipeline.
	StateError
	// StateOffline means the last attempt was queued durably because the
	// network is unreachable.
	StateOffline
	// StateRateLimited means the server throttled the last attempt and a
	// retry is scheduled.
	StateRateLimited
)

// String returns the state name for logging and display.
func (s SaveState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSaving:
		return "saving"
	case StateSaved:
		return "saved"
	case StateConflict:
		return "conflict"
	case StateError:
		return "error"
	case StateOffline:
		return "offline"
	case StateRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// AtRest reports whether the state carries no risk of losing local edits.
func (s SaveState) AtRest() bool {
	return s == StateIdle || s == StateSaved
}

// Status is a point-in-time snapshot of the pipeline, safe to read while
// the engine keeps running.
type Status struct {
	EntityID    string
	State       SaveState
	BaseVersion int64
	Dirty       bool
	RetryCount  int
	LastError   error
	Conflict    *saveclient.ConflictRecord
	LastSavedAt time.Time
	// Queued is the number of durable queue entries held for this entity.
	Queued int
}

// RecoveryOffer reports unsynced local content found in the durable queue
// at document load time. The engine never applies it automatically: the
// caller must answer with Recover or Discard before editing resumes.
type RecoveryOffer struct {
	EntityID    string
	Payload     string
	BaseVersion int64
	Timestamp   time.Time
	RetryCount  int
}

// Engine sentinel errors.
var (
	// ErrRecoveryPending rejects edits while a recovery offer is unanswered.
	// Accepting edits before the recover/discard choice would silently merge
	// two divergent histories.
	ErrRecoveryPending = errors.New("engine: recovery decision pending")

	// ErrNoConflict rejects a resolution action when no conflict is surfaced.
	ErrNoConflict = errors.New("engine: no conflict to resolve")

	// ErrNoRecovery rejects Recover/Discard when no offer is outstanding.
	ErrNoRecovery = errors.New("engine: no recovery offer outstanding")

	// ErrClosed rejects operations on a closed engine.
	ErrClosed = errors.New("engine: closed")
)
