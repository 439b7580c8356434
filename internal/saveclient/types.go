package saveclient

import (
	"encoding/json"
	"time"
)

// Outcome is the disjoint classification of one save attempt. The set is
// closed: every attempt resolves to exactly one of these five kinds.
type Outcome int

const (
	// OutcomeSuccess means the server accepted the write and assigned a
	// new version. The caller must adopt Result.NewVersion as its base.
	OutcomeSuccess Outcome = iota
	// OutcomeConflict means the base version did not match the server's
	// current version. The payload was NOT applied.
	OutcomeConflict
	// OutcomeRateLimited means the server throttled the write. No payload
	// state changed; retry after Result.RetryAfter.
	OutcomeRateLimited
	// OutcomeNetwork means the transport failed or the server returned a
	// transient 5xx. It is ambiguous whether the write was applied —
	// the stable op_id makes blind retry safe.
	OutcomeNetwork
	// OutcomeFatal means a non-retryable application error (bad request,
	// permission denied, unknown entity). No retry.
	OutcomeFatal
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeConflict:
		return "conflict"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeNetwork:
		return "network_error"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ConflictRecord carries the server's view of the entity after a version
// mismatch. It is transient: created on a 409 response and destroyed when
// the conflict is resolved.
type ConflictRecord struct {
	LatestVersion   int64     `json:"latest_version"`
	LatestPayload   string    `json:"latest_payload"`
	LatestUpdatedAt time.Time `json:"latest_updated_at"`
	YourBaseVersion int64     `json:"your_base_version"`
}

// Result is the classified outcome of one compare-and-swap save attempt.
// Exactly one of the payload fields is meaningful, selected by Kind.
type Result struct {
	Kind       Outcome
	NewVersion int64           // OutcomeSuccess
	Conflict   *ConflictRecord // OutcomeConflict
	RetryAfter time.Duration   // OutcomeRateLimited
	Err        error           // OutcomeNetwork, OutcomeFatal
}

// Entity is the server's representation of one editable document,
// returned by Fetch at load time.
type Entity struct {
	EntityID  string    `json:"entity_id"`
	Version   int64     `json:"version"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// saveRequest is the wire body for PATCH /entities/{id}.
type saveRequest struct {
	Payload         string    `json:"payload"`
	BaseVersion     int64     `json:"base_version"`
	OpID            string    `json:"op_id"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// saveResponse is the wire body for a 200 response.
type saveResponse struct {
	NewVersion int64 `json:"new_version"`
}

// parseRawConflict decodes a 409 response body into a ConflictRecord.
func parseRawConflict(body []byte) (*ConflictRecord, error) {
	var rec ConflictRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}

	return &rec, nil
}
