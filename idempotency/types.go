package idempotency

import (
	"errors"
	"fmt"
	"time"
)

// Scope determines how an idempotency key is qualified before storage.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
	ScopeGlobal  Scope = "global"
	ScopeRequest Scope = "request"
)

// Status represents the lifecycle state of an idempotency record. A record
// moves Pending -> Processing -> {Completed, Failed} exactly once per key;
// Expired is an external terminal reached by TTL.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// validTransition encodes the record state machine.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed || to == StatusExpired
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusExpired
	default:
		return false
	}
}

// Record represents one logical operation attempt keyed by an idempotency key.
type Record struct {
	Key          string                 `json:"key"`
	Scope        Scope                  `json:"scope"`
	Status       Status                 `json:"status"`
	RequestHash  string                 `json:"request_hash"`
	HashDegraded bool                   `json:"hash_degraded,omitempty"`
	RequestData  interface{}            `json:"request_data,omitempty"`
	ResponseData interface{}            `json:"response_data,omitempty"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`

	ProcessingTimeMs  *int64 `json:"processing_time_ms,omitempty"`
	ResponseTruncated bool   `json:"response_truncated,omitempty"`
}

// Expired reports whether the record is past its expiry.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Outcome classifies how an Execute call was satisfied.
type Outcome string

const (
	// OutcomeFresh: the operation ran and its result was cached.
	OutcomeFresh Outcome = "fresh"
	// OutcomeCached: a completed record served the response without running
	// the operation.
	OutcomeCached Outcome = "cached"
	// OutcomeCollision: the key was taken by a different payload; the
	// operation ran fresh and its result was NOT cached.
	OutcomeCollision Outcome = "collision"
)

// Result is what Execute hands back on success.
type Result struct {
	Outcome        Outcome
	Response       interface{}
	ProcessingTime time.Duration
}

// Request describes one idempotent invocation.
type Request struct {
	// Key is the caller-assigned idempotency key. Required except for
	// ScopeRequest, where an empty key gets a generated one.
	Key string
	// Scope qualifies the key: ScopeUser prepends CallerID, ScopeSession
	// prepends SessionID, ScopeGlobal stores the key as-is.
	Scope     Scope
	CallerID  string
	SessionID string
	// Payload is fingerprinted to tell duplicates from collisions.
	Payload interface{}
	// TTL for the record; zero uses the configured default, values above the
	// configured maximum are capped.
	TTL      time.Duration
	Metadata map[string]interface{}
}

// ErrWaitTimeout is returned when another caller's in-flight attempt did not
// finish within the wait budget.
var ErrWaitTimeout = errors.New("timed out waiting for in-flight operation")

// ErrRecordTooLarge is returned when a request payload exceeds the configured
// size ceiling. Responses are truncated instead, never rejected.
var ErrRecordTooLarge = errors.New("request payload exceeds size limit")

// ReplayedError re-raises the failure cached on a Failed record. Subsequent
// callers with the same key and payload receive it verbatim instead of
// re-executing.
type ReplayedError struct {
	Kind    string
	Message string
}

func (e *ReplayedError) Error() string {
	return fmt.Sprintf("replayed %s: %s", e.Kind, e.Message)
}
