package lock

import (
	"time"
)

// Type represents the type of advisory lock
type Type int

const (
	Exclusive Type = iota
	Shared
	IntentExclusive
	IntentShared
)

func (t Type) String() string {
	switch t {
	case Exclusive:
		return "EXCLUSIVE"
	case Shared:
		return "SHARED"
	case IntentExclusive:
		return "INTENT_EXCLUSIVE"
	case IntentShared:
		return "INTENT_SHARED"
	default:
		return "UNKNOWN"
	}
}

// Compatible reports whether a lock of type requested may be granted while a
// lock of type held is active on the same resource. Exclusive excludes
// everything; intent and shared modes coexist except against a pending
// exclusive claim.
func Compatible(held, requested Type) bool {
	return compatibility[held][requested]
}

// compatibility[held][requested]
var compatibility = [4][4]bool{
	Exclusive:       {Exclusive: false, Shared: false, IntentExclusive: false, IntentShared: false},
	Shared:          {Exclusive: false, Shared: true, IntentExclusive: false, IntentShared: true},
	IntentExclusive: {Exclusive: false, Shared: true, IntentExclusive: false, IntentShared: true},
	IntentShared:    {Exclusive: false, Shared: true, IntentExclusive: true, IntentShared: true},
}

// Lock represents a held claim on a named resource.
type Lock struct {
	ResourceKey string            `json:"resource_key"`
	Type        Type              `json:"lock_type"`
	OwnerID     string            `json:"owner_id"`
	AcquiredAt  time.Time         `json:"acquired_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the lock is past its expiry and may be reclaimed.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// holderRecord is the wire form of one holder entry inside a resource's lock
// hash. Timestamps are unix milliseconds so the acquisition script can compare
// them without date parsing.
type holderRecord struct {
	LockType     int               `json:"lock_type"`
	AcquiredAtMs int64             `json:"acquired_at_ms"`
	ExpiresAtMs  int64             `json:"expires_at_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
