package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velotra/paycoord/logging"
)

// EventType represents the type of audit event
type EventType string

const (
	EventTypeKeyCollision     EventType = "idempotency_key_collision"
	EventTypeRecordCreated    EventType = "idempotency_record_created"
	EventTypeRecordUpdated    EventType = "idempotency_record_updated"
	EventTypeLockAcquired     EventType = "lock_acquired"
	EventTypeLockReleased     EventType = "lock_released"
	EventTypeLockForceExpired EventType = "lock_force_expired"
	EventTypeTransaction      EventType = "transaction"
	EventTypeCleanup          EventType = "cleanup"
)

// Severity classifies how urgently an event should be looked at
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeveritySecurity Severity = "security"
)

// Event represents a single audit event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Component string                 `json:"component"`
	Resource  string                 `json:"resource,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Checksum  string                 `json:"checksum"`
}

// Sink persists audit events outside the process. Sink failures are logged
// and swallowed: losing an audit event must never fail the guarded operation.
type Sink interface {
	Store(event Event) error
}

// Trail records coordination-lifecycle and security events. It keeps a bounded
// in-memory window for in-flight inspection and forwards every event to the
// configured sink.
type Trail struct {
	events []Event
	mutex  sync.RWMutex
	logger *logging.Logger
	sink   Sink

	maxEvents int
}

// NewTrail creates a new audit trail. sink may be nil.
func NewTrail(sink Sink, logger *logging.Logger) *Trail {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Trail{
		events:    make([]Event, 0),
		logger:    logger,
		sink:      sink,
		maxEvents: 10000,
	}
}

// Emit records an audit event. It never returns an error: audit is
// fire-and-forget from the caller's perspective.
func (t *Trail) Emit(eventType EventType, severity Severity, component, resource string, details map[string]interface{}) {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		Component: component,
		Resource:  resource,
		Details:   details,
	}
	event.Checksum = checksum(event)

	t.mutex.Lock()
	t.events = append(t.events, event)
	if len(t.events) > t.maxEvents {
		t.events = t.events[len(t.events)-t.maxEvents:]
	}
	t.mutex.Unlock()

	if t.sink != nil {
		if err := t.sink.Store(event); err != nil {
			t.logger.Error("audit", "store", "failed to persist audit event", map[string]interface{}{
				"event_id":   event.ID,
				"event_type": string(eventType),
				"error":      err.Error(),
			})
		}
	}

	level := logging.LevelInfo
	if severity != SeverityInfo {
		level = logging.LevelWarn
	}
	t.logger.Log(level, "audit", string(eventType), "audit event", map[string]interface{}{
		"event_id": event.ID,
		"severity": string(severity),
		"resource": resource,
	})
}

// Events returns a snapshot of the in-memory window, newest last.
func (t *Trail) Events() []Event {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// EventsOfType returns in-memory events matching the given type.
func (t *Trail) EventsOfType(eventType EventType) []Event {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var out []Event
	for _, e := range t.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// VerifyIntegrity recomputes checksums over the in-memory window.
func (t *Trail) VerifyIntegrity() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, e := range t.events {
		if e.Checksum != checksum(e) {
			return false
		}
	}
	return true
}

func checksum(event Event) string {
	event.Checksum = ""
	data, err := json.Marshal(event)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
