package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// State represents the lifecycle state of a coordinated transaction.
type State int

const (
	StatePending State = iota
	StateProcessing
	StateCommitted
	StateFailed
	StateCancelled
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateProcessing:
		return "PROCESSING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolation maps a configuration string to the database isolation level.
func ParseIsolation(level string) (sql.IsolationLevel, error) {
	switch level {
	case "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level: %s", level)
	}
}

// Options configure a single coordinated transaction.
type Options struct {
	// TransactionID overrides the generated identifier. Useful when the caller
	// already carries a correlation id.
	TransactionID string
	// Isolation overrides the configured default when non-empty.
	Isolation string
	ReadOnly  bool
	// Metadata is persisted on the transaction context record.
	Metadata map[string]interface{}
}

// RollbackAction compensates an external side effect when the transaction
// fails. Actions run in reverse registration order.
type RollbackAction func(ctx context.Context) error

// OperationEntry is one executed statement in the transaction's audit log.
type OperationEntry struct {
	Kind  string    `json:"kind"`
	Query string    `json:"query"`
	At    time.Time `json:"at"`
}

// contextRecord is the transaction context persisted in the coordination
// store so other instances and dashboards can see in-flight work.
type contextRecord struct {
	ID         string                 `json:"id"`
	State      string                 `json:"state"`
	Isolation  string                 `json:"isolation"`
	ReadOnly   bool                   `json:"read_only,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	Resources  []string               `json:"resources,omitempty"`
	Operations []OperationEntry       `json:"operations,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
