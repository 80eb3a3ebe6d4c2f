package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/velotra/paycoord/lock"
)

// Txn is the handle fn receives inside Coordinator.Execute. It carries the
// live database transaction plus the coordination bookkeeping: an ordered log
// of executed statements, resource locks owned by this transaction, and
// compensations for external side effects.
type Txn struct {
	id          string
	tx          *sql.Tx
	coordinator *Coordinator
	startedAt   time.Time

	mu              sync.Mutex
	heldResources   []string
	operations      []OperationEntry
	rollbackActions []RollbackAction
}

// ID returns the transaction identifier, which also owns any resource locks.
func (t *Txn) ID() string {
	return t.id
}

// Operations returns the statement log so far. The log survives in memory
// after the coordination record is cleaned up; callers needing a durable
// audit must persist it themselves.
func (t *Txn) Operations() []OperationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OperationEntry(nil), t.operations...)
}

// Execute runs a statement inside the transaction.
func (t *Txn) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statement failed in transaction %s: %w", t.id, err)
	}
	t.appendOperation(ctx, "execute", query)
	return result, nil
}

// Fetch runs a query and returns all rows as column-name maps. Byte slices
// come back as strings so results survive JSON round trips.
func (t *Txn) Fetch(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed in transaction %s: %w", t.id, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query failed in transaction %s: %w", t.id, err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan failed in transaction %s: %w", t.id, err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			value := values[i]
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[column] = value
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed in transaction %s: %w", t.id, err)
	}
	t.appendOperation(ctx, "fetch", query)
	return out, nil
}

// FetchOne returns the first row of a query, or nil when there are none.
func (t *Txn) FetchOne(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error) {
	rows, err := t.Fetch(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchScalar returns the single value of a single-column query.
func (t *Txn) FetchScalar(ctx context.Context, query string, args ...interface{}) (interface{}, error) {
	var value interface{}
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&value)
	if err != nil {
		return nil, fmt.Errorf("scalar query failed in transaction %s: %w", t.id, err)
	}
	if b, ok := value.([]byte); ok {
		value = string(b)
	}
	t.appendOperation(ctx, "fetch_scalar", query)
	return value, nil
}

// AcquireResourceLock takes a coordination lock on resourceKey owned by this
// transaction. The lock is released automatically when the transaction
// finishes, on every path. Contention past the retry budget surfaces as
// lock.ErrNotAcquired.
func (t *Txn) AcquireResourceLock(ctx context.Context, resourceKey string, lockType lock.Type) error {
	held, err := t.coordinator.locks.Acquire(ctx, resourceKey, lockType, t.coordinator.cfg.ContextTTL, t.id)
	if err != nil {
		return err
	}
	if held == nil {
		return fmt.Errorf("%w: resource %s in transaction %s", lock.ErrNotAcquired, resourceKey, t.id)
	}

	t.mu.Lock()
	t.heldResources = append(t.heldResources, resourceKey)
	t.mu.Unlock()

	t.syncContext(ctx)
	return nil
}

// AddRollbackAction registers a compensation for an external side effect.
// Actions run in reverse registration order when the transaction fails, and
// never when it commits.
func (t *Txn) AddRollbackAction(action RollbackAction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackActions = append(t.rollbackActions, action)
}

func (t *Txn) appendOperation(ctx context.Context, kind, query string) {
	t.mu.Lock()
	t.operations = append(t.operations, OperationEntry{
		Kind:  kind,
		Query: query,
		At:    time.Now().UTC(),
	})
	t.mu.Unlock()

	t.syncContext(ctx)
}

// runRollbackActions executes the registered compensations LIFO. A failing
// action is logged and skipped; the remaining compensations still run.
func (t *Txn) runRollbackActions(ctx context.Context) {
	t.mu.Lock()
	actions := t.rollbackActions
	t.rollbackActions = nil
	t.mu.Unlock()

	for i := len(actions) - 1; i >= 0; i-- {
		if err := actions[i](ctx); err != nil {
			t.coordinator.logger.Error("transaction", "rollback", "rollback action failed", map[string]interface{}{
				"transaction_id": t.id,
				"action_index":   i,
				"error":          err.Error(),
			})
		}
	}
}

// releaseLocks releases every resource lock owned by this transaction.
func (t *Txn) releaseLocks(ctx context.Context) {
	t.mu.Lock()
	resources := t.heldResources
	t.heldResources = nil
	t.mu.Unlock()

	for _, resource := range resources {
		if _, err := t.coordinator.locks.Release(ctx, resource, t.id); err != nil {
			t.coordinator.logger.Error("transaction", "release", "failed to release resource lock", map[string]interface{}{
				"transaction_id": t.id,
				"resource":       resource,
				"error":          err.Error(),
			})
		}
	}
}

// syncContext refreshes the persisted context record with the current lock
// set and statement log, keeping in-flight work visible to other instances.
// Best effort: bookkeeping must not fail the transaction.
func (t *Txn) syncContext(ctx context.Context) {
	key := t.coordinator.contextKey(t.id)

	var record contextRecord
	found, err := t.coordinator.records.Get(ctx, key, &record)
	if err != nil || !found {
		return
	}

	t.mu.Lock()
	record.Resources = append([]string(nil), t.heldResources...)
	record.Operations = append([]OperationEntry(nil), t.operations...)
	t.mu.Unlock()

	remaining := t.coordinator.cfg.ContextTTL - time.Since(t.startedAt)
	if remaining <= 0 {
		return
	}
	if err := t.coordinator.records.Set(ctx, key, record, remaining); err != nil {
		t.coordinator.logger.Warn("transaction", "context", "failed to update context record", map[string]interface{}{
			"transaction_id": t.id,
			"error":          err.Error(),
		})
	}
}
