// Package transaction wraps database transactions with coordination-store
// bookkeeping: a persisted transaction context, resource locks that are
// guaranteed to be released, and LIFO rollback actions for compensating
// external side effects.
package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velotra/paycoord/audit"
	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/lock"
	"github.com/velotra/paycoord/logging"
	"github.com/velotra/paycoord/store"
)

// Coordinator runs caller-supplied work inside a database transaction while
// tracking a context record and resource locks in the coordination store.
type Coordinator struct {
	db         *sql.DB
	records    *store.RecordStore
	locks      *lock.Coordinator
	cfg        config.TransactionConfig
	logger     *logging.Logger
	trail      *audit.Trail
	defaultIso sql.IsolationLevel
}

// NewCoordinator creates a transaction coordinator.
func NewCoordinator(db *sql.DB, records *store.RecordStore, locks *lock.Coordinator, cfg config.TransactionConfig, logger *logging.Logger, trail *audit.Trail) (*Coordinator, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = time.Hour
	}
	if cfg.DefaultIsolation == "" {
		cfg.DefaultIsolation = "read_committed"
	}
	iso, err := ParseIsolation(cfg.DefaultIsolation)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		db:         db,
		records:    records,
		locks:      locks,
		cfg:        cfg,
		logger:     logger,
		trail:      trail,
		defaultIso: iso,
	}, nil
}

func (c *Coordinator) contextKey(id string) string {
	return c.records.Key("txn", "ctx", id)
}

// Execute runs fn inside a database transaction. On success the transaction
// commits; on any failure (fn error, commit error, or panic) it rolls back
// and the registered rollback actions run in reverse order. Locks acquired
// through the wrapper and the persisted context record are released on every
// path.
func (c *Coordinator) Execute(ctx context.Context, opts Options, fn func(txn *Txn) error) error {
	iso := c.defaultIso
	if opts.Isolation != "" {
		parsed, err := ParseIsolation(opts.Isolation)
		if err != nil {
			return err
		}
		iso = parsed
	}

	id := opts.TransactionID
	if id == "" {
		id = uuid.NewString()
	}
	start := time.Now().UTC()

	record := contextRecord{
		ID:        id,
		State:     StatePending.String(),
		Isolation: iso.String(),
		ReadOnly:  opts.ReadOnly,
		StartedAt: start,
		Metadata:  opts.Metadata,
	}
	if err := c.records.Set(ctx, c.contextKey(id), record, c.cfg.ContextTTL); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso, ReadOnly: opts.ReadOnly})
	if err != nil {
		c.deleteContext(ctx, id)
		return fmt.Errorf("failed to begin transaction %s: %w", id, err)
	}

	// Transaction is live; flip the persisted context to processing.
	// Best effort, like all context bookkeeping.
	record.State = StateProcessing.String()
	if err := c.records.Set(ctx, c.contextKey(id), record, c.cfg.ContextTTL); err != nil {
		c.logger.Warn("transaction", "context", "failed to mark context processing", map[string]interface{}{
			"transaction_id": id,
			"error":          err.Error(),
		})
	}

	txn := &Txn{id: id, tx: tx, coordinator: c, startedAt: start}
	finalState := StateRolledBack

	defer func() {
		// Lock release and context cleanup must happen on every exit path,
		// including panics, and even when the caller's context is dead.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		txn.releaseLocks(cleanupCtx)
		c.deleteContext(cleanupCtx, id)

		elapsed := time.Since(start)
		if elapsed > c.cfg.ContextTTL {
			// The context record expired out of the store while the
			// transaction was still running: observers may have treated it
			// as dead. Worth a security-grade look.
			c.logger.Warn("transaction", "execute", "transaction outlived its context TTL", map[string]interface{}{
				"transaction_id": id,
				"elapsed":        elapsed.String(),
				"context_ttl":    c.cfg.ContextTTL.String(),
			})
			if c.trail != nil {
				c.trail.Emit(audit.EventTypeTransaction, audit.SeverityWarning, "transaction", id, map[string]interface{}{
					"event":       "outlived_context_ttl",
					"elapsed_ms":  elapsed.Milliseconds(),
					"final_state": finalState.String(),
				})
			}
		}

		if c.trail != nil {
			c.trail.Emit(audit.EventTypeTransaction, audit.SeverityInfo, "transaction", id, map[string]interface{}{
				"final_state": finalState.String(),
				"elapsed_ms":  elapsed.Milliseconds(),
			})
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transaction", "execute", "panic inside transaction", map[string]interface{}{
				"transaction_id": id,
				"panic":          fmt.Sprintf("%v", r),
			})
			txn.runRollbackActions(context.WithoutCancel(ctx))
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(txn); err != nil {
		finalState = StateFailed
		// Context cancellation is itself a common failure cause; the
		// compensations must still be able to do I/O.
		txn.runRollbackActions(context.WithoutCancel(ctx))
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Error("transaction", "rollback", "database rollback failed", map[string]interface{}{
				"transaction_id": id,
				"error":          rbErr.Error(),
			})
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		finalState = StateFailed
		txn.runRollbackActions(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to commit transaction %s: %w", id, err)
	}

	finalState = StateCommitted
	c.logger.Debug("transaction", "execute", "transaction committed", map[string]interface{}{
		"transaction_id": id,
		"elapsed_ms":     time.Since(start).Milliseconds(),
	})
	return nil
}

// ActiveContextCount counts in-flight transaction context records. Health
// surface only.
func (c *Coordinator) ActiveContextCount(ctx context.Context) (int, error) {
	return c.records.CountKeys(ctx, c.records.Key("txn", "ctx"))
}

func (c *Coordinator) deleteContext(ctx context.Context, id string) {
	if _, err := c.records.Delete(ctx, c.contextKey(id)); err != nil {
		c.logger.Warn("transaction", "cleanup", "failed to delete transaction context", map[string]interface{}{
			"transaction_id": id,
			"error":          err.Error(),
		})
	}
}
