// Package paycoord wires the coordination core together: the record store,
// advisory locks, idempotency records, transaction coordination, and health
// checks, composed over a shared coordination store and a transactional
// database.
package paycoord

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/velotra/paycoord/audit"
	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/health"
	"github.com/velotra/paycoord/idempotency"
	"github.com/velotra/paycoord/lock"
	"github.com/velotra/paycoord/logging"
	"github.com/velotra/paycoord/transaction"

	recordstore "github.com/velotra/paycoord/store"
)

// Degradation thresholds for the live-count health gauges. Counts above these
// usually mean leaked locks or stuck transactions.
const (
	lockCountThreshold    = 10000
	contextCountThreshold = 1000
)

// System is the composed coordination core. All components share one record
// store, one logger, and one audit trail; there are no package-level
// singletons, so multiple Systems can coexist in a process.
type System struct {
	Config       *config.Config
	Logger       *logging.Logger
	Trail        *audit.Trail
	Records      *recordstore.RecordStore
	Locks        *lock.Coordinator
	Idempotency  *idempotency.Coordinator
	Transactions *transaction.Coordinator
	Health       *health.Checker
}

// Options carry the external handles a System composes over. Sink is
// optional; DB may be nil when transactional coordination is not needed.
type Options struct {
	Client redis.UniversalClient
	DB     *sql.DB
	Sink   audit.Sink
}

// New composes a System from the given configuration and external handles.
func New(cfg *config.Config, opts Options) (*System, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("coordination store client is required")
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))
	trail := audit.NewTrail(opts.Sink, logger)

	records, err := recordstore.New(opts.Client, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	locks := lock.NewCoordinator(records, cfg.Lock, logger, trail)
	idem := idempotency.NewCoordinator(records, locks, cfg.Idempotency, logger, trail)

	var transactions *transaction.Coordinator
	if opts.DB != nil {
		transactions, err = transaction.NewCoordinator(opts.DB, records, locks, cfg.Transaction, logger, trail)
		if err != nil {
			return nil, err
		}
	}

	checker := health.NewChecker(cfg.Health, logger)
	checker.Register(health.NewStoreCheck(records))
	checker.Register(health.NewGaugeCheck("active_locks", locks.ActiveLockCount, lockCountThreshold))
	checker.Register(health.NewGaugeCheck("active_idempotency_records", idem.ActiveRecordCount, 0))
	checker.Register(health.NewIntegrityCheck(trail.VerifyIntegrity))
	if opts.DB != nil {
		checker.Register(health.NewDatabaseCheck(opts.DB))
		checker.Register(health.NewGaugeCheck("active_transaction_contexts", transactions.ActiveContextCount, contextCountThreshold))
	}

	return &System{
		Config:       cfg,
		Logger:       logger,
		Trail:        trail,
		Records:      records,
		Locks:        locks,
		Idempotency:  idem,
		Transactions: transactions,
		Health:       checker,
	}, nil
}

// Start launches the background health loop.
func (s *System) Start(ctx context.Context) {
	s.Health.Start(ctx)
}

// HealthCheck runs every registered check now and returns the aggregate,
// with the effective timeouts and TTLs echoed for operational dashboards.
func (s *System) HealthCheck(ctx context.Context) health.Snapshot {
	snapshot := s.Health.Snapshot(ctx)
	snapshot.Config = map[string]interface{}{
		"lock_default_ttl":        s.Config.Lock.DefaultTTL.String(),
		"lock_retry_attempts":     s.Config.Lock.RetryAttempts,
		"lock_retry_backoff":      s.Config.Lock.RetryBackoff.String(),
		"idempotency_default_ttl": s.Config.Idempotency.DefaultTTL.String(),
		"idempotency_wait_budget": s.Config.Idempotency.WaitBudget.String(),
		"transaction_context_ttl": s.Config.Transaction.ContextTTL.String(),
	}
	return snapshot
}

// Close stops background work. The store client and database handle belong to
// the caller and are not closed here.
func (s *System) Close() {
	s.Health.Stop()
}
