package paycoord

import (
	"context"
	"database/sql"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/health"
	"github.com/velotra/paycoord/idempotency"
	"github.com/velotra/paycoord/lock"
	"github.com/velotra/paycoord/transaction"
)

func newSystemForTest(t *testing.T) *System {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`CREATE TABLE ledger (id TEXT PRIMARY KEY, amount INTEGER NOT NULL)`); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Store.Addr = m.Addr()
	cfg.Store.Compression = "none"
	cfg.Transaction.DefaultIsolation = "serializable"
	cfg.Idempotency.PollInterval = 5 * time.Millisecond
	cfg.Lock.RetryAttempts = 3
	cfg.Lock.RetryBackoff = 5 * time.Millisecond

	system, err := New(cfg, Options{Client: client, DB: db})
	if err != nil {
		t.Fatalf("failed to compose system: %v", err)
	}
	t.Cleanup(system.Close)
	return system
}

func TestSystemHealthCheck(t *testing.T) {
	system := newSystemForTest(t)

	snapshot := system.HealthCheck(context.Background())
	if snapshot.Overall != health.StatusHealthy {
		t.Fatalf("overall health = %s, want %s: %+v", snapshot.Overall, health.StatusHealthy, snapshot.Checks)
	}
	for _, name := range []string{"coordination_store", "database", "active_locks", "active_transaction_contexts", "audit_integrity"} {
		if _, present := snapshot.Checks[name]; !present {
			t.Errorf("check %s not registered", name)
		}
	}
}

func TestSystemIdempotentChargeFlow(t *testing.T) {
	system := newSystemForTest(t)
	ctx := context.Background()

	req := idempotency.Request{
		Key:      "order77",
		Scope:    idempotency.ScopeUser,
		CallerID: "user42",
		Payload:  map[string]interface{}{"amount": 500, "currency": "INR"},
	}

	charge := func(ctx context.Context) (interface{}, error) {
		err := system.Transactions.Execute(ctx, transaction.Options{}, func(txn *transaction.Txn) error {
			if err := txn.AcquireResourceLock(ctx, "wallet:user42", lock.Exclusive); err != nil {
				return err
			}
			_, err := txn.Execute(ctx, `INSERT INTO ledger (id, amount) VALUES (?, ?)`, "ch_1", 500)
			return err
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "ok", "id": "ch_1"}, nil
	}

	first, err := system.Idempotency.Execute(ctx, "charge", req, charge)
	if err != nil {
		t.Fatalf("first charge failed: %v", err)
	}
	if first.Outcome != idempotency.OutcomeFresh {
		t.Fatalf("first outcome = %s", first.Outcome)
	}

	// Retry must be served from cache without touching the ledger again.
	second, err := system.Idempotency.Execute(ctx, "charge", req, charge)
	if err != nil {
		t.Fatalf("retried charge failed: %v", err)
	}
	if second.Outcome != idempotency.OutcomeCached {
		t.Fatalf("second outcome = %s", second.Outcome)
	}

	var rows int
	if err := system.Transactions.Execute(ctx, transaction.Options{}, func(txn *transaction.Txn) error {
		n, err := txn.FetchScalar(ctx, `SELECT COUNT(*) FROM ledger`)
		if err != nil {
			return err
		}
		rows = int(n.(int64))
		return nil
	}); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 1 {
		t.Fatalf("ledger rows = %d, want 1", rows)
	}
}

func TestSystemWithoutDatabase(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultConfig()
	cfg.Store.Addr = m.Addr()

	system, err := New(cfg, Options{Client: client})
	if err != nil {
		t.Fatalf("failed to compose system: %v", err)
	}
	t.Cleanup(system.Close)

	if system.Transactions != nil {
		t.Fatal("transaction coordinator composed without a database")
	}
	snapshot := system.HealthCheck(context.Background())
	if _, present := snapshot.Checks["database"]; present {
		t.Fatal("database check registered without a database")
	}
	if snapshot.Overall != health.StatusHealthy {
		t.Fatalf("overall health = %s: %+v", snapshot.Overall, snapshot.Checks)
	}
}
