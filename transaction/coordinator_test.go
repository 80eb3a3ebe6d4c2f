package transaction

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/velotra/paycoord/audit"
	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/lock"
	"github.com/velotra/paycoord/store"
)

func newCoordinatorForTest(t *testing.T) (*Coordinator, *lock.Coordinator, *sql.DB) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	records, err := store.New(client, config.StoreConfig{
		KeyPrefix:   "paycoord_test",
		Compression: "none",
	}, nil)
	if err != nil {
		t.Fatalf("failed to create record store: %v", err)
	}

	trail := audit.NewTrail(nil, nil)
	locks := lock.NewCoordinator(records, config.LockConfig{
		DefaultTTL:    5 * time.Second,
		RetryAttempts: 2,
		RetryBackoff:  5 * time.Millisecond,
	}, nil, trail)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`CREATE TABLE wallets (owner TEXT PRIMARY KEY, balance INTEGER NOT NULL)`); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO wallets (owner, balance) VALUES ('user42', 1000)`); err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}

	coordinator, err := NewCoordinator(db, records, locks, config.TransactionConfig{
		ContextTTL:       time.Minute,
		DefaultIsolation: "serializable",
	}, nil, trail)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return coordinator, locks, db
}

func walletBalance(t *testing.T, db *sql.DB, owner string) int {
	t.Helper()
	var balance int
	if err := db.QueryRow(`SELECT balance FROM wallets WHERE owner = ?`, owner).Scan(&balance); err != nil {
		t.Fatalf("failed to read balance for %s: %v", owner, err)
	}
	return balance
}

func TestExecuteCommits(t *testing.T) {
	c, _, db := newCoordinatorForTest(t)
	ctx := context.Background()

	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		if _, err := txn.Execute(ctx, `UPDATE wallets SET balance = balance - ? WHERE owner = ?`, 250, "user42"); err != nil {
			return err
		}
		balance, err := txn.FetchScalar(ctx, `SELECT balance FROM wallets WHERE owner = ?`, "user42")
		if err != nil {
			return err
		}
		if balance.(int64) != 750 {
			t.Fatalf("in-transaction balance = %v, want 750", balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if got := walletBalance(t, db, "user42"); got != 750 {
		t.Fatalf("committed balance = %d, want 750", got)
	}
}

func TestExecuteRollsBackOnError(t *testing.T) {
	c, _, db := newCoordinatorForTest(t)
	ctx := context.Background()

	boom := errors.New("insufficient funds")
	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		if _, err := txn.Execute(ctx, `UPDATE wallets SET balance = 0 WHERE owner = ?`, "user42"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("execute error = %v, want the operation's own error", err)
	}

	if got := walletBalance(t, db, "user42"); got != 1000 {
		t.Fatalf("balance after rollback = %d, want 1000", got)
	}
}

func TestRollbackActionsRunLIFO(t *testing.T) {
	c, _, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	var order []string
	record := func(name string) RollbackAction {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	boom := errors.New("downstream refused")
	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		txn.AddRollbackAction(record("C1"))
		txn.AddRollbackAction(record("C2"))
		txn.AddRollbackAction(record("C3"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("execute error = %v", err)
	}

	want := []string{"C3", "C2", "C1"}
	if len(order) != len(want) {
		t.Fatalf("rollback actions ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rollback actions ran %v, want %v", order, want)
		}
	}
}

func TestRollbackActionFailureDoesNotStopOthers(t *testing.T) {
	c, _, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	var ran []string
	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		txn.AddRollbackAction(func(ctx context.Context) error {
			ran = append(ran, "first")
			return nil
		})
		txn.AddRollbackAction(func(ctx context.Context) error {
			ran = append(ran, "second")
			return errors.New("compensation failed")
		})
		return errors.New("force rollback")
	})
	if err == nil {
		t.Fatal("execute unexpectedly succeeded")
	}

	if len(ran) != 2 || ran[0] != "second" || ran[1] != "first" {
		t.Fatalf("rollback actions ran %v, want [second first]", ran)
	}
}

func TestRollbackActionsSurviveCancelledCaller(t *testing.T) {
	c, _, _ := newCoordinatorForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation is a common cause of the failure that triggers rollback;
	// the compensations must still get a usable context for their own I/O.
	var actionErr error
	ran := false
	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		txn.AddRollbackAction(func(actx context.Context) error {
			ran = true
			actionErr = actx.Err()
			return nil
		})
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("execute error = %v, want context.Canceled", err)
	}
	if !ran {
		t.Fatal("rollback action did not run")
	}
	if actionErr != nil {
		t.Fatalf("rollback action context already dead: %v", actionErr)
	}
}

func TestRollbackActionsSkippedOnCommit(t *testing.T) {
	c, _, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	ran := false
	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		txn.AddRollbackAction(func(ctx context.Context) error {
			ran = true
			return nil
		})
		return nil
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if ran {
		t.Fatal("rollback action ran after commit")
	}
}

func TestResourceLockHeldAndReleased(t *testing.T) {
	c, locks, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		if err := txn.AcquireResourceLock(ctx, "wallet:user42", lock.Exclusive); err != nil {
			return err
		}
		// Another owner must be shut out while the transaction runs.
		held, err := locks.TryAcquire(ctx, "wallet:user42", lock.Exclusive, time.Minute, "intruder")
		if err != nil {
			return err
		}
		if held != nil {
			t.Fatal("second owner acquired the lock mid-transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	held, err := locks.TryAcquire(ctx, "wallet:user42", lock.Exclusive, time.Minute, "after")
	if err != nil {
		t.Fatalf("post-transaction acquire errored: %v", err)
	}
	if held == nil {
		t.Fatal("lock not released after commit")
	}
}

func TestResourceLockReleasedOnRollback(t *testing.T) {
	c, locks, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		if err := txn.AcquireResourceLock(ctx, "wallet:user42", lock.Exclusive); err != nil {
			return err
		}
		return errors.New("force rollback")
	})
	if err == nil {
		t.Fatal("execute unexpectedly succeeded")
	}

	held, err := locks.TryAcquire(ctx, "wallet:user42", lock.Exclusive, time.Minute, "after")
	if err != nil {
		t.Fatalf("post-rollback acquire errored: %v", err)
	}
	if held == nil {
		t.Fatal("lock not released after rollback")
	}
}

func TestLockContentionFailsTransaction(t *testing.T) {
	c, locks, db := newCoordinatorForTest(t)
	ctx := context.Background()

	held, err := locks.TryAcquire(ctx, "wallet:user42", lock.Exclusive, time.Minute, "other-txn")
	if err != nil || held == nil {
		t.Fatalf("failed to pre-hold lock: held=%v err=%v", held, err)
	}

	err = c.Execute(ctx, Options{}, func(txn *Txn) error {
		if _, err := txn.Execute(ctx, `UPDATE wallets SET balance = 0 WHERE owner = ?`, "user42"); err != nil {
			return err
		}
		return txn.AcquireResourceLock(ctx, "wallet:user42", lock.Exclusive)
	})
	if !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("execute error = %v, want lock.ErrNotAcquired", err)
	}

	if got := walletBalance(t, db, "user42"); got != 1000 {
		t.Fatalf("balance = %d after failed lock acquisition, want 1000", got)
	}
}

func TestPanicRollsBackAndReleases(t *testing.T) {
	c, locks, db := newCoordinatorForTest(t)
	ctx := context.Background()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("panic did not propagate")
			}
		}()
		_ = c.Execute(ctx, Options{}, func(txn *Txn) error {
			if err := txn.AcquireResourceLock(ctx, "wallet:user42", lock.Exclusive); err != nil {
				return err
			}
			if _, err := txn.Execute(ctx, `UPDATE wallets SET balance = 0 WHERE owner = ?`, "user42"); err != nil {
				return err
			}
			panic("ledger invariant violated")
		})
	}()

	if got := walletBalance(t, db, "user42"); got != 1000 {
		t.Fatalf("balance after panic = %d, want 1000", got)
	}
	held, err := locks.TryAcquire(ctx, "wallet:user42", lock.Exclusive, time.Minute, "after")
	if err != nil || held == nil {
		t.Fatalf("lock not released after panic: held=%v err=%v", held, err)
	}
}

func TestContextRecordLifecycle(t *testing.T) {
	c, _, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	err := c.Execute(ctx, Options{Metadata: map[string]interface{}{"operation": "transfer"}}, func(txn *Txn) error {
		count, err := c.ActiveContextCount(ctx)
		if err != nil {
			return err
		}
		if count != 1 {
			t.Fatalf("active contexts mid-transaction = %d, want 1", count)
		}

		var record contextRecord
		found, err := c.records.Get(ctx, c.contextKey(txn.ID()), &record)
		if err != nil || !found {
			t.Fatalf("context record missing: found=%v err=%v", found, err)
		}
		if record.State != StateProcessing.String() {
			t.Fatalf("context state = %s, want %s", record.State, StateProcessing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	count, err := c.ActiveContextCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("active contexts after commit = %d, want 0", count)
	}
}

func TestFetchShapes(t *testing.T) {
	c, _, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	err := c.Execute(ctx, Options{}, func(txn *Txn) error {
		if _, err := txn.Execute(ctx, `INSERT INTO wallets (owner, balance) VALUES ('user7', 300)`); err != nil {
			return err
		}

		rows, err := txn.Fetch(ctx, `SELECT owner, balance FROM wallets ORDER BY owner`)
		if err != nil {
			return err
		}
		if len(rows) != 2 {
			t.Fatalf("rows = %d, want 2", len(rows))
		}
		if rows[0]["owner"] != "user42" || rows[1]["owner"] != "user7" {
			t.Fatalf("unexpected rows: %v", rows)
		}

		row, err := txn.FetchOne(ctx, `SELECT balance FROM wallets WHERE owner = ?`, "user7")
		if err != nil {
			return err
		}
		if row["balance"].(int64) != 300 {
			t.Fatalf("FetchOne balance = %v", row["balance"])
		}

		missing, err := txn.FetchOne(ctx, `SELECT balance FROM wallets WHERE owner = ?`, "nobody")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Fatalf("FetchOne for absent row = %v, want nil", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
}

func TestOperationLogAndCallerID(t *testing.T) {
	c, _, _ := newCoordinatorForTest(t)
	ctx := context.Background()

	err := c.Execute(ctx, Options{TransactionID: "txn-fixed-1"}, func(txn *Txn) error {
		if txn.ID() != "txn-fixed-1" {
			t.Fatalf("transaction id = %s, want txn-fixed-1", txn.ID())
		}

		if _, err := txn.Execute(ctx, `UPDATE wallets SET balance = balance - 1 WHERE owner = ?`, "user42"); err != nil {
			return err
		}
		if _, err := txn.FetchScalar(ctx, `SELECT balance FROM wallets WHERE owner = ?`, "user42"); err != nil {
			return err
		}

		ops := txn.Operations()
		if len(ops) != 2 {
			t.Fatalf("operations logged = %d, want 2", len(ops))
		}
		if ops[0].Kind != "execute" || ops[1].Kind != "fetch_scalar" {
			t.Fatalf("operation kinds = %s, %s", ops[0].Kind, ops[1].Kind)
		}

		// The persisted context mirrors the statement log for in-flight
		// visibility.
		var record contextRecord
		found, err := c.records.Get(ctx, c.contextKey(txn.ID()), &record)
		if err != nil || !found {
			t.Fatalf("context record missing: found=%v err=%v", found, err)
		}
		if len(record.Operations) != 2 {
			t.Fatalf("persisted operations = %d, want 2", len(record.Operations))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
}

func TestParseIsolation(t *testing.T) {
	cases := []struct {
		in      string
		want    sql.IsolationLevel
		wantErr bool
	}{
		{in: "read_committed", want: sql.LevelReadCommitted},
		{in: "repeatable_read", want: sql.LevelRepeatableRead},
		{in: "serializable", want: sql.LevelSerializable},
		{in: "chaos", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseIsolation(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseIsolation(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseIsolation(%q) = %v, %v", tc.in, got, err)
		}
	}
}
