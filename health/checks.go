package health

import (
	"context"
	"database/sql"
	"fmt"
)

// Pinger is anything that can verify its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck verifies coordination store connectivity.
type StoreCheck struct {
	store Pinger
}

// NewStoreCheck creates a store connectivity check.
func NewStoreCheck(store Pinger) *StoreCheck {
	return &StoreCheck{store: store}
}

func (c *StoreCheck) Name() string { return "coordination_store" }

func (c *StoreCheck) Check(ctx context.Context) CheckResult {
	if err := c.store.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "coordination store unreachable",
			Error:   err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "coordination store reachable"}
}

// DatabaseCheck verifies the transactional database is reachable.
type DatabaseCheck struct {
	db *sql.DB
}

// NewDatabaseCheck creates a database connectivity check.
func NewDatabaseCheck(db *sql.DB) *DatabaseCheck {
	return &DatabaseCheck{db: db}
}

func (c *DatabaseCheck) Name() string { return "database" }

func (c *DatabaseCheck) Check(ctx context.Context) CheckResult {
	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "database unreachable",
			Error:   err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "database reachable"}
}

// CountFunc reports how many of something are currently live.
type CountFunc func(ctx context.Context) (int, error)

// GaugeCheck watches a live count and degrades past a threshold. Used for
// active lock and transaction-context counts: a runaway count usually means
// leaked locks or stuck transactions.
type GaugeCheck struct {
	name      string
	count     CountFunc
	threshold int
}

// NewGaugeCheck creates a threshold check over a live count. A non-positive
// threshold disables the degradation logic.
func NewGaugeCheck(name string, count CountFunc, threshold int) *GaugeCheck {
	return &GaugeCheck{name: name, count: count, threshold: threshold}
}

func (c *GaugeCheck) Name() string { return c.name }

func (c *GaugeCheck) Check(ctx context.Context) CheckResult {
	n, err := c.count(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("failed to count %s", c.name),
			Error:   err.Error(),
		}
	}

	metadata := map[string]interface{}{"count": n, "threshold": c.threshold}
	if c.threshold > 0 && n > c.threshold {
		return CheckResult{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%s count %d over threshold %d", c.name, n, c.threshold),
			Metadata: metadata,
		}
	}
	return CheckResult{
		Status:   StatusHealthy,
		Message:  fmt.Sprintf("%s count %d", c.name, n),
		Metadata: metadata,
	}
}

// IntegrityCheck verifies the audit trail's checksums still hold.
type IntegrityCheck struct {
	verify func() bool
}

// NewIntegrityCheck creates an audit integrity check.
func NewIntegrityCheck(verify func() bool) *IntegrityCheck {
	return &IntegrityCheck{verify: verify}
}

func (c *IntegrityCheck) Name() string { return "audit_integrity" }

func (c *IntegrityCheck) Check(ctx context.Context) CheckResult {
	if !c.verify() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "audit trail checksum mismatch",
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "audit trail intact"}
}
