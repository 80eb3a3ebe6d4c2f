package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/velotra/paycoord/config"
)

type stubCheck struct {
	name   string
	result CheckResult
	block  bool
	panics bool
}

func (s *stubCheck) Name() string { return s.name }

func (s *stubCheck) Check(ctx context.Context) CheckResult {
	if s.panics {
		panic("check blew up")
	}
	if s.block {
		<-ctx.Done()
	}
	return s.result
}

func newCheckerForTest() *Checker {
	return NewChecker(config.HealthConfig{
		CheckInterval: time.Second,
		Timeout:       50 * time.Millisecond,
		Enabled:       true,
	}, nil)
}

func TestOverallStatusAggregation(t *testing.T) {
	c := newCheckerForTest()
	ctx := context.Background()

	if got := c.OverallStatus(); got != StatusUnknown {
		t.Fatalf("status with no results = %s, want %s", got, StatusUnknown)
	}

	c.Register(&stubCheck{name: "a", result: CheckResult{Status: StatusHealthy}})
	c.Register(&stubCheck{name: "b", result: CheckResult{Status: StatusHealthy}})
	c.RunAll(ctx)
	if got := c.OverallStatus(); got != StatusHealthy {
		t.Fatalf("status = %s, want %s", got, StatusHealthy)
	}

	c.Register(&stubCheck{name: "c", result: CheckResult{Status: StatusDegraded}})
	c.RunAll(ctx)
	if got := c.OverallStatus(); got != StatusDegraded {
		t.Fatalf("status = %s, want %s", got, StatusDegraded)
	}

	c.Register(&stubCheck{name: "d", result: CheckResult{Status: StatusUnhealthy}})
	c.RunAll(ctx)
	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Fatalf("status = %s, want %s", got, StatusUnhealthy)
	}
}

func TestHungCheckTimesOut(t *testing.T) {
	c := newCheckerForTest()
	c.Register(&stubCheck{name: "hung", block: true})

	result, err := c.Run(context.Background(), "hung")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != StatusUnhealthy {
		t.Fatalf("hung check status = %s, want %s", result.Status, StatusUnhealthy)
	}
	if result.Error != "health check timeout" {
		t.Fatalf("hung check error = %q", result.Error)
	}
}

func TestPanickingCheckIsContained(t *testing.T) {
	c := newCheckerForTest()
	c.Register(&stubCheck{name: "boom", panics: true})

	result, err := c.Run(context.Background(), "boom")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != StatusUnhealthy {
		t.Fatalf("panicking check status = %s, want %s", result.Status, StatusUnhealthy)
	}
}

func TestRunUnknownCheck(t *testing.T) {
	c := newCheckerForTest()
	if _, err := c.Run(context.Background(), "missing"); err == nil {
		t.Fatal("running an unregistered check succeeded")
	}
}

func TestSnapshot(t *testing.T) {
	c := newCheckerForTest()
	c.Register(&stubCheck{name: "a", result: CheckResult{Status: StatusHealthy, Message: "fine"}})

	snapshot := c.Snapshot(context.Background())
	if snapshot.Overall != StatusHealthy {
		t.Fatalf("overall = %s", snapshot.Overall)
	}
	if len(snapshot.Checks) != 1 || snapshot.Checks["a"].Message != "fine" {
		t.Fatalf("checks = %v", snapshot.Checks)
	}
}

func TestGaugeCheckThreshold(t *testing.T) {
	calls := 0
	gauge := NewGaugeCheck("active_locks", func(ctx context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}, 15)

	first := gauge.Check(context.Background())
	if first.Status != StatusHealthy {
		t.Fatalf("first status = %s, want %s", first.Status, StatusHealthy)
	}
	second := gauge.Check(context.Background())
	if second.Status != StatusDegraded {
		t.Fatalf("second status = %s, want %s", second.Status, StatusDegraded)
	}
}

func TestGaugeCheckCountError(t *testing.T) {
	gauge := NewGaugeCheck("active_locks", func(ctx context.Context) (int, error) {
		return 0, errors.New("store down")
	}, 10)

	result := gauge.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want %s", result.Status, StatusUnhealthy)
	}
}

func TestPeriodicLoopStops(t *testing.T) {
	c := NewChecker(config.HealthConfig{
		CheckInterval: 10 * time.Millisecond,
		Timeout:       50 * time.Millisecond,
		Enabled:       true,
	}, nil)
	c.Register(&stubCheck{name: "a", result: CheckResult{Status: StatusHealthy}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	if got := c.OverallStatus(); got != StatusHealthy {
		t.Fatalf("status after loop = %s, want %s", got, StatusHealthy)
	}
}
