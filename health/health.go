// Package health aggregates liveness checks over the coordination core: the
// shared store, the database, and the counts of in-flight locks and
// transaction contexts.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a single health check
type Check interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Snapshot is the aggregate health of the coordination core at a point in
// time. Config echoes the effective timeouts and TTLs for dashboards.
type Snapshot struct {
	Overall   Status                 `json:"overall"`
	Checks    map[string]CheckResult `json:"checks"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Checker runs registered health checks on an interval and serves the latest
// results.
type Checker struct {
	checks   map[string]Check
	results  map[string]CheckResult
	mutex    sync.RWMutex
	interval time.Duration
	timeout  time.Duration
	enabled  bool
	logger   *logging.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker.
func NewChecker(cfg config.HealthConfig, logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Checker{
		checks:   make(map[string]Check),
		results:  make(map[string]CheckResult),
		interval: cfg.CheckInterval,
		timeout:  cfg.Timeout,
		enabled:  cfg.Enabled,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Register adds a health check.
func (c *Checker) Register(check Check) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.checks[check.Name()] = check
}

// Unregister removes a health check and its last result.
func (c *Checker) Unregister(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.checks, name)
	delete(c.results, name)
}

// Start begins the periodic check loop. A disabled checker starts nothing;
// RunAll still works for on-demand checks.
func (c *Checker) Start(ctx context.Context) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the periodic loop and waits for it to finish.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// OverallStatus folds the latest results into one status: any unhealthy check
// makes the system unhealthy, any degraded check degrades it.
func (c *Checker) OverallStatus() Status {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if len(c.results) == 0 {
		return StatusUnknown
	}

	overall := StatusHealthy
	for _, result := range c.results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// Snapshot runs all checks now and returns the aggregate.
func (c *Checker) Snapshot(ctx context.Context) Snapshot {
	results := c.RunAll(ctx)
	return Snapshot{
		Overall:   c.OverallStatus(),
		Checks:    results,
		Timestamp: time.Now().UTC(),
	}
}

// Results returns a copy of the latest results.
func (c *Checker) Results() map[string]CheckResult {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	results := make(map[string]CheckResult, len(c.results))
	for name, result := range c.results {
		results[name] = result
	}
	return results
}

// Run executes a single check by name.
func (c *Checker) Run(ctx context.Context, name string) (CheckResult, error) {
	c.mutex.RLock()
	check, exists := c.checks[name]
	c.mutex.RUnlock()

	if !exists {
		return CheckResult{}, fmt.Errorf("health check %s not found", name)
	}

	result := c.execute(ctx, check)
	c.mutex.Lock()
	c.results[name] = result
	c.mutex.Unlock()
	return result, nil
}

// RunAll executes every registered check and stores the results.
func (c *Checker) RunAll(ctx context.Context) map[string]CheckResult {
	c.mutex.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mutex.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	for name, check := range checks {
		results[name] = c.execute(ctx, check)
	}

	c.mutex.Lock()
	for name, result := range results {
		c.results[name] = result
	}
	c.mutex.Unlock()

	return results
}

func (c *Checker) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			results := c.RunAll(ctx)
			for name, result := range results {
				if result.Status == StatusUnhealthy {
					c.logger.Warn("health", "check", "health check failing", map[string]interface{}{
						"check": name,
						"error": result.Error,
					})
				}
			}
		}
	}
}

// execute runs one check with the configured timeout. A panicking or hung
// check is reported unhealthy, never allowed to take the loop down.
func (c *Checker) execute(ctx context.Context, check Check) CheckResult {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resultCh := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- CheckResult{
					Status: StatusUnhealthy,
					Error:  fmt.Sprintf("panic in health check: %v", r),
				}
			}
		}()
		resultCh <- check.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-resultCh:
	case <-checkCtx.Done():
		result = CheckResult{
			Status: StatusUnhealthy,
			Error:  "health check timeout",
		}
	}
	result.Duration = time.Since(start)
	result.Timestamp = time.Now().UTC()
	return result
}
