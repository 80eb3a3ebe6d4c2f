// Package idempotency owns the lifecycle of idempotency records and the
// execute-once wrapper semantics around caller-supplied operations.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velotra/paycoord/audit"
	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/fingerprint"
	"github.com/velotra/paycoord/lock"
	"github.com/velotra/paycoord/logging"
	"github.com/velotra/paycoord/store"
)

// cleanupResource is the lock resource guarding the expired-record sweep so
// only one cleanup runs at a time across instances.
const cleanupResource = "idempotency:cleanup"

// Coordinator manages idempotency records in the coordination store.
type Coordinator struct {
	records *store.RecordStore
	locks   *lock.Coordinator
	fp      *fingerprint.Fingerprinter
	cfg     config.IdempotencyConfig
	logger  *logging.Logger
	trail   *audit.Trail
}

// NewCoordinator creates an idempotency coordinator.
func NewCoordinator(records *store.RecordStore, locks *lock.Coordinator, cfg config.IdempotencyConfig, logger *logging.Logger, trail *audit.Trail) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 30 * 24 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 30 * time.Second
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 64 * 1024
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 256 * 1024
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = 3
	}
	return &Coordinator{
		records: records,
		locks:   locks,
		fp:      fingerprint.New(),
		cfg:     cfg,
		logger:  logger,
		trail:   trail,
	}
}

func (c *Coordinator) recordKey(key string) string {
	return c.records.Key("idem", "rec", key)
}

func (c *Coordinator) indexKey(day time.Time) string {
	return c.records.Key("idem", "index", day.UTC().Format("2006-01-02"))
}

// QualifyKey resolves the storage key for a request: scope qualifier plus the
// operation type prefix. ScopeRequest generates a key when none is supplied.
func (c *Coordinator) QualifyKey(operationType string, req Request) (string, error) {
	base := req.Key
	if base == "" {
		if req.Scope != ScopeRequest {
			return "", fmt.Errorf("idempotency key is required for scope %s", req.Scope)
		}
		base = uuid.NewString()
	}

	var qualified string
	switch req.Scope {
	case ScopeUser:
		if req.CallerID == "" {
			return "", fmt.Errorf("caller id is required for user scope")
		}
		qualified = fmt.Sprintf("user:%s:%s", req.CallerID, base)
	case ScopeSession:
		if req.SessionID == "" {
			return "", fmt.Errorf("session id is required for session scope")
		}
		qualified = fmt.Sprintf("session:%s:%s", req.SessionID, base)
	case ScopeGlobal, ScopeRequest:
		qualified = base
	default:
		return "", fmt.Errorf("unknown idempotency scope: %s", req.Scope)
	}

	if operationType != "" {
		qualified = operationType + ":" + qualified
	}
	return qualified, nil
}

// CheckIdempotency returns the record stored under key, or nil when absent or
// expired. A non-nil requestPayload whose fingerprint differs from the stored
// one is a key collision: a security audit event is emitted and nil returned,
// so a mismatched cached response is never served.
func (c *Coordinator) CheckIdempotency(ctx context.Context, key string, requestPayload interface{}) (*Record, error) {
	record, err := c.load(ctx, key)
	if err != nil || record == nil {
		return nil, err
	}

	if requestPayload != nil {
		digest := c.fp.Fingerprint(requestPayload)
		if digest.Value != record.RequestHash {
			c.emitCollision(key, record, digest)
			return nil, nil
		}
	}
	return record, nil
}

// CreateRecord writes a Pending record under key if none exists. Returns
// false when a record is already present. Payloads over the size ceiling are
// rejected with ErrRecordTooLarge.
func (c *Coordinator) CreateRecord(ctx context.Context, key string, requestPayload interface{}, ttl time.Duration, metadata map[string]interface{}) (bool, error) {
	return c.create(ctx, key, ScopeGlobal, requestPayload, ttl, metadata)
}

func (c *Coordinator) create(ctx context.Context, key string, scope Scope, requestPayload interface{}, ttl time.Duration, metadata map[string]interface{}) (bool, error) {
	ttl = c.clampTTL(ttl)

	data, err := json.Marshal(requestPayload)
	if err != nil {
		return false, fmt.Errorf("failed to serialize request payload: %w", err)
	}
	if len(data) > c.cfg.MaxRequestSize {
		return false, fmt.Errorf("%w: %d bytes over %d limit", ErrRecordTooLarge, len(data), c.cfg.MaxRequestSize)
	}

	digest := c.fp.Fingerprint(requestPayload)
	now := time.Now().UTC()
	record := &Record{
		Key:          key,
		Scope:        scope,
		Status:       StatusPending,
		RequestHash:  digest.Value,
		HashDegraded: digest.Degraded,
		RequestData:  requestPayload,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	created, err := c.records.SetNX(ctx, c.recordKey(key), record, ttl)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	// Index maintenance is bookkeeping: a failure here must not fail the
	// primary create.
	indexTTL := ttl + 48*time.Hour
	if err := c.records.AddToSet(ctx, c.indexKey(record.ExpiresAt), indexTTL, key); err != nil {
		c.logger.Warn("idempotency", "create_record", "failed to update cleanup index", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	if c.trail != nil {
		c.trail.Emit(audit.EventTypeRecordCreated, audit.SeverityInfo, "idempotency", key, map[string]interface{}{
			"request_hash": digest.Value,
			"ttl_seconds":  int64(ttl.Seconds()),
		})
	}
	return true, nil
}

// Update describes a record transition.
type Update struct {
	Status         Status
	ResponseData   interface{}
	ErrorKind      string
	ErrorMessage   string
	ProcessingTime time.Duration
}

// UpdateRecord transitions the record under key. Returns false when the
// record is absent or the transition is invalid (terminal records are
// immutable). Oversized responses are truncated, never rejected.
func (c *Coordinator) UpdateRecord(ctx context.Context, key string, update Update) (bool, error) {
	record, err := c.load(ctx, key)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	if !validTransition(record.Status, update.Status) {
		c.logger.Warn("idempotency", "update_record", "rejected invalid status transition", map[string]interface{}{
			"key":  key,
			"from": string(record.Status),
			"to":   string(update.Status),
		})
		return false, nil
	}

	now := time.Now().UTC()
	record.Status = update.Status
	record.UpdatedAt = now

	if update.Status == StatusCompleted {
		response, truncated := truncateResponse(update.ResponseData, c.cfg.MaxResponseSize)
		record.ResponseData = response
		record.ResponseTruncated = truncated
		record.CompletedAt = &now
	}
	if update.Status == StatusFailed {
		record.ErrorKind = update.ErrorKind
		record.ErrorMessage = update.ErrorMessage
		record.CompletedAt = &now
	}
	if update.ProcessingTime > 0 {
		ms := update.ProcessingTime.Milliseconds()
		record.ProcessingTimeMs = &ms
	}

	remaining := time.Until(record.ExpiresAt)
	if remaining <= 0 {
		// Raced with expiry; the record is gone for all practical purposes.
		return false, nil
	}
	if err := c.records.Set(ctx, c.recordKey(key), record, remaining); err != nil {
		return false, err
	}

	if c.trail != nil {
		c.trail.Emit(audit.EventTypeRecordUpdated, audit.SeverityInfo, "idempotency", key, map[string]interface{}{
			"status": string(update.Status),
		})
	}
	return true, nil
}

// GetResponse returns the cached response for key when the record completed.
func (c *Coordinator) GetResponse(ctx context.Context, key string) (interface{}, bool, error) {
	record, err := c.load(ctx, key)
	if err != nil || record == nil {
		return nil, false, err
	}
	if record.Status != StatusCompleted {
		return nil, false, nil
	}
	return record.ResponseData, true, nil
}

// StoreResponse marks the record under key completed with the given response.
func (c *Coordinator) StoreResponse(ctx context.Context, key string, response interface{}) error {
	ok, err := c.UpdateRecord(ctx, key, Update{Status: StatusCompleted, ResponseData: response})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no updatable record for key %s", key)
	}
	return nil
}

// Execute runs operation at most once per idempotency key and payload. The
// caller gets the fresh result, the cached result, the cached error replayed,
// or a timeout/infrastructure error; the operation never runs twice for the
// same key and payload.
func (c *Coordinator) Execute(ctx context.Context, operationType string, req Request, operation func(ctx context.Context) (interface{}, error)) (*Result, error) {
	key, err := c.QualifyKey(operationType, req)
	if err != nil {
		return nil, err
	}
	digest := c.fp.Fingerprint(req.Payload)
	if digest.Degraded {
		c.logger.Warn("idempotency", "execute", "request fingerprint degraded to non-cryptographic hash", map[string]interface{}{
			"key": key,
		})
	}

	for {
		record, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}

		if record != nil && record.RequestHash != digest.Value {
			// Key collision: same key, different payload. Never serve the
			// cached response; run fresh without caching.
			c.emitCollision(key, record, digest)
			start := time.Now()
			response, opErr := operation(ctx)
			if opErr != nil {
				return nil, opErr
			}
			return &Result{
				Outcome:        OutcomeCollision,
				Response:       response,
				ProcessingTime: time.Since(start),
			}, nil
		}

		if record != nil {
			switch record.Status {
			case StatusCompleted:
				return &Result{Outcome: OutcomeCached, Response: record.ResponseData}, nil
			case StatusFailed:
				return nil, &ReplayedError{Kind: record.ErrorKind, Message: record.ErrorMessage}
			case StatusExpired:
				// Marked expired ahead of its store TTL; clear it and start over.
				if _, err := c.records.Delete(ctx, c.recordKey(key)); err != nil {
					return nil, err
				}
				continue
			case StatusPending, StatusProcessing:
				settled, err := c.waitForCompletion(ctx, key)
				if err != nil {
					return nil, err
				}
				if settled == nil {
					// In-flight record expired mid-wait; try again from the top.
					continue
				}
				if settled.Status == StatusCompleted {
					return &Result{Outcome: OutcomeCached, Response: settled.ResponseData}, nil
				}
				return nil, &ReplayedError{Kind: settled.ErrorKind, Message: settled.ErrorMessage}
			}
		}

		created, err := c.create(ctx, key, req.Scope, req.Payload, req.TTL, req.Metadata)
		if err != nil {
			return nil, err
		}
		if !created {
			// Lost the creation race; re-read and follow the winner.
			continue
		}
		break
	}

	// We own the record: Pending -> Processing -> terminal.
	if _, err := c.UpdateRecord(ctx, key, Update{Status: StatusProcessing}); err != nil {
		return nil, err
	}

	start := time.Now()
	response, opErr := operation(ctx)
	elapsed := time.Since(start)

	if opErr != nil {
		if _, err := c.UpdateRecord(ctx, key, Update{
			Status:         StatusFailed,
			ErrorKind:      fmt.Sprintf("%T", opErr),
			ErrorMessage:   opErr.Error(),
			ProcessingTime: elapsed,
		}); err != nil {
			c.logger.Error("idempotency", "execute", "failed to cache operation failure", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return nil, opErr
	}

	if _, err := c.UpdateRecord(ctx, key, Update{
		Status:         StatusCompleted,
		ResponseData:   response,
		ProcessingTime: elapsed,
	}); err != nil {
		c.logger.Error("idempotency", "execute", "failed to cache operation result", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	return &Result{Outcome: OutcomeFresh, Response: response, ProcessingTime: elapsed}, nil
}

// waitForCompletion polls the record until it reaches a terminal state, the
// wait budget elapses (ErrWaitTimeout), or the caller's context is done.
// A nil record with nil error means the record disappeared mid-wait.
func (c *Coordinator) waitForCompletion(ctx context.Context, key string) (*Record, error) {
	deadline := time.NewTimer(c.cfg.WaitBudget)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: key %s", ErrWaitTimeout, key)
		case <-ticker.C:
			record, err := c.load(ctx, key)
			if err != nil {
				return nil, err
			}
			if record == nil {
				return nil, nil
			}
			if record.Status.Terminal() {
				return record, nil
			}
		}
	}
}

// CleanupExpired deletes idempotency records past their expiry. The sweep
// itself runs under a coordination lock so at most one instance executes it;
// a concurrent call observes the lock held and returns zero immediately.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	held, err := c.locks.TryAcquire(ctx, cleanupResource, lock.Exclusive, 5*time.Minute, "")
	if err != nil {
		return 0, err
	}
	if held == nil {
		c.logger.Debug("idempotency", "cleanup", "cleanup already running elsewhere", nil)
		return 0, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := c.locks.Release(releaseCtx, cleanupResource, held.OwnerID); err != nil {
			c.logger.Error("idempotency", "cleanup", "failed to release cleanup lock", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	now := time.Now().UTC()
	cleaned := 0
	for d := 0; d <= c.cfg.CleanupDays; d++ {
		day := now.AddDate(0, 0, -d)
		bucket := c.indexKey(day)

		keys, err := c.records.SetMembers(ctx, bucket)
		if err != nil {
			return cleaned, err
		}

		for _, key := range keys {
			// Read raw: load() deletes expired records on sight, which would
			// hide them from this sweep's count.
			var record Record
			found, err := c.records.Get(ctx, c.recordKey(key), &record)
			if err != nil {
				c.logger.Warn("idempotency", "cleanup", "skipping unreadable record", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
				continue
			}
			if !found {
				// Store TTL already removed it; drop the index entry.
				_ = c.records.RemoveFromSet(ctx, bucket, key)
				continue
			}
			if record.Expired(now) {
				if _, err := c.records.Delete(ctx, c.recordKey(key)); err != nil {
					return cleaned, err
				}
				_ = c.records.RemoveFromSet(ctx, bucket, key)
				cleaned++
			}
		}
	}

	if c.trail != nil {
		c.trail.Emit(audit.EventTypeCleanup, audit.SeverityInfo, "idempotency", "", map[string]interface{}{
			"cleaned": cleaned,
		})
	}
	c.logger.Info("idempotency", "cleanup", "expired record sweep finished", map[string]interface{}{
		"cleaned": cleaned,
	})
	return cleaned, nil
}

// ActiveRecordCount counts live idempotency records. Health surface only.
func (c *Coordinator) ActiveRecordCount(ctx context.Context) (int, error) {
	return c.records.CountKeys(ctx, c.records.Key("idem", "rec"))
}

// load fetches the record under key, treating expired records as absent and
// deleting them lazily.
func (c *Coordinator) load(ctx context.Context, key string) (*Record, error) {
	var record Record
	found, err := c.records.Get(ctx, c.recordKey(key), &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if record.Expired(time.Now().UTC()) {
		if _, err := c.records.Delete(ctx, c.recordKey(key)); err != nil {
			c.logger.Warn("idempotency", "load", "failed to delete expired record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return nil, nil
	}
	return &record, nil
}

func (c *Coordinator) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.cfg.DefaultTTL
	}
	if ttl > c.cfg.MaxTTL {
		return c.cfg.MaxTTL
	}
	return ttl
}

func (c *Coordinator) emitCollision(key string, record *Record, digest fingerprint.Digest) {
	c.logger.Warn("idempotency", "check", "idempotency key collision", map[string]interface{}{
		"key":           key,
		"stored_hash":   record.RequestHash,
		"incoming_hash": digest.Value,
	})
	if c.trail != nil {
		c.trail.Emit(audit.EventTypeKeyCollision, audit.SeveritySecurity, "idempotency", key, map[string]interface{}{
			"stored_hash":   record.RequestHash,
			"incoming_hash": digest.Value,
		})
	}
}
