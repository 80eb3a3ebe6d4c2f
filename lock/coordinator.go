// Package lock implements advisory locks over the shared coordination store:
// named resources, a four-mode compatibility matrix, TTL-based auto-expiry,
// and bounded retry with backoff. The locks are cooperative; only code that
// routes access through this package is protected.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/velotra/paycoord/audit"
	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/logging"
	"github.com/velotra/paycoord/store"
)

// ErrNotAcquired is returned by ExecuteWithLock when the retry budget runs
// out. Acquire itself reports the same condition as (nil, nil).
var ErrNotAcquired = errors.New("lock not acquired")

// acquireScript performs the whole check-reclaim-grant sequence server-side
// so two acquirers can never both observe an expired holder and both win.
// Holders live in a hash keyed by owner; each entry carries its own expiry.
//
// KEYS[1] = resource lock hash
// ARGV[1] = owner id
// ARGV[2] = requested lock type (int)
// ARGV[3] = now, unix ms
// ARGV[4] = lock TTL, ms
// ARGV[5] = holder record JSON
//
// Returns {granted, reclaimed}.
var acquireScript = redis.NewScript(`
local compat = {
  {0, 0, 0, 0},
  {0, 1, 0, 1},
  {0, 1, 0, 1},
  {0, 1, 1, 1},
}

local key = KEYS[1]
local owner = ARGV[1]
local requested = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local reclaimed = 0
local fields = redis.call("HGETALL", key)
for i = 1, #fields, 2 do
  local holder_owner = fields[i]
  local holder = cjson.decode(fields[i + 1])
  if tonumber(holder.expires_at_ms) <= now then
    redis.call("HDEL", key, holder_owner)
    reclaimed = reclaimed + 1
  elseif holder_owner ~= owner then
    if compat[holder.lock_type + 1][requested + 1] == 0 then
      return {0, reclaimed}
    end
  end
end

redis.call("HSET", key, owner, ARGV[5])
local pttl = redis.call("PTTL", key)
if pttl < ttl_ms then
  redis.call("PEXPIRE", key, ttl_ms)
end
return {1, reclaimed}
`)

// releaseScript deletes a holder entry only when the caller owns it.
// Returns 1 when released, 0 when the owner held nothing.
var releaseScript = redis.NewScript(`
local existing = redis.call("HGET", KEYS[1], ARGV[1])
if not existing then
  return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
if redis.call("HLEN", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
end
return 1
`)

// extendScript refreshes a holder's expiry only when the caller owns it.
// ARGV[2] is the replacement holder record, ARGV[3] the new TTL in ms.
var extendScript = redis.NewScript(`
local existing = redis.call("HGET", KEYS[1], ARGV[1])
if not existing then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local pttl = redis.call("PTTL", KEYS[1])
if pttl < tonumber(ARGV[3]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// Coordinator owns acquisition and release of advisory locks.
type Coordinator struct {
	records *store.RecordStore
	cfg     config.LockConfig
	logger  *logging.Logger
	trail   *audit.Trail
}

// NewCoordinator creates a lock coordinator over the given record store.
func NewCoordinator(records *store.RecordStore, cfg config.LockConfig, logger *logging.Logger, trail *audit.Trail) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 50
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Coordinator{
		records: records,
		cfg:     cfg,
		logger:  logger,
		trail:   trail,
	}
}

func (c *Coordinator) lockKey(resourceKey string) string {
	return c.records.Key("lock", resourceKey)
}

// Acquire attempts to take a lock on resourceKey, retrying with backoff up to
// the configured attempt count. Returns (nil, nil) when the lock could not be
// acquired. An empty ownerID gets a generated one, a non-positive TTL the default.
func (c *Coordinator) Acquire(ctx context.Context, resourceKey string, lockType Type, ttl time.Duration, ownerID string) (*Lock, error) {
	return c.AcquireWithMetadata(ctx, resourceKey, lockType, ttl, ownerID, nil)
}

// AcquireWithMetadata is Acquire with free-form holder metadata persisted on
// the lock record for dashboards and post-mortems.
func (c *Coordinator) AcquireWithMetadata(ctx context.Context, resourceKey string, lockType Type, ttl time.Duration, ownerID string, metadata map[string]string) (*Lock, error) {
	if resourceKey == "" {
		return nil, fmt.Errorf("resource key cannot be empty")
	}
	if lockType < Exclusive || lockType > IntentShared {
		return nil, fmt.Errorf("invalid lock type: %d", lockType)
	}
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	key := c.lockKey(resourceKey)

	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		now := time.Now()
		holder := holderRecord{
			LockType:     int(lockType),
			AcquiredAtMs: now.UnixMilli(),
			ExpiresAtMs:  now.Add(ttl).UnixMilli(),
			Metadata:     metadata,
		}
		holderJSON, err := json.Marshal(holder)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize lock holder: %w", err)
		}

		raw, err := acquireScript.Run(ctx, c.records.Client(),
			[]string{key},
			ownerID, int(lockType), now.UnixMilli(), ttl.Milliseconds(), string(holderJSON),
		).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: lock acquire %s: %v", store.ErrStoreUnavailable, resourceKey, err)
		}

		granted, reclaimed, err := parseAcquireReply(raw)
		if err != nil {
			return nil, fmt.Errorf("lock acquire %s: %w", resourceKey, err)
		}

		if reclaimed > 0 {
			// An expired holder means a crashed or hung process; worth noticing.
			c.logger.Warn("lock", "acquire", "reclaimed expired lock holders", map[string]interface{}{
				"resource":  resourceKey,
				"reclaimed": reclaimed,
				"owner_id":  ownerID,
			})
			if c.trail != nil {
				c.trail.Emit(audit.EventTypeLockForceExpired, audit.SeverityWarning, "lock", resourceKey, map[string]interface{}{
					"reclaimed": reclaimed,
					"new_owner": ownerID,
				})
			}
		}

		if granted {
			lock := &Lock{
				ResourceKey: resourceKey,
				Type:        lockType,
				OwnerID:     ownerID,
				AcquiredAt:  now,
				ExpiresAt:   now.Add(ttl),
				Metadata:    metadata,
			}
			c.logger.Debug("lock", "acquire", "lock acquired", map[string]interface{}{
				"resource":  resourceKey,
				"lock_type": lockType.String(),
				"owner_id":  ownerID,
				"attempt":   attempt + 1,
			})
			if c.trail != nil {
				c.trail.Emit(audit.EventTypeLockAcquired, audit.SeverityInfo, "lock", resourceKey, map[string]interface{}{
					"lock_type": lockType.String(),
					"owner_id":  ownerID,
				})
			}
			return lock, nil
		}

		// Incompatible unexpired holder: back off and retry, unless the
		// caller's context is done.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryBackoff):
		}
	}

	c.logger.Debug("lock", "acquire", "retry budget exhausted", map[string]interface{}{
		"resource":  resourceKey,
		"lock_type": lockType.String(),
		"owner_id":  ownerID,
		"attempts":  c.cfg.RetryAttempts,
	})
	return nil, nil
}

// TryAcquire is a single-attempt Acquire: no retries, no backoff. Used where
// contention means "someone else is already doing this work", such as the
// idempotency cleanup task.
func (c *Coordinator) TryAcquire(ctx context.Context, resourceKey string, lockType Type, ttl time.Duration, ownerID string) (*Lock, error) {
	single := *c
	single.cfg.RetryAttempts = 1
	single.cfg.RetryBackoff = time.Millisecond
	return single.AcquireWithMetadata(ctx, resourceKey, lockType, ttl, ownerID, nil)
}

// Release removes the caller's hold on resourceKey. Releasing a lock you do
// not own is a no-op returning false, never an error.
func (c *Coordinator) Release(ctx context.Context, resourceKey, ownerID string) (bool, error) {
	raw, err := releaseScript.Run(ctx, c.records.Client(), []string{c.lockKey(resourceKey)}, ownerID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: lock release %s: %v", store.ErrStoreUnavailable, resourceKey, err)
	}

	released := toInt64(raw) == 1
	if released {
		c.logger.Debug("lock", "release", "lock released", map[string]interface{}{
			"resource": resourceKey,
			"owner_id": ownerID,
		})
		if c.trail != nil {
			c.trail.Emit(audit.EventTypeLockReleased, audit.SeverityInfo, "lock", resourceKey, map[string]interface{}{
				"owner_id": ownerID,
			})
		}
	}
	return released, nil
}

// Extend refreshes the TTL of a lock the caller still holds. Returns false
// when the hold has already expired or been released.
func (c *Coordinator) Extend(ctx context.Context, resourceKey, ownerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	// Re-read so the lock type and metadata survive the rewrite.
	current, err := c.holder(ctx, resourceKey, ownerID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	now := time.Now()
	current.AcquiredAtMs = now.UnixMilli()
	current.ExpiresAtMs = now.Add(ttl).UnixMilli()
	holderJSON, err := json.Marshal(current)
	if err != nil {
		return false, fmt.Errorf("failed to serialize lock holder: %w", err)
	}

	raw, err := extendScript.Run(ctx, c.records.Client(),
		[]string{c.lockKey(resourceKey)},
		ownerID, string(holderJSON), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("%w: lock extend %s: %v", store.ErrStoreUnavailable, resourceKey, err)
	}
	return toInt64(raw) == 1, nil
}

// ExecuteWithLock acquires the lock, runs operation, and always releases.
// It fails with ErrNotAcquired when the retry budget is exhausted.
func (c *Coordinator) ExecuteWithLock(ctx context.Context, resourceKey string, lockType Type, ttl time.Duration, operation func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	lock, err := c.Acquire(ctx, resourceKey, lockType, ttl, "")
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, fmt.Errorf("%w: resource %s", ErrNotAcquired, resourceKey)
	}

	defer func() {
		// Release must run even when the caller's context is already dead.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := c.Release(releaseCtx, resourceKey, lock.OwnerID); err != nil {
			c.logger.Error("lock", "release", "failed to release lock after operation", map[string]interface{}{
				"resource": resourceKey,
				"owner_id": lock.OwnerID,
				"error":    err.Error(),
			})
		}
	}()

	return operation(ctx)
}

// Holders returns the current unexpired holders of resourceKey.
func (c *Coordinator) Holders(ctx context.Context, resourceKey string) ([]Lock, error) {
	fields, err := c.records.Client().HGetAll(ctx, c.lockKey(resourceKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lock holders %s: %v", store.ErrStoreUnavailable, resourceKey, err)
	}

	now := time.Now()
	locks := make([]Lock, 0, len(fields))
	for owner, raw := range fields {
		var h holderRecord
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("malformed lock holder on %s: %w", resourceKey, err)
		}
		lock := Lock{
			ResourceKey: resourceKey,
			Type:        Type(h.LockType),
			OwnerID:     owner,
			AcquiredAt:  time.UnixMilli(h.AcquiredAtMs),
			ExpiresAt:   time.UnixMilli(h.ExpiresAtMs),
			Metadata:    h.Metadata,
		}
		if !lock.Expired(now) {
			locks = append(locks, lock)
		}
	}
	return locks, nil
}

// ActiveLockCount counts lock records currently in the store. Health surface
// only.
func (c *Coordinator) ActiveLockCount(ctx context.Context) (int, error) {
	return c.records.CountKeys(ctx, c.records.Key("lock"))
}

func (c *Coordinator) holder(ctx context.Context, resourceKey, ownerID string) (*holderRecord, error) {
	raw, err := c.records.Client().HGet(ctx, c.lockKey(resourceKey), ownerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock holder %s: %v", store.ErrStoreUnavailable, resourceKey, err)
	}

	var h holderRecord
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("malformed lock holder on %s: %w", resourceKey, err)
	}
	if h.ExpiresAtMs <= time.Now().UnixMilli() {
		return nil, nil
	}
	return &h, nil
}

func parseAcquireReply(raw interface{}) (granted bool, reclaimed int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected acquire script reply: %v", raw)
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
