// Package store provides typed access to the shared coordination store.
// It is the leaf dependency of the coordination core: locks, idempotency
// records, and transaction contexts all live here, with expiration attached
// at write time.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/logging"
)

// ErrStoreUnavailable marks infrastructure failures talking to the
// coordination store. Callers distinguish these from expected control-flow
// outcomes (missing key, lost race) with errors.Is.
var ErrStoreUnavailable = errors.New("coordination store unavailable")

// RecordStore provides typed get/set/delete/exists operations against the
// shared coordination store with per-key TTLs.
type RecordStore struct {
	client redis.UniversalClient
	prefix string
	codec  *payloadCodec
	logger *logging.Logger
}

// New creates a record store over the given client.
func New(client redis.UniversalClient, cfg config.StoreConfig, logger *logging.Logger) (*RecordStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	algorithm, err := ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, err
	}
	codec, err := newPayloadCodec(algorithm, cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	return &RecordStore{
		client: client,
		prefix: cfg.KeyPrefix,
		codec:  codec,
		logger: logger,
	}, nil
}

// Client exposes the underlying redis client for server-side scripts.
// Script-based callers (lock acquisition) manage their own key encoding.
func (s *RecordStore) Client() redis.UniversalClient {
	return s.client
}

// Key namespaces a logical key under the store prefix.
func (s *RecordStore) Key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Set stores value as JSON under key with the given TTL. A zero TTL stores
// without expiration.
func (s *RecordStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize record %s: %w", key, err)
	}
	framed, err := s.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}

	if err := s.client.Set(ctx, key, framed, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// SetNX atomically stores value only if key is absent, with TTL. This is the
// single atomic primitive the lock and idempotency coordinators build on.
// Returns true if the value was written.
func (s *RecordStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to serialize record %s: %w", key, err)
	}
	framed, err := s.codec.Encode(data)
	if err != nil {
		return false, fmt.Errorf("failed to encode record %s: %w", key, err)
	}

	ok, err := s.client.SetNX(ctx, key, framed, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrStoreUnavailable, key, err)
	}
	return ok, nil
}

// Get loads the record at key into out. Returns false with a nil error when
// the key does not exist.
func (s *RecordStore) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	framed, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)
	}

	data, err := s.codec.Decode(framed)
	if err != nil {
		return false, fmt.Errorf("malformed record %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("malformed record %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Returns true if the key existed.
func (s *RecordStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %v", ErrStoreUnavailable, key, err)
	}
	return n > 0, nil
}

// Exists reports whether key is present.
func (s *RecordStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", ErrStoreUnavailable, key, err)
	}
	return n > 0, nil
}

// AddToSet adds members to the set at key and refreshes its TTL. Used for the
// day-bucketed cleanup indices.
func (s *RecordStore) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("%w: sadd %s: %v", ErrStoreUnavailable, key, err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("%w: expire %s: %v", ErrStoreUnavailable, key, err)
		}
	}
	return nil
}

// SetMembers returns the members of the set at key.
func (s *RecordStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: smembers %s: %v", ErrStoreUnavailable, key, err)
	}
	return members, nil
}

// RemoveFromSet removes members from the set at key.
func (s *RecordStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("%w: srem %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// CountKeys counts keys matching prefix via SCAN. Health checks and metrics
// only; never hot-path logic.
func (s *RecordStore) CountKeys(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: scan %s: %v", ErrStoreUnavailable, prefix, err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Ping verifies store connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	return nil
}
