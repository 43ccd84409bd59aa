package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is wrapped by every Store error: the backend could not be
// reached, timed out, or could not complete an atomic update. Callers must
// treat it as a retryable infrastructure failure, never as allow or deny.
var ErrUnavailable = errors.New("counter store unavailable")

// ZLimitResult is the outcome of ZAddWithinLimit.
type ZLimitResult struct {
	// Added reports whether the member was inserted.
	Added bool
	// Count is the cardinality after pruning (and after the insert, if any).
	Count int64
	// Oldest is the lowest remaining score, or 0 when the set is empty.
	Oldest float64
}

// Store defines the interface for counter store backends.
//
// Absent and expired keys are indistinguishable: Get returns "" for both.
// A zero or negative expiration means the key does not expire.
type Store interface {
	// Get retrieves the value for the given key, or "" when absent.
	Get(ctx context.Context, key string) (string, error)

	// Set sets the value for the given key with expiration
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes the key from storage
	Delete(ctx context.Context, key string) error

	// CompareAndSwap atomically replaces the value of key with newValue if
	// its current value equals oldValue. An oldValue of "" matches an absent
	// key. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string, expiration time.Duration) (bool, error)

	// Increment atomically increments the counter for the given key. The
	// expiration is applied only when the increment creates the key.
	Increment(ctx context.Context, key string, expiration time.Duration) (int64, error)

	// TTL returns the remaining time to live of key, or 0 when the key is
	// absent or has no expiration.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ZAdd adds a member with score to a sorted set
	ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error

	// ZRemRangeByScore removes members with scores in the given range
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZCard returns the number of members in a sorted set
	ZCard(ctx context.Context, key string) (int64, error)

	// ZAddWithinLimit atomically removes members scored at or below cutoff,
	// then adds member if fewer than limit members remain.
	ZAddWithinLimit(ctx context.Context, key string, cutoff, score float64, member string, limit int64, expiration time.Duration) (ZLimitResult, error)

	// Ping checks if the storage is accessible
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}
