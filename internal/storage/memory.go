package storage

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/mohammadhprp/admission/internal/clock"
)

// MemoryStore implements Store interface using in-memory storage.
// A single mutex is held for the duration of each primitive, which makes
// every operation, including CompareAndSwap and ZAddWithinLimit, atomic.
type MemoryStore struct {
	mu         sync.Mutex
	data       map[string]*storageValue
	sortedSets map[string]*sortedSet
	clock      clock.Clock
	sweepEvery time.Duration
	stopChan   chan struct{}
	closeOnce  sync.Once
}

// storageValue represents a value with expiration
type storageValue struct {
	value      string
	expiration time.Time
}

// sortedSet represents a sorted set data structure
type sortedSet struct {
	members    map[string]float64 // member -> score
	expiration time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock makes the store evaluate expirations against c.
func WithClock(c clock.Clock) MemoryOption {
	return func(ms *MemoryStore) { ms.clock = c }
}

// WithSweepInterval sets how often expired keys are removed. Zero disables
// the background sweep; expired keys are still invisible to readers.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(ms *MemoryStore) { ms.sweepEvery = d }
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	ms := &MemoryStore{
		data:       make(map[string]*storageValue),
		sortedSets: make(map[string]*sortedSet),
		clock:      clock.Real{},
		sweepEvery: time.Second,
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}

	if ms.sweepEvery > 0 {
		go ms.cleanupExpiredKeys()
	}

	return ms
}

// cleanupExpiredKeys periodically removes expired keys
func (ms *MemoryStore) cleanupExpiredKeys() {
	ticker := time.NewTicker(ms.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.removeExpiredKeys()
		case <-ms.stopChan:
			return
		}
	}
}

// removeExpiredKeys removes all expired keys from storage
func (ms *MemoryStore) removeExpiredKeys() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.clock.Now()
	for key, val := range ms.data {
		if expired(val.expiration, now) {
			delete(ms.data, key)
		}
	}
	for key, zset := range ms.sortedSets {
		if expired(zset.expiration, now) {
			delete(ms.sortedSets, key)
		}
	}
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func (ms *MemoryStore) expiresAt(expiration time.Duration) time.Time {
	if expiration <= 0 {
		return time.Time{}
	}
	return ms.clock.Now().Add(expiration)
}

// lookup returns the live value for key. Callers must hold ms.mu.
func (ms *MemoryStore) lookup(key string) (*storageValue, bool) {
	val, exists := ms.data[key]
	if !exists {
		return nil, false
	}
	if expired(val.expiration, ms.clock.Now()) {
		delete(ms.data, key)
		return nil, false
	}
	return val, true
}

// lookupSet returns the live sorted set for key. Callers must hold ms.mu.
func (ms *MemoryStore) lookupSet(key string) (*sortedSet, bool) {
	zset, exists := ms.sortedSets[key]
	if !exists {
		return nil, false
	}
	if expired(zset.expiration, ms.clock.Now()) {
		delete(ms.sortedSets, key)
		return nil, false
	}
	return zset, true
}

// Get retrieves the current value for the given key
func (ms *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("get %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	val, ok := ms.lookup(key)
	if !ok {
		return "", nil
	}
	return val.value, nil
}

// Set sets the value for the given key with expiration
func (ms *MemoryStore) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("set %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.data[key] = &storageValue{
		value:      value,
		expiration: ms.expiresAt(expiration),
	}
	return nil
}

// Delete removes the key from storage
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.data, key)
	delete(ms.sortedSets, key)
	return nil
}

// CompareAndSwap replaces key's value when it still equals oldValue.
func (ms *MemoryStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, expiration time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("compare and swap %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	current := ""
	if val, ok := ms.lookup(key); ok {
		current = val.value
	}
	if current != oldValue {
		return false, nil
	}

	ms.data[key] = &storageValue{
		value:      newValue,
		expiration: ms.expiresAt(expiration),
	}
	return true, nil
}

// Increment increments the counter for the given key
func (ms *MemoryStore) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("increment %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	val, ok := ms.lookup(key)
	if !ok {
		ms.data[key] = &storageValue{value: "1", expiration: ms.expiresAt(expiration)}
		return 1, nil
	}

	current, err := strconv.ParseInt(val.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("increment %s: value is not an integer", key)
	}
	current++
	val.value = strconv.FormatInt(current, 10)
	return current, nil
}

// TTL returns the remaining lifetime of key.
func (ms *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("ttl %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var expiration time.Time
	if val, ok := ms.lookup(key); ok {
		expiration = val.expiration
	} else if zset, ok := ms.lookupSet(key); ok {
		expiration = zset.expiration
	}
	if expiration.IsZero() {
		return 0, nil
	}
	return expiration.Sub(ms.clock.Now()), nil
}

// ZAdd adds a member with score to a sorted set
func (ms *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("zadd %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.zadd(key, score, member, expiration)
	return nil
}

func (ms *MemoryStore) zadd(key string, score float64, member string, expiration time.Duration) {
	zset, ok := ms.lookupSet(key)
	if !ok {
		zset = &sortedSet{members: make(map[string]float64)}
		ms.sortedSets[key] = zset
	}
	zset.members[member] = score
	zset.expiration = ms.expiresAt(expiration)
}

// ZRemRangeByScore removes members with scores in the given range
func (ms *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("zremrangebyscore %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.zremRange(key, min, max)
	return nil
}

func (ms *MemoryStore) zremRange(key string, min, max float64) {
	zset, ok := ms.lookupSet(key)
	if !ok {
		return
	}
	for member, score := range zset.members {
		if score >= min && score <= max {
			delete(zset.members, member)
		}
	}
	if len(zset.members) == 0 {
		delete(ms.sortedSets, key)
	}
}

// ZCard returns the cardinality of a sorted set.
func (ms *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("zcard %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	zset, ok := ms.lookupSet(key)
	if !ok {
		return 0, nil
	}
	return int64(len(zset.members)), nil
}

// ZAddWithinLimit prunes, counts and conditionally adds under one lock.
func (ms *MemoryStore) ZAddWithinLimit(ctx context.Context, key string, cutoff, score float64, member string, limit int64, expiration time.Duration) (ZLimitResult, error) {
	if err := ctx.Err(); err != nil {
		return ZLimitResult{}, fmt.Errorf("zadd within limit %s: %w: %w", key, ErrUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.zremRange(key, math.Inf(-1), cutoff)

	var res ZLimitResult
	zset, ok := ms.lookupSet(key)
	if ok {
		res.Count = int64(len(zset.members))
	}
	if res.Count < limit {
		if zset == nil {
			zset = &sortedSet{members: make(map[string]float64)}
			ms.sortedSets[key] = zset
		}
		zset.members[member] = score
		res.Added = true
		res.Count++
	}

	if zset != nil {
		// The set lives for expiration past its last attempt, admitted or not.
		if expiration > 0 {
			zset.expiration = ms.expiresAt(expiration)
		}
		res.Oldest = math.Inf(1)
		for _, s := range zset.members {
			res.Oldest = math.Min(res.Oldest, s)
		}
	}
	return res, nil
}

// Ping checks if the storage is accessible
func (ms *MemoryStore) Ping(ctx context.Context) error {
	// In-memory storage is always accessible
	return nil
}

// Close stops the background sweep.
func (ms *MemoryStore) Close() error {
	ms.closeOnce.Do(func() { close(ms.stopChan) })
	return nil
}
