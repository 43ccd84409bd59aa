package storage

import (
	"context"
	"time"
)

// PrefixedStore scopes every key of an underlying Store under a fixed
// prefix, so callers sharing one backend cannot address each other's keys.
type PrefixedStore struct {
	inner  Store
	prefix string
}

// NewPrefixedStore wraps inner so every key is stored as prefix+key.
func NewPrefixedStore(inner Store, prefix string) *PrefixedStore {
	return &PrefixedStore{inner: inner, prefix: prefix}
}

// Get implements Store.
func (ps *PrefixedStore) Get(ctx context.Context, key string) (string, error) {
	return ps.inner.Get(ctx, ps.prefix+key)
}

// Set implements Store.
func (ps *PrefixedStore) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return ps.inner.Set(ctx, ps.prefix+key, value, expiration)
}

// Delete implements Store.
func (ps *PrefixedStore) Delete(ctx context.Context, key string) error {
	return ps.inner.Delete(ctx, ps.prefix+key)
}

// CompareAndSwap implements Store.
func (ps *PrefixedStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, expiration time.Duration) (bool, error) {
	return ps.inner.CompareAndSwap(ctx, ps.prefix+key, oldValue, newValue, expiration)
}

// Increment implements Store.
func (ps *PrefixedStore) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	return ps.inner.Increment(ctx, ps.prefix+key, expiration)
}

// TTL implements Store.
func (ps *PrefixedStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return ps.inner.TTL(ctx, ps.prefix+key)
}

// ZAdd implements Store.
func (ps *PrefixedStore) ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error {
	return ps.inner.ZAdd(ctx, ps.prefix+key, score, member, expiration)
}

// ZRemRangeByScore implements Store.
func (ps *PrefixedStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return ps.inner.ZRemRangeByScore(ctx, ps.prefix+key, min, max)
}

// ZCard implements Store.
func (ps *PrefixedStore) ZCard(ctx context.Context, key string) (int64, error) {
	return ps.inner.ZCard(ctx, ps.prefix+key)
}

// ZAddWithinLimit implements Store.
func (ps *PrefixedStore) ZAddWithinLimit(ctx context.Context, key string, cutoff, score float64, member string, limit int64, expiration time.Duration) (ZLimitResult, error) {
	return ps.inner.ZAddWithinLimit(ctx, ps.prefix+key, cutoff, score, member, limit, expiration)
}

// Ping implements Store.
func (ps *PrefixedStore) Ping(ctx context.Context) error {
	return ps.inner.Ping(ctx)
}

// Close is a no-op; the underlying store is closed by its owner.
func (ps *PrefixedStore) Close() error {
	return nil
}
