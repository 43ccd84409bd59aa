package limiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/mohammadhprp/admission/internal/clock"
	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var epoch = time.UnixMilli(1_700_000_000_000)

// newTestLogger creates a logger that writes through t.Log
func newTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// newTestStore creates a memory store driven by a fake clock starting at epoch
func newTestStore(t *testing.T) (*storage.MemoryStore, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(epoch)
	store := storage.NewMemoryStore(storage.WithClock(fake), storage.WithSweepInterval(0))
	t.Cleanup(func() { store.Close() })
	return store, fake
}

// decide calls s.Decide at the fake clock's current time and fails the test on error
func decide(t *testing.T, s limiter.Strategy, fake *clock.Fake, key string) limiter.Decision {
	t.Helper()
	d, err := s.Decide(context.Background(), key, fake.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return d
}

// decideAt calls s.Decide at an explicit time and fails the test on error
func decideAt(t *testing.T, s limiter.Strategy, key string, now time.Time) limiter.Decision {
	t.Helper()
	d, err := s.Decide(context.Background(), key, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return d
}

// countSkewedAdmissions alternates decisions between an instance at
// epoch+i ms and one lagging 5ms behind it, returning the admissions.
func countSkewedAdmissions(t *testing.T, s limiter.Strategy, requests int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < requests; i++ {
		now := epoch.Add(time.Duration(i) * time.Millisecond)
		if i%2 == 1 {
			now = now.Add(-5 * time.Millisecond)
		}
		if decideAt(t, s, "k", now).Allowed {
			allowed++
		}
	}
	return allowed
}

// failingStore reports every operation as unavailable.
type failingStore struct {
	storage.Store
}

func (failingStore) Get(ctx context.Context, key string) (string, error) {
	return "", storage.ErrUnavailable
}

func (failingStore) CompareAndSwap(ctx context.Context, key, old, new string, expiration time.Duration) (bool, error) {
	return false, storage.ErrUnavailable
}

func (failingStore) ZAddWithinLimit(ctx context.Context, key string, cutoff, score float64, member string, limit int64, expiration time.Duration) (storage.ZLimitResult, error) {
	return storage.ZLimitResult{}, storage.ErrUnavailable
}

func (failingStore) Delete(ctx context.Context, key string) error {
	return storage.ErrUnavailable
}

// countingStore counts store calls to prove validation happens first.
type countingStore struct {
	storage.Store
	calls int
}

func (c *countingStore) Get(ctx context.Context, key string) (string, error) {
	c.calls++
	return c.Store.Get(ctx, key)
}

func (c *countingStore) ZAddWithinLimit(ctx context.Context, key string, cutoff, score float64, member string, limit int64, expiration time.Duration) (storage.ZLimitResult, error) {
	c.calls++
	return c.Store.ZAddWithinLimit(ctx, key, cutoff, score, member, limit, expiration)
}

func (c *countingStore) Delete(ctx context.Context, key string) error {
	c.calls++
	return c.Store.Delete(ctx, key)
}

// allStrategies builds every strategy over the same store with default parameters.
func allStrategies(t *testing.T, store storage.Store) []limiter.Strategy {
	logger := newTestLogger(t)
	params := limiter.Static(limiter.Params{})
	return []limiter.Strategy{
		limiter.NewTokenBucket(store, params, logger),
		limiter.NewLeakyBucket(store, params, logger),
		limiter.NewFixedWindow(store, params, logger),
		limiter.NewSlidingWindowLog(store, params, logger),
		limiter.NewSlidingWindowCounter(store, params, logger),
		limiter.NewExponentialBackoff(store, params, logger),
	}
}
