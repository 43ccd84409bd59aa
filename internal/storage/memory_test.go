package storage_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mohammadhprp/admission/internal/clock"
	"github.com/mohammadhprp/admission/internal/storage"
)

func newFakeStore(t *testing.T) (*storage.MemoryStore, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	ms := storage.NewMemoryStore(storage.WithClock(fake), storage.WithSweepInterval(0))
	t.Cleanup(func() { ms.Close() })
	return ms, fake
}

func TestMemoryStoreGetSet(t *testing.T) {
	ms, _ := newFakeStore(t)
	ctx := context.Background()

	if err := ms.Set(ctx, "key", "value", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val, err := ms.Get(ctx, "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "value" {
		t.Errorf("expected 'value', got %s", val)
	}

	// Test get non-existent key
	val, err = ms.Get(ctx, "non-existent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "" {
		t.Errorf("expected empty string, got %s", val)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ms, _ := newFakeStore(t)
	ctx := context.Background()

	ms.Set(ctx, "key", "value", time.Minute)
	ms.ZAdd(ctx, "key", 1, "a", time.Minute)
	if err := ms.Delete(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val, _ := ms.Get(ctx, "key")
	if val != "" {
		t.Errorf("expected empty string after delete, got %s", val)
	}
	card, _ := ms.ZCard(ctx, "key")
	if card != 0 {
		t.Errorf("expected empty sorted set after delete, got %d", card)
	}
}

func TestMemoryStoreExpiration(t *testing.T) {
	ms, fake := newFakeStore(t)
	ctx := context.Background()

	ms.Set(ctx, "key", "value", 100*time.Millisecond)

	fake.Advance(99 * time.Millisecond)
	if val, _ := ms.Get(ctx, "key"); val != "value" {
		t.Errorf("expected value before expiry, got %q", val)
	}

	ttl, err := ms.TTL(ctx, "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl != time.Millisecond {
		t.Errorf("expected 1ms ttl, got %v", ttl)
	}

	fake.Advance(time.Millisecond)
	if val, _ := ms.Get(ctx, "key"); val != "" {
		t.Errorf("expected key to be expired, got %q", val)
	}
	if ttl, _ := ms.TTL(ctx, "key"); ttl != 0 {
		t.Errorf("expected zero ttl for expired key, got %v", ttl)
	}
}

func TestMemoryStoreNoExpiration(t *testing.T) {
	ms, fake := newFakeStore(t)
	ctx := context.Background()

	ms.Set(ctx, "key", "value", 0)
	fake.Advance(365 * 24 * time.Hour)

	if val, _ := ms.Get(ctx, "key"); val != "value" {
		t.Errorf("expected persistent value, got %q", val)
	}
	if ttl, _ := ms.TTL(ctx, "key"); ttl != 0 {
		t.Errorf("expected zero ttl for persistent key, got %v", ttl)
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ms, _ := newFakeStore(t)
	ctx := context.Background()

	swapped, err := ms.CompareAndSwap(ctx, "key", "", "v1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !swapped {
		t.Fatalf("expected swap on absent key")
	}

	swapped, _ = ms.CompareAndSwap(ctx, "key", "", "v2", time.Minute)
	if swapped {
		t.Errorf("expected swap to fail when key exists")
	}

	swapped, _ = ms.CompareAndSwap(ctx, "key", "stale", "v2", time.Minute)
	if swapped {
		t.Errorf("expected swap to fail on stale value")
	}

	swapped, _ = ms.CompareAndSwap(ctx, "key", "v1", "v2", time.Minute)
	if !swapped {
		t.Errorf("expected swap to succeed on matching value")
	}

	if val, _ := ms.Get(ctx, "key"); val != "v2" {
		t.Errorf("expected v2, got %q", val)
	}
}

func TestMemoryStoreCompareAndSwapTreatsExpiredAsAbsent(t *testing.T) {
	ms, fake := newFakeStore(t)
	ctx := context.Background()

	ms.Set(ctx, "key", "old", time.Second)
	fake.Advance(time.Second)

	swapped, _ := ms.CompareAndSwap(ctx, "key", "", "fresh", time.Second)
	if !swapped {
		t.Errorf("expected expired key to match the absent sentinel")
	}
}

func TestMemoryStoreCompareAndSwapConcurrent(t *testing.T) {
	ms, _ := newFakeStore(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if ok, _ := ms.CompareAndSwap(ctx, "key", "", fmt.Sprintf("w%d", i), 0); ok {
				wins <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	if n := len(wins); n != 1 {
		t.Errorf("expected exactly one winner, got %d", n)
	}
}

func TestMemoryStoreIncrement(t *testing.T) {
	ms, fake := newFakeStore(t)
	ctx := context.Background()

	val, err := ms.Increment(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 1 {
		t.Errorf("expected 1, got %d", val)
	}

	fake.Advance(30 * time.Second)
	val, _ = ms.Increment(ctx, "counter", time.Minute)
	if val != 2 {
		t.Errorf("expected 2, got %d", val)
	}

	// The expiration is only applied on creation.
	fake.Advance(30 * time.Second)
	val, _ = ms.Increment(ctx, "counter", time.Minute)
	if val != 1 {
		t.Errorf("expected counter to restart after expiry, got %d", val)
	}
}

func TestMemoryStoreSortedSetOperations(t *testing.T) {
	ms, _ := newFakeStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := ms.ZAdd(ctx, "zset", float64(i*100), fmt.Sprintf("m%d", i), time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	card, _ := ms.ZCard(ctx, "zset")
	if card != 5 {
		t.Errorf("expected 5 members, got %d", card)
	}

	if err := ms.ZRemRangeByScore(ctx, "zset", math.Inf(-1), 300); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	card, _ = ms.ZCard(ctx, "zset")
	if card != 2 {
		t.Errorf("expected 2 members after removal, got %d", card)
	}
}

func TestMemoryStoreZAddWithinLimit(t *testing.T) {
	ms, _ := newFakeStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := ms.ZAddWithinLimit(ctx, "log", 0, float64(i), fmt.Sprintf("m%d", i), 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Added {
			t.Errorf("member %d should be added", i)
		}
		if res.Count != int64(i) {
			t.Errorf("expected count %d, got %d", i, res.Count)
		}
		if res.Oldest != 1 {
			t.Errorf("expected oldest score 1, got %v", res.Oldest)
		}
	}

	res, _ := ms.ZAddWithinLimit(ctx, "log", 0, 4, "m4", 3, time.Minute)
	if res.Added {
		t.Errorf("member beyond the limit should not be added")
	}
	if res.Count != 3 {
		t.Errorf("expected count 3, got %d", res.Count)
	}

	// Pruning at cutoff 1 frees exactly one slot.
	res, _ = ms.ZAddWithinLimit(ctx, "log", 1, 5, "m5", 3, time.Minute)
	if !res.Added {
		t.Errorf("member should be added after pruning")
	}
	if res.Oldest != 2 {
		t.Errorf("expected oldest score 2 after pruning, got %v", res.Oldest)
	}
}

func TestMemoryStoreZAddWithinLimitRefreshesExpirationOnReject(t *testing.T) {
	ms, fake := newFakeStore(t)
	ctx := context.Background()

	if _, err := ms.ZAddWithinLimit(ctx, "log", 0, 1, "m1", 1, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fake.Advance(30 * time.Second)

	res, err := ms.ZAddWithinLimit(ctx, "log", 0, 2, "m2", 1, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Added {
		t.Fatal("member beyond the limit should not be added")
	}

	ttl, _ := ms.TTL(ctx, "log")
	if ttl != time.Minute {
		t.Errorf("expected a rejected attempt to refresh the TTL to 1m, got %v", ttl)
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ms, _ := newFakeStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ms.Get(ctx, "key")
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled to be preserved, got %v", err)
	}
}

func TestMemoryStoreSweepRemovesExpiredKeys(t *testing.T) {
	ms := storage.NewMemoryStore(storage.WithSweepInterval(5 * time.Millisecond))
	defer ms.Close()

	ctx := context.Background()
	ms.Set(ctx, "key", "value", time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if val, _ := ms.Get(ctx, "key"); val != "" {
		t.Errorf("expected key to be swept, got %q", val)
	}
}
