package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammadhprp/admission/internal/storage"
)

// maxSwapAttempts bounds the compare-and-swap loop. Every failed swap means
// another caller committed, so exhausting it requires sustained contention.
const maxSwapAttempts = 64

// transition computes the next persisted value of a key from its current
// value ("" when absent). Returning the current value unchanged skips the
// write.
type transition func(current string) (next string, expiration time.Duration, err error)

// transact applies fn to key as one atomic read-modify-write by retrying
// compare-and-swap until no concurrent writer intervened. fn may run more
// than once and must not have side effects beyond its captured result.
func transact(ctx context.Context, store storage.Store, key string, fn transition) error {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		current, err := store.Get(ctx, key)
		if err != nil {
			return err
		}

		next, expiration, err := fn(current)
		if err != nil {
			return err
		}
		if next == current {
			return nil
		}

		swapped, err := store.CompareAndSwap(ctx, key, current, next, expiration)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("update %s: %w: gave up after %d conflicting writes", key, storage.ErrUnavailable, maxSwapAttempts)
}

// ceilMillis rounds up to whole milliseconds, ignoring float noise below
// one nanosecond.
func ceilMillis(ms float64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(int64(ms+0.999999)) * time.Millisecond
}
