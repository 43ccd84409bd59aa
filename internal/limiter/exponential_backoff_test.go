package limiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/storage"
)

// TestPenalty tests the doubling expiration schedule
func TestPenalty(t *testing.T) {
	tests := []struct {
		attempts int64
		want     time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{35, limiter.MaxPenalty},
		{100, limiter.MaxPenalty},
	}
	for _, tt := range tests {
		if got := limiter.Penalty(time.Second, tt.attempts); got != tt.want {
			t.Errorf("Penalty(1s, %d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

// TestExponentialBackoffBlocksUntilExpiry tests the attempt ceiling and the
// retry hint taken from the remaining penalty
func TestExponentialBackoffBlocksUntilExpiry(t *testing.T) {
	store, fake := newTestStore(t)
	eb := limiter.NewExponentialBackoff(store, limiter.Static(limiter.Params{}), newTestLogger(t))

	for i := 0; i < 5; i++ {
		d := decide(t, eb, fake, "merchant-1")
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		if d.Remaining != int64(4-i) {
			t.Errorf("attempt %d: expected remaining %d, got %d", i+1, 4-i, d.Remaining)
		}
	}

	d := decide(t, eb, fake, "merchant-1")
	if d.Allowed {
		t.Fatal("6th attempt should be denied")
	}
	if d.RetryAfter != 8*time.Second {
		t.Errorf("expected retry after 8s, got %v", d.RetryAfter)
	}

	fake.Advance(3 * time.Second)
	d = decide(t, eb, fake, "merchant-1")
	if d.Allowed || d.RetryAfter != 5*time.Second {
		t.Errorf("expected denial with 5s hint, got %+v", d)
	}

	fake.Advance(5 * time.Second)
	d = decide(t, eb, fake, "merchant-1")
	if !d.Allowed || d.Remaining != 4 {
		t.Errorf("expected the key to reset after its penalty, got %+v", d)
	}
}

// TestExponentialBackoffSpacedAttemptsReset tests that attempts spaced
// further apart than the penalty never accumulate
func TestExponentialBackoffSpacedAttemptsReset(t *testing.T) {
	store, fake := newTestStore(t)
	eb := limiter.NewExponentialBackoff(store, limiter.Static(limiter.Params{BaseDelay: time.Second, MaxAttempts: 2}), newTestLogger(t))

	for i := 0; i < 5; i++ {
		if d := decide(t, eb, fake, "k"); !d.Allowed || d.Remaining != 1 {
			t.Fatalf("attempt %d: expected first-attempt decision, got %+v", i+1, d)
		}
		fake.Advance(500 * time.Millisecond)
	}
}

// TestExponentialBackoffReset tests that a reset lifts an active penalty
func TestExponentialBackoffReset(t *testing.T) {
	store, fake := newTestStore(t)
	eb := limiter.NewExponentialBackoff(store, limiter.Static(limiter.Params{MaxAttempts: 1}), newTestLogger(t))

	decide(t, eb, fake, "k")
	if decide(t, eb, fake, "k").Allowed {
		t.Fatal("second attempt should be denied")
	}

	if err := eb.Reset(context.Background(), "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decide(t, eb, fake, "k").Allowed {
		t.Error("attempt after reset should be allowed")
	}
}

// expiredTTLStore reports every key as already expired when asked for its TTL.
type expiredTTLStore struct {
	storage.Store
}

func (expiredTTLStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, nil
}

// TestExponentialBackoffDenialAlwaysCarriesHint tests that a denial falls
// back to the computed penalty when the counter expires before its TTL is read
func TestExponentialBackoffDenialAlwaysCarriesHint(t *testing.T) {
	mem, fake := newTestStore(t)
	eb := limiter.NewExponentialBackoff(expiredTTLStore{Store: mem}, limiter.Static(limiter.Params{BaseDelay: time.Second, MaxAttempts: 3}), newTestLogger(t))

	for i := 0; i < 3; i++ {
		decide(t, eb, fake, "k")
	}
	d := decide(t, eb, fake, "k")
	if d.Allowed {
		t.Fatal("4th attempt should be denied")
	}
	if d.RetryAfter != 2*time.Second {
		t.Errorf("expected retry after 2s, got %v", d.RetryAfter)
	}
}

// TestExponentialBackoffLongScheduleExpires tests that the largest accepted
// attempt budget still ends in a finite penalty
func TestExponentialBackoffLongScheduleExpires(t *testing.T) {
	store, fake := newTestStore(t)
	p := limiter.Params{BaseDelay: time.Hour, MaxAttempts: limiter.MaxBackoffAttempts}
	if err := p.Validate(limiter.AlgorithmExponentialBackoff); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	eb := limiter.NewExponentialBackoff(store, limiter.Static(p), newTestLogger(t))

	for i := 0; i < limiter.MaxBackoffAttempts; i++ {
		if !decide(t, eb, fake, "k").Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	d := decide(t, eb, fake, "k")
	if d.Allowed || d.RetryAfter <= 0 || d.RetryAfter > limiter.MaxPenalty {
		t.Fatalf("expected a bounded penalty, got %+v", d)
	}

	fake.Advance(limiter.MaxPenalty)
	if !decide(t, eb, fake, "k").Allowed {
		t.Error("key should reset once the penalty expires")
	}
}
