package limiter_test

import (
	"testing"
	"time"

	"github.com/mohammadhprp/admission/internal/limiter"
)

// TestFixedWindowLimitAndReset tests counting inside a window and the reset
// at its end
func TestFixedWindowLimitAndReset(t *testing.T) {
	store, fake := newTestStore(t)
	fw := limiter.NewFixedWindow(store, limiter.Static(limiter.Params{Limit: 3, Window: time.Minute}), newTestLogger(t))

	for i := 0; i < 3; i++ {
		d := decide(t, fw, fake, "merchant-1")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != int64(2-i) {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 2-i, d.Remaining)
		}
	}

	d := decide(t, fw, fake, "merchant-1")
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("expected retry after 1m, got %v", d.RetryAfter)
	}

	fake.Advance(59 * time.Second)
	d = decide(t, fw, fake, "merchant-1")
	if d.Allowed || d.RetryAfter != time.Second {
		t.Errorf("expected denial with 1s hint, got %+v", d)
	}

	fake.Advance(time.Second)
	d = decide(t, fw, fake, "merchant-1")
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("expected a fresh window, got %+v", d)
	}
}

// TestFixedWindowBoundaryBurst tests that at most twice the limit passes
// across a window boundary
func TestFixedWindowBoundaryBurst(t *testing.T) {
	store, fake := newTestStore(t)
	fw := limiter.NewFixedWindow(store, limiter.Static(limiter.Params{Limit: 3, Window: time.Minute}), newTestLogger(t))

	decide(t, fw, fake, "k")
	fake.Advance(time.Minute - time.Millisecond)

	allowed := 1
	for i := 0; i < 5; i++ {
		if decide(t, fw, fake, "k").Allowed {
			allowed++
		}
	}
	fake.Advance(time.Millisecond)
	for i := 0; i < 5; i++ {
		if decide(t, fw, fake, "k").Allowed {
			allowed++
		}
	}

	if allowed != 6 {
		t.Errorf("expected exactly 2x limit across the boundary, got %d", allowed)
	}
}

// TestFixedWindowToleratesClockSkew tests that an instance whose clock lags
// the window start counts into the open window instead of restarting it
func TestFixedWindowToleratesClockSkew(t *testing.T) {
	store, _ := newTestStore(t)
	fw := limiter.NewFixedWindow(store, limiter.Static(limiter.Params{Limit: 2, Window: time.Minute}), newTestLogger(t))

	if allowed := countSkewedAdmissions(t, fw, 10); allowed != 2 {
		t.Errorf("expected 2 admissions within the window, got %d", allowed)
	}
}
