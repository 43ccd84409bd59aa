package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
)

// SlidingWindowCounter implements the Sliding Window Counter rate limiting
// algorithm.
//
// How it works:
// 1. Requests are counted in consecutive windows aligned to the first request
// 2. The previous window's count is weighted by how much of it still
//    overlaps the sliding window ending now
// 3. estimate = current + previous * (1 - elapsed/window)
// 4. A request is admitted while estimate is below limit
//
// Advantages:
// - Constant memory per key, unlike the sliding window log
// - Smooths the boundary spikes of a fixed window
//
// Configuration parameters:
// - limit: Maximum estimated requests in the window
// - window: Duration of each window
type SlidingWindowCounter struct {
	store  storage.Store
	params ParamsSource
	logger *zap.Logger
}

type slidingWindowCounterState struct {
	Current     int64 `json:"current"`
	Previous    int64 `json:"previous"`
	WindowStart int64 `json:"window_start"` // Unix milliseconds
}

// NewSlidingWindowCounter creates a new Sliding Window Counter rate limiter.
//
//	limiter := NewSlidingWindowCounter(store, Static(Params{Limit: 10, Window: time.Minute}), logger)
func NewSlidingWindowCounter(store storage.Store, params ParamsSource, logger *zap.Logger) *SlidingWindowCounter {
	return &SlidingWindowCounter{
		store:  store,
		params: params,
		logger: logger,
	}
}

// Algorithm implements Strategy.
func (sc *SlidingWindowCounter) Algorithm() Algorithm {
	return AlgorithmSlidingWindowCounter
}

// Decide counts the request for key if the weighted estimate allows it.
func (sc *SlidingWindowCounter) Decide(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ValidateKey(key); err != nil {
		return Decision{}, err
	}
	p, err := loadParams(ctx, sc.params, AlgorithmSlidingWindowCounter, key)
	if err != nil {
		return Decision{}, err
	}

	windowMs := p.Window.Milliseconds()
	limit := float64(p.Limit)
	nowMs := now.UnixMilli()

	var decision Decision
	err = transact(ctx, sc.store, stateKey(AlgorithmSlidingWindowCounter, key), func(current string) (string, time.Duration, error) {
		state, ok := sc.decodeState(key, current)
		if !ok {
			state = slidingWindowCounterState{WindowStart: nowMs}
		}

		elapsed := nowMs - state.WindowStart
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed >= windowMs {
			rolled := elapsed / windowMs
			if rolled == 1 {
				state.Previous = state.Current
			} else {
				state.Previous = 0
			}
			state.Current = 0
			state.WindowStart += rolled * windowMs
			elapsed -= rolled * windowMs
		}

		weight := 1 - float64(elapsed)/float64(windowMs)
		estimate := float64(state.Current) + float64(state.Previous)*weight

		if estimate < limit {
			state.Current++
			remaining := math.Floor(limit - (estimate + 1))
			decision = Decision{Allowed: true, Remaining: int64(math.Max(0, remaining))}
		} else {
			decision = Decision{Allowed: false, RetryAfter: sc.retryAfter(state, elapsed, windowMs, limit)}
		}

		next, err := json.Marshal(state)
		if err != nil {
			return "", 0, fmt.Errorf("marshal counter state: %w", err)
		}

		// Two windows after the current one started both counts are stale.
		expiration := time.Duration(state.WindowStart+2*windowMs-nowMs) * time.Millisecond
		return string(next), expiration, nil
	})
	if err != nil {
		sc.logger.Error("failed to update sliding window counter", zap.String("key", key), zap.Error(err))
		return Decision{}, err
	}

	return decision, nil
}

// retryAfter solves the estimate formula for the earliest time the estimate
// drops below limit, assuming no further admissions.
func (sc *SlidingWindowCounter) retryAfter(state slidingWindowCounterState, elapsed, windowMs int64, limit float64) time.Duration {
	w := float64(windowMs)
	cur := float64(state.Current)
	prev := float64(state.Previous)

	var wait float64
	if cur < limit && prev > 0 {
		// cur + prev*(1 - (elapsed+t)/w) < limit
		wait = w*(1-(limit-cur)/prev) - float64(elapsed)
	} else {
		// In the next window the current count becomes previous.
		untilEnd := w - float64(elapsed)
		wait = untilEnd
		if cur > 0 {
			wait += math.Max(0, w*(1-limit/cur))
		}
	}

	ms := int64(math.Floor(wait)) + 1
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// Reset clears the counters for a specific key.
func (sc *SlidingWindowCounter) Reset(ctx context.Context, key string) error {
	if err := resetState(ctx, sc.store, AlgorithmSlidingWindowCounter, key); err != nil {
		sc.logger.Error("failed to reset sliding window counter", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (sc *SlidingWindowCounter) decodeState(key, raw string) (slidingWindowCounterState, bool) {
	if raw == "" {
		return slidingWindowCounterState{}, false
	}

	var state slidingWindowCounterState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		sc.logger.Warn("failed to parse sliding window counter state, reinitializing", zap.String("key", key), zap.Error(err))
		return slidingWindowCounterState{}, false
	}
	return state, true
}
