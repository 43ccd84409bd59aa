package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
)

// SlidingWindowLog implements the Sliding Window Log rate limiting algorithm.
//
// How it works:
// 1. Every admitted request is logged with its timestamp in a sorted set
// 2. Entries older than window are pruned before each decision
// 3. A request is admitted only while fewer than limit entries remain
// 4. Rejected requests are not logged
//
// Prune, count and insert run as one atomic store operation, so the number
// of admitted requests in any window never exceeds limit.
//
// Configuration parameters:
// - limit: Maximum number of requests in any window
// - window: Duration of the sliding window
type SlidingWindowLog struct {
	store  storage.Store
	params ParamsSource
	logger *zap.Logger
}

// NewSlidingWindowLog creates a new Sliding Window Log rate limiter.
//
// Example: Allow 5 requests in any 5 seconds
//
//	limiter := NewSlidingWindowLog(store, Static(Params{Limit: 5, Window: 5 * time.Second}), logger)
func NewSlidingWindowLog(store storage.Store, params ParamsSource, logger *zap.Logger) *SlidingWindowLog {
	return &SlidingWindowLog{
		store:  store,
		params: params,
		logger: logger,
	}
}

// Algorithm implements Strategy.
func (sw *SlidingWindowLog) Algorithm() Algorithm {
	return AlgorithmSlidingWindowLog
}

// Decide logs the request for key if the window has room for it.
func (sw *SlidingWindowLog) Decide(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ValidateKey(key); err != nil {
		return Decision{}, err
	}
	p, err := loadParams(ctx, sw.params, AlgorithmSlidingWindowLog, key)
	if err != nil {
		return Decision{}, err
	}

	nowMs := now.UnixMilli()
	windowMs := p.Window.Milliseconds()
	cutoff := float64(nowMs - windowMs)
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	// Once every entry is older than window the log is equivalent to an
	// absent key.
	res, err := sw.store.ZAddWithinLimit(ctx, stateKey(AlgorithmSlidingWindowLog, key), cutoff, float64(nowMs), member, p.Limit, p.Window)
	if err != nil {
		sw.logger.Error("failed to update sliding window log", zap.String("key", key), zap.Error(err))
		return Decision{}, err
	}

	if res.Added {
		remaining := p.Limit - res.Count
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	// The oldest entry leaves the window once its score is <= now - window.
	wait := int64(res.Oldest) + windowMs - nowMs
	if wait < 1 {
		wait = 1
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(wait) * time.Millisecond}, nil
}

// Reset clears the request log for a specific key.
func (sw *SlidingWindowLog) Reset(ctx context.Context, key string) error {
	if err := resetState(ctx, sw.store, AlgorithmSlidingWindowLog, key); err != nil {
		sw.logger.Error("failed to reset sliding window log", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
