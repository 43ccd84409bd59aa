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

// LeakyBucket implements the Leaky Bucket (as a meter) rate limiting algorithm.
//
// How it works:
// 1. Each admitted request adds one unit to the bucket
// 2. The bucket drains continuously at leak_rate units per second
// 3. A request is admitted only while the drained level is below capacity
// 4. Rejected requests do not add to the level
//
// Advantages:
// - Smooths out burst traffic to a steady output rate
// - Good for protecting backend services
//
// Configuration parameters:
// - capacity: Maximum level of the bucket
// - leak_rate: Units drained per second
type LeakyBucket struct {
	store  storage.Store
	params ParamsSource
	logger *zap.Logger
}

// leakyBucketState represents the state of a leaky bucket rate limiter
type leakyBucketState struct {
	Level     float64 `json:"level"`
	LastDrain int64   `json:"last_drain"` // Unix milliseconds
}

// NewLeakyBucket creates a new Leaky Bucket rate limiter.
//
// Example: bucket holds 100 requests, drains 10 per second
//
//	limiter := NewLeakyBucket(store, Static(Params{Capacity: 100, LeakRate: 10}), logger)
func NewLeakyBucket(store storage.Store, params ParamsSource, logger *zap.Logger) *LeakyBucket {
	return &LeakyBucket{
		store:  store,
		params: params,
		logger: logger,
	}
}

// Algorithm implements Strategy.
func (lb *LeakyBucket) Algorithm() Algorithm {
	return AlgorithmLeakyBucket
}

// Decide adds a unit for key if the drained level leaves room for it.
func (lb *LeakyBucket) Decide(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ValidateKey(key); err != nil {
		return Decision{}, err
	}
	p, err := loadParams(ctx, lb.params, AlgorithmLeakyBucket, key)
	if err != nil {
		return Decision{}, err
	}

	capacity := float64(p.Capacity)
	nowMs := now.UnixMilli()

	var decision Decision
	err = transact(ctx, lb.store, stateKey(AlgorithmLeakyBucket, key), func(current string) (string, time.Duration, error) {
		state := lb.decodeState(key, current, nowMs)

		elapsed := nowMs - state.LastDrain
		if elapsed < 0 {
			elapsed = 0
		}
		level := math.Max(0, state.Level-float64(elapsed)/1000*p.LeakRate)

		if level < capacity {
			level++
			decision = Decision{Allowed: true, Remaining: int64(math.Max(0, math.Floor(capacity-level)))}
		} else {
			// The level must drop strictly below capacity.
			wait := math.Floor((level-capacity)/p.LeakRate*1000) + 1
			decision = Decision{Allowed: false, RetryAfter: time.Duration(wait) * time.Millisecond}
		}

		next, err := json.Marshal(leakyBucketState{Level: level, LastDrain: nowMs})
		if err != nil {
			return "", 0, fmt.Errorf("marshal bucket state: %w", err)
		}

		// An empty bucket is equivalent to an absent key.
		expiration := ceilMillis(level/p.LeakRate*1000) + time.Second
		return string(next), expiration, nil
	})
	if err != nil {
		lb.logger.Error("failed to update leaky bucket state", zap.String("key", key), zap.Error(err))
		return Decision{}, err
	}

	return decision, nil
}

// Reset clears the bucket state for a specific key.
func (lb *LeakyBucket) Reset(ctx context.Context, key string) error {
	if err := resetState(ctx, lb.store, AlgorithmLeakyBucket, key); err != nil {
		lb.logger.Error("failed to reset leaky bucket state", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (lb *LeakyBucket) decodeState(key, raw string, nowMs int64) leakyBucketState {
	empty := leakyBucketState{Level: 0, LastDrain: nowMs}
	if raw == "" {
		return empty
	}

	var state leakyBucketState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		lb.logger.Warn("failed to parse leaky bucket state, reinitializing", zap.String("key", key), zap.Error(err))
		return empty
	}
	return state
}
