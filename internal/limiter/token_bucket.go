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

// TokenBucket implements the Token Bucket rate limiting algorithm.
//
// How it works:
// 1. A bucket starts full with capacity tokens
// 2. refill_rate tokens are added for every whole refill_interval that elapsed
// 3. Each request consumes 1 token
// 4. If fewer than 1 token is available, the request is rejected
// 5. The bucket never holds more than capacity tokens
//
// Only whole intervals are credited and the refill timestamp advances by
// exactly those intervals, so a partially elapsed interval carries over to
// the next decision instead of being lost.
//
// Configuration parameters:
// - capacity: Maximum tokens the bucket can hold (also the initial count)
// - refill_rate: Number of tokens added per refill_interval
// - refill_interval: How frequently tokens are added
type TokenBucket struct {
	store  storage.Store
	params ParamsSource
	logger *zap.Logger
}

// tokenBucketState represents the persistent state of a token bucket
type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"` // Unix milliseconds
}

// NewTokenBucket creates a new Token Bucket rate limiter.
//
// Example: bursts of 20 with one token per 100ms
//
//	limiter := NewTokenBucket(store, Static(Params{Capacity: 20, RefillRate: 1, RefillInterval: 100 * time.Millisecond}), logger)
func NewTokenBucket(store storage.Store, params ParamsSource, logger *zap.Logger) *TokenBucket {
	return &TokenBucket{
		store:  store,
		params: params,
		logger: logger,
	}
}

// Algorithm implements Strategy.
func (tb *TokenBucket) Algorithm() Algorithm {
	return AlgorithmTokenBucket
}

// Decide consumes a token for key if one is available at now.
func (tb *TokenBucket) Decide(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ValidateKey(key); err != nil {
		return Decision{}, err
	}
	p, err := loadParams(ctx, tb.params, AlgorithmTokenBucket, key)
	if err != nil {
		return Decision{}, err
	}

	capacity := float64(p.Capacity)
	intervalMs := p.RefillInterval.Milliseconds()
	nowMs := now.UnixMilli()

	var decision Decision
	err = transact(ctx, tb.store, stateKey(AlgorithmTokenBucket, key), func(current string) (string, time.Duration, error) {
		state := tb.decodeState(key, current, capacity, nowMs)

		elapsed := nowMs - state.LastRefill
		if elapsed < 0 {
			elapsed = 0
		}
		intervals := elapsed / intervalMs

		tokens := math.Min(capacity, state.Tokens+float64(intervals)*p.RefillRate)
		lastRefill := state.LastRefill + intervals*intervalMs
		if tokens >= capacity {
			// A full bucket banks no idle time.
			lastRefill = nowMs
		}

		if tokens >= 1 {
			tokens--
			decision = Decision{Allowed: true, Remaining: int64(math.Floor(tokens))}
		} else {
			needed := math.Ceil((1 - tokens) / p.RefillRate)
			wait := int64(needed)*intervalMs - (nowMs - lastRefill)
			decision = Decision{Allowed: false, RetryAfter: time.Duration(wait) * time.Millisecond}
		}

		next, err := json.Marshal(tokenBucketState{Tokens: tokens, LastRefill: lastRefill})
		if err != nil {
			return "", 0, fmt.Errorf("marshal bucket state: %w", err)
		}

		// Once the bucket would be full again its state is equivalent to
		// an absent key, so it can expire.
		refillsToFull := math.Ceil((capacity - tokens) / p.RefillRate)
		expiration := time.Duration(int64(refillsToFull)*intervalMs+intervalMs) * time.Millisecond
		return string(next), expiration, nil
	})
	if err != nil {
		tb.logger.Error("failed to update bucket state", zap.String("key", key), zap.Error(err))
		return Decision{}, err
	}

	return decision, nil
}

// Reset clears the bucket state for a specific key.
func (tb *TokenBucket) Reset(ctx context.Context, key string) error {
	if err := resetState(ctx, tb.store, AlgorithmTokenBucket, key); err != nil {
		tb.logger.Error("failed to reset bucket state", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// decodeState parses stored state, treating absent or corrupt values as a
// full bucket.
func (tb *TokenBucket) decodeState(key, raw string, capacity float64, nowMs int64) tokenBucketState {
	full := tokenBucketState{Tokens: capacity, LastRefill: nowMs}
	if raw == "" {
		return full
	}

	var state tokenBucketState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		tb.logger.Warn("failed to parse bucket state, reinitializing", zap.String("key", key), zap.Error(err))
		return full
	}
	return state
}
