package limiter

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
)

// ExponentialBackoff admits a key up to max_attempts times in a row, each
// admission extending a penalty period that doubles with the attempt count.
//
// How it works:
// 1. The attempt counter of a key starts at 0 (absent)
// 2. While attempts < max_attempts the request is admitted, attempts is
//    incremented and the counter expires after base_delay * 2^(attempts-1)
// 3. Otherwise the request is rejected until the counter expires
// 4. Expiry of the counter resets the key
//
// Configuration parameters:
// - base_delay: Penalty unit
// - max_attempts: Admissions before a key is rejected
type ExponentialBackoff struct {
	store  storage.Store
	params ParamsSource
	logger *zap.Logger
}

// NewExponentialBackoff creates a new Exponential Backoff limiter.
//
//	limiter := NewExponentialBackoff(store, Static(Params{BaseDelay: time.Second, MaxAttempts: 5}), logger)
func NewExponentialBackoff(store storage.Store, params ParamsSource, logger *zap.Logger) *ExponentialBackoff {
	return &ExponentialBackoff{
		store:  store,
		params: params,
		logger: logger,
	}
}

// Algorithm implements Strategy.
func (eb *ExponentialBackoff) Algorithm() Algorithm {
	return AlgorithmExponentialBackoff
}

// Decide records an attempt for key unless it already used all of them.
func (eb *ExponentialBackoff) Decide(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ValidateKey(key); err != nil {
		return Decision{}, err
	}
	p, err := loadParams(ctx, eb.params, AlgorithmExponentialBackoff, key)
	if err != nil {
		return Decision{}, err
	}

	sk := stateKey(AlgorithmExponentialBackoff, key)

	var (
		decision Decision
		attempts int64
	)
	err = transact(ctx, eb.store, sk, func(current string) (string, time.Duration, error) {
		attempts = eb.decodeAttempts(key, current)
		if attempts >= p.MaxAttempts {
			decision = Decision{Allowed: false}
			return current, 0, nil
		}

		decision = Decision{Allowed: true, Remaining: p.MaxAttempts - (attempts + 1)}
		return strconv.FormatInt(attempts+1, 10), Penalty(p.BaseDelay, attempts), nil
	})
	if err != nil {
		eb.logger.Error("failed to update backoff attempts", zap.String("key", key), zap.Error(err))
		return Decision{}, err
	}

	if !decision.Allowed {
		ttl, err := eb.store.TTL(ctx, sk)
		if err != nil {
			eb.logger.Error("failed to read backoff penalty", zap.String("key", key), zap.Error(err))
			return Decision{}, err
		}
		// The counter may expire between the update and the TTL read.
		if ttl <= 0 {
			ttl = Penalty(p.BaseDelay, attempts-1)
		}
		decision.RetryAfter = ttl
	}

	return decision, nil
}

// MaxPenalty caps a single backoff expiration.
const MaxPenalty = 30 * 24 * time.Hour

// Penalty returns the expiration applied when a key with attempts prior
// attempts is admitted: base * 2^(attempts-1), saturating at MaxPenalty.
func Penalty(base time.Duration, attempts int64) time.Duration {
	penalty := float64(base) * math.Pow(2, float64(attempts-1))
	if penalty >= float64(MaxPenalty) {
		return MaxPenalty
	}
	return time.Duration(penalty)
}

// Reset clears the attempt counter for a specific key.
func (eb *ExponentialBackoff) Reset(ctx context.Context, key string) error {
	if err := resetState(ctx, eb.store, AlgorithmExponentialBackoff, key); err != nil {
		eb.logger.Error("failed to reset backoff attempts", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (eb *ExponentialBackoff) decodeAttempts(key, raw string) int64 {
	if raw == "" {
		return 0
	}
	attempts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || attempts < 0 {
		eb.logger.Warn("failed to parse backoff attempts, reinitializing", zap.String("key", key), zap.String("value", raw))
		return 0
	}
	return attempts
}
