package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mohammadhprp/admission/internal/clock"
	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
)

// rejectionsTTL bounds how long rejection counters are kept for status.
const rejectionsTTL = 24 * time.Hour

// StatusResponse contains the status information for a merchant under one
// algorithm
type StatusResponse struct {
	MerchantID string            `json:"merchant_id"`
	Algorithm  limiter.Algorithm `json:"algorithm"`
	Params     limiter.Params    `json:"params"`
	Overridden bool              `json:"overridden"`
	Rejections int64             `json:"rejections"`
}

// RateLimitService provides business logic for rate limiting
type RateLimitService struct {
	store      storage.Store
	configs    *ConfigService
	strategies map[limiter.Algorithm]limiter.Strategy
	clock      clock.Clock
	metrics    *Metrics
	Logger     *zap.Logger
}

// Option configures a RateLimitService.
type Option func(*RateLimitService)

// WithClock sets the time source of decisions.
func WithClock(clk clock.Clock) Option {
	return func(s *RateLimitService) {
		s.clock = clk
	}
}

// WithMetrics records decisions on m.
func WithMetrics(m *Metrics) Option {
	return func(s *RateLimitService) {
		s.metrics = m
	}
}

// NewRateLimitService creates a new rate limit service with one strategy
// per algorithm, all reading their parameters from configs.
func NewRateLimitService(store storage.Store, configs *ConfigService, logger *zap.Logger, opts ...Option) *RateLimitService {
	s := &RateLimitService{
		store:   store,
		configs: configs,
		clock:   clock.Real{},
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	s.strategies = map[limiter.Algorithm]limiter.Strategy{
		limiter.AlgorithmTokenBucket:          limiter.NewTokenBucket(store, configs, logger),
		limiter.AlgorithmLeakyBucket:          limiter.NewLeakyBucket(store, configs, logger),
		limiter.AlgorithmFixedWindow:          limiter.NewFixedWindow(store, configs, logger),
		limiter.AlgorithmSlidingWindowLog:     limiter.NewSlidingWindowLog(store, configs, logger),
		limiter.AlgorithmSlidingWindowCounter: limiter.NewSlidingWindowCounter(store, configs, logger),
		limiter.AlgorithmExponentialBackoff:   limiter.NewExponentialBackoff(store, configs, logger),
	}
	return s
}

// Scoped returns a service deciding over the same store under a separate
// key prefix. Its limiter state, rejection counts and overrides are never
// shared with the receiver, and its parameters are the receiver's defaults.
func (s *RateLimitService) Scoped(prefix string) *RateLimitService {
	store := storage.NewPrefixedStore(s.store, prefix)
	configs := NewConfigService(store, s.configs.defaults, s.configs.clock, s.Logger)
	return NewRateLimitService(store, configs, s.Logger, WithClock(s.clock), WithMetrics(s.metrics))
}

// Metrics returns the metrics the service records on.
func (s *RateLimitService) Metrics() *Metrics {
	return s.metrics
}

// Strategy returns the strategy registered for an algorithm name.
func (s *RateLimitService) Strategy(name string) (limiter.Strategy, error) {
	algorithm, err := limiter.ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	strategy, ok := s.strategies[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return strategy, nil
}

// Decide checks whether identity may proceed under the named algorithm.
// A denial is returned as a Decision; errors are invalid input or store
// failures.
func (s *RateLimitService) Decide(ctx context.Context, algorithm, identity string) (limiter.Decision, error) {
	if err := limiter.ValidateKey(identity); err != nil {
		return limiter.Decision{}, err
	}
	strategy, err := s.Strategy(algorithm)
	if err != nil {
		return limiter.Decision{}, err
	}
	name := string(strategy.Algorithm())

	start := time.Now()
	decision, err := strategy.Decide(ctx, identity, s.clock.Now())
	s.metrics.RecordDecideDuration(name, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			s.metrics.RecordStoreError(name)
		}
		return limiter.Decision{}, err
	}

	s.metrics.RecordDecision(name, decision.Allowed)
	s.Logger.Debug("admission decision",
		zap.String("algorithm", name),
		zap.String("key", identity),
		zap.Bool("allowed", decision.Allowed),
		zap.Int64("remaining", decision.Remaining),
		zap.Duration("retry_after", decision.RetryAfter),
	)

	if !decision.Allowed {
		if _, err := s.store.Increment(ctx, s.rejectionsKey(strategy.Algorithm(), identity), rejectionsTTL); err != nil {
			s.Logger.Warn("failed to count rejection", zap.String("key", identity), zap.Error(err))
		}
	}

	return decision, nil
}

// Reset clears the limiter state and rejection count of identity
func (s *RateLimitService) Reset(ctx context.Context, algorithm, identity string) error {
	if err := limiter.ValidateKey(identity); err != nil {
		return err
	}
	strategy, err := s.Strategy(algorithm)
	if err != nil {
		return err
	}

	if err := strategy.Reset(ctx, identity); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, s.rejectionsKey(strategy.Algorithm(), identity)); err != nil {
		return fmt.Errorf("reset rejections: %w", err)
	}

	s.metrics.RecordReset(string(strategy.Algorithm()))
	s.Logger.Info("rate limit state reset",
		zap.String("algorithm", string(strategy.Algorithm())),
		zap.String("key", identity),
	)
	return nil
}

// Status retrieves the effective parameters and rejection count of identity
func (s *RateLimitService) Status(ctx context.Context, algorithm, identity string) (*StatusResponse, error) {
	if err := limiter.ValidateKey(identity); err != nil {
		return nil, err
	}
	strategy, err := s.Strategy(algorithm)
	if err != nil {
		return nil, err
	}
	a := strategy.Algorithm()

	params, err := s.configs.Params(ctx, a, identity)
	if err != nil {
		return nil, err
	}

	overridden := true
	if _, err := s.configs.GetConfig(ctx, identity, a); err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		overridden = false
	}

	raw, err := s.store.Get(ctx, s.rejectionsKey(a, identity))
	if err != nil {
		return nil, fmt.Errorf("get rejections: %w", err)
	}
	var rejections int64
	if raw != "" {
		rejections, _ = strconv.ParseInt(raw, 10, 64)
	}

	return &StatusResponse{
		MerchantID: identity,
		Algorithm:  a,
		Params:     params,
		Overridden: overridden,
		Rejections: rejections,
	}, nil
}

func (s *RateLimitService) rejectionsKey(algorithm limiter.Algorithm, identity string) string {
	return fmt.Sprintf(KeyFormat, RejectionsKeyPrefix, algorithm, identity)
}
