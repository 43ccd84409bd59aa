package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Params holds the tunables of every strategy. Each algorithm reads only
// the fields it needs; zero fields fall back to the algorithm defaults.
type Params struct {
	// Token bucket and leaky bucket capacity.
	Capacity int64 `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	// Tokens added per RefillInterval (token bucket).
	RefillRate     float64       `json:"refill_rate,omitempty" yaml:"refill_rate,omitempty"`
	RefillInterval time.Duration `json:"refill_interval,omitempty" yaml:"refill_interval,omitempty"`
	// Units drained per second (leaky bucket).
	LeakRate float64 `json:"leak_rate,omitempty" yaml:"leak_rate,omitempty"`
	// Window size and limit (fixed window, sliding log, sliding counter).
	Limit  int64         `json:"limit,omitempty" yaml:"limit,omitempty"`
	Window time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
	// Exponential backoff.
	BaseDelay   time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxAttempts int64         `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// MaxBackoffAttempts bounds max_attempts of exponential backoff.
const MaxBackoffAttempts = 30

// ErrInvalidParams is wrapped by Params.Validate failures.
var ErrInvalidParams = errors.New("invalid rate limit parameters")

// DefaultParams returns the built-in parameters of algorithm.
func DefaultParams(algorithm Algorithm) Params {
	switch algorithm {
	case AlgorithmTokenBucket:
		return Params{Capacity: 10, RefillRate: 1, RefillInterval: time.Second}
	case AlgorithmLeakyBucket:
		return Params{Capacity: 10, LeakRate: 1}
	case AlgorithmFixedWindow:
		return Params{Limit: 10, Window: time.Minute}
	case AlgorithmSlidingWindowLog:
		return Params{Limit: 5, Window: 5 * time.Second}
	case AlgorithmSlidingWindowCounter:
		return Params{Limit: 10, Window: time.Minute}
	case AlgorithmExponentialBackoff:
		return Params{BaseDelay: time.Second, MaxAttempts: 5}
	}
	return Params{}
}

// Merge returns p with every non-zero field of override applied.
func (p Params) Merge(override Params) Params {
	if override.Capacity != 0 {
		p.Capacity = override.Capacity
	}
	if override.RefillRate != 0 {
		p.RefillRate = override.RefillRate
	}
	if override.RefillInterval != 0 {
		p.RefillInterval = override.RefillInterval
	}
	if override.LeakRate != 0 {
		p.LeakRate = override.LeakRate
	}
	if override.Limit != 0 {
		p.Limit = override.Limit
	}
	if override.Window != 0 {
		p.Window = override.Window
	}
	if override.BaseDelay != 0 {
		p.BaseDelay = override.BaseDelay
	}
	if override.MaxAttempts != 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	return p
}

// Validate checks the fields algorithm depends on.
func (p Params) Validate(algorithm Algorithm) error {
	invalid := func(msg string) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidParams, algorithm, msg)
	}

	switch algorithm {
	case AlgorithmTokenBucket:
		if p.Capacity <= 0 {
			return invalid("capacity must be greater than 0")
		}
		if p.RefillRate <= 0 {
			return invalid("refill_rate must be greater than 0")
		}
		if p.RefillInterval < time.Millisecond {
			return invalid("refill_interval must be at least 1ms")
		}
	case AlgorithmLeakyBucket:
		if p.Capacity <= 0 {
			return invalid("capacity must be greater than 0")
		}
		if p.LeakRate <= 0 {
			return invalid("leak_rate must be greater than 0")
		}
	case AlgorithmFixedWindow, AlgorithmSlidingWindowLog, AlgorithmSlidingWindowCounter:
		if p.Limit <= 0 {
			return invalid("limit must be greater than 0")
		}
		if p.Window < time.Millisecond {
			return invalid("window must be at least 1ms")
		}
	case AlgorithmExponentialBackoff:
		if p.BaseDelay < time.Millisecond {
			return invalid("base_delay must be at least 1ms")
		}
		if p.MaxAttempts <= 0 {
			return invalid("max_attempts must be greater than 0")
		}
		if p.MaxAttempts > MaxBackoffAttempts {
			return invalid(fmt.Sprintf("max_attempts must be at most %d", MaxBackoffAttempts))
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	return nil
}

// ParamsSource supplies the current parameters for a key. Strategies call
// it on every decision, so a configuration change applies to the next one.
type ParamsSource interface {
	Params(ctx context.Context, algorithm Algorithm, key string) (Params, error)
}

// ParamsFunc adapts a function to ParamsSource.
type ParamsFunc func(ctx context.Context, algorithm Algorithm, key string) (Params, error)

// Params calls f.
func (f ParamsFunc) Params(ctx context.Context, algorithm Algorithm, key string) (Params, error) {
	return f(ctx, algorithm, key)
}

// Static returns a ParamsSource that always yields p merged over the
// defaults of the requested algorithm.
func Static(p Params) ParamsSource {
	return ParamsFunc(func(_ context.Context, algorithm Algorithm, _ string) (Params, error) {
		return DefaultParams(algorithm).Merge(p), nil
	})
}

func loadParams(ctx context.Context, src ParamsSource, algorithm Algorithm, key string) (Params, error) {
	p, err := src.Params(ctx, algorithm, key)
	if err != nil {
		return Params{}, fmt.Errorf("load %s params: %w", algorithm, err)
	}
	if err := p.Validate(algorithm); err != nil {
		return Params{}, err
	}
	return p, nil
}
