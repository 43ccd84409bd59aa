package limiter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mohammadhprp/admission/internal/storage"
)

// Algorithm names a rate limiting strategy.
type Algorithm string

// Algorithm types
const (
	AlgorithmTokenBucket          Algorithm = "token_bucket"
	AlgorithmLeakyBucket          Algorithm = "leaky_bucket"
	AlgorithmFixedWindow          Algorithm = "fixed_window"
	AlgorithmSlidingWindowLog     Algorithm = "sliding_window_log"
	AlgorithmSlidingWindowCounter Algorithm = "sliding_window_counter"
	AlgorithmExponentialBackoff   Algorithm = "exponential_backoff"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{
	AlgorithmTokenBucket,
	AlgorithmLeakyBucket,
	AlgorithmFixedWindow,
	AlgorithmSlidingWindowLog,
	AlgorithmSlidingWindowCounter,
	AlgorithmExponentialBackoff,
}

var (
	// ErrStoreUnavailable is the counter store failure every strategy
	// propagates unchanged.
	ErrStoreUnavailable = storage.ErrUnavailable

	// ErrInvalidKey is returned for empty or malformed identities before
	// the store is touched.
	ErrInvalidKey = errors.New("invalid rate limit key")

	// ErrUnknownAlgorithm is returned for algorithm names that do not map
	// to a strategy.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
)

// ParseAlgorithm resolves snake_case, kebab-case and camelCase spellings
// (token_bucket, token-bucket, tokenBucket) to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	normalized := normalizeAlgorithm(name)
	for _, a := range Algorithms {
		if normalizeAlgorithm(string(a)) == normalized {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

func normalizeAlgorithm(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "", "-", "").Replace(name)
}

const maxKeyLength = 128

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]+$`)

// ValidateKey rejects identities that are empty, too long, or contain
// characters outside [A-Za-z0-9._@-]. The restricted alphabet keeps the
// algorithm namespace of state keys unforgeable.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, maxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidKey, key)
	}
	return nil
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool
	// Remaining is the number of further requests the key may make right
	// now, as seen by the strategy.
	Remaining int64
	// RetryAfter is a hint for denied requests; zero means no hint.
	RetryAfter time.Duration
}

// RetryAfterMillis returns RetryAfter in whole milliseconds, rounded up.
func (d Decision) RetryAfterMillis() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64((d.RetryAfter + time.Millisecond - 1) / time.Millisecond)
}

// Strategy defines the interface for rate limiting algorithms.
// Different algorithms can be plugged in behind the same contract, and the
// backing store is an implementation detail of each strategy.
type Strategy interface {
	// Algorithm reports which algorithm the strategy implements.
	Algorithm() Algorithm

	// Decide reports whether the request identified by key may proceed at
	// now. A denial is a normal Decision, not an error; store failures are
	// returned as errors wrapping ErrStoreUnavailable.
	Decide(ctx context.Context, key string, now time.Time) (Decision, error)

	// Reset clears the state for a specific key.
	Reset(ctx context.Context, key string) error
}

func stateKey(algorithm Algorithm, key string) string {
	return fmt.Sprintf("limiter:%s:%s", algorithm, key)
}

func resetState(ctx context.Context, store storage.Store, algorithm Algorithm, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := store.Delete(ctx, stateKey(algorithm, key)); err != nil {
		return fmt.Errorf("reset %s state: %w", algorithm, err)
	}
	return nil
}
