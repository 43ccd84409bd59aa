package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammadhprp/admission/internal/config"
	"github.com/mohammadhprp/admission/internal/limiter"
)

func writeLimits(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadLimitsWithoutFile(t *testing.T) {
	limits, err := config.LoadLimits("", 0, zap.NewNop())
	require.NoError(t, err)

	for _, a := range limiter.Algorithms {
		assert.Equal(t, limiter.DefaultParams(a), limits.Defaults(a))
	}
}

func TestLoadLimitsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	writeLimits(t, path, `
token_bucket:
  capacity: 20
  refill_interval: 500ms
slidingWindowLog:
  limit: 50
  window: 1m
`)

	limits, err := config.LoadLimits(path, 0, zap.NewNop())
	require.NoError(t, err)

	tb := limits.Defaults(limiter.AlgorithmTokenBucket)
	assert.EqualValues(t, 20, tb.Capacity)
	assert.Equal(t, 500*time.Millisecond, tb.RefillInterval)
	assert.Equal(t, 1.0, tb.RefillRate, "omitted fields keep built-in values")

	sl := limits.Defaults(limiter.AlgorithmSlidingWindowLog)
	assert.EqualValues(t, 50, sl.Limit)
	assert.Equal(t, time.Minute, sl.Window)
}

func TestLoadLimitsRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.yaml")
	writeLimits(t, unknown, "sliding_window:\n  limit: 5\n")
	_, err := config.LoadLimits(unknown, 0, zap.NewNop())
	assert.ErrorIs(t, err, limiter.ErrUnknownAlgorithm)

	invalid := filepath.Join(dir, "invalid.yaml")
	writeLimits(t, invalid, "fixed_window:\n  limit: -1\n")
	_, err = config.LoadLimits(invalid, 0, zap.NewNop())
	assert.ErrorIs(t, err, limiter.ErrInvalidParams)
}

func TestLimitsWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	writeLimits(t, path, "fixed_window:\n  limit: 5\n")

	limits, err := config.LoadLimits(path, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- limits.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)

	writeLimits(t, path, "fixed_window:\n  limit: 7\n")
	assert.Eventually(t, func() bool {
		return limits.Defaults(limiter.AlgorithmFixedWindow).Limit == 7
	}, 2*time.Second, 10*time.Millisecond)

	// A broken file keeps the previous defaults.
	writeLimits(t, path, "fixed_window: [")
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 7, limits.Defaults(limiter.AlgorithmFixedWindow).Limit)
}
