package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
)

// FixedWindow implements the Fixed Window (Counting) rate limiting algorithm.
//
// How it works:
// 1. A window opens with the first request of a key and lasts window
// 2. Requests in the window are counted
// 3. Requests are allowed while the count is below limit
// 4. The first request at or after the window end opens a new window
//
// Disadvantages:
// - Up to 2x limit requests may pass across a window boundary
//
// Configuration parameters:
// - limit: Maximum number of requests allowed per window
// - window: Duration of each window
type FixedWindow struct {
	store  storage.Store
	params ParamsSource
	logger *zap.Logger
}

// fixedWindowState represents the state of a fixed window rate limiter
type fixedWindowState struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"` // Unix milliseconds
}

// NewFixedWindow creates a new Fixed Window rate limiter.
//
// Example: Allow 100 requests per minute
//
//	limiter := NewFixedWindow(store, Static(Params{Limit: 100, Window: time.Minute}), logger)
func NewFixedWindow(store storage.Store, params ParamsSource, logger *zap.Logger) *FixedWindow {
	return &FixedWindow{
		store:  store,
		params: params,
		logger: logger,
	}
}

// Algorithm implements Strategy.
func (fw *FixedWindow) Algorithm() Algorithm {
	return AlgorithmFixedWindow
}

// Decide counts the request against the current window of key.
func (fw *FixedWindow) Decide(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ValidateKey(key); err != nil {
		return Decision{}, err
	}
	p, err := loadParams(ctx, fw.params, AlgorithmFixedWindow, key)
	if err != nil {
		return Decision{}, err
	}

	windowMs := p.Window.Milliseconds()
	nowMs := now.UnixMilli()

	var decision Decision
	err = transact(ctx, fw.store, stateKey(AlgorithmFixedWindow, key), func(current string) (string, time.Duration, error) {
		state, ok := fw.decodeState(key, current)
		// A clock behind the window start counts into the open window.
		if !ok || nowMs-state.WindowStart >= windowMs {
			state = fixedWindowState{Count: 0, WindowStart: nowMs}
		}

		remainingWindow := time.Duration(state.WindowStart+windowMs-nowMs) * time.Millisecond
		if state.Count >= p.Limit {
			decision = Decision{Allowed: false, RetryAfter: remainingWindow}
		} else {
			state.Count++
			decision = Decision{Allowed: true, Remaining: p.Limit - state.Count}
		}

		next, err := json.Marshal(state)
		if err != nil {
			return "", 0, fmt.Errorf("marshal window state: %w", err)
		}
		return string(next), remainingWindow, nil
	})
	if err != nil {
		fw.logger.Error("failed to update fixed window state", zap.String("key", key), zap.Error(err))
		return Decision{}, err
	}

	return decision, nil
}

// Reset clears the window state for a specific key.
func (fw *FixedWindow) Reset(ctx context.Context, key string) error {
	if err := resetState(ctx, fw.store, AlgorithmFixedWindow, key); err != nil {
		fw.logger.Error("failed to reset fixed window state", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (fw *FixedWindow) decodeState(key, raw string) (fixedWindowState, bool) {
	if raw == "" {
		return fixedWindowState{}, false
	}

	var state fixedWindowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		fw.logger.Warn("failed to parse fixed window state, reinitializing", zap.String("key", key), zap.Error(err))
		return fixedWindowState{}, false
	}
	return state, true
}
