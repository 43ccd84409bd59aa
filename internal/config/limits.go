package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mohammadhprp/admission/internal/limiter"
)

// Limits holds the default limiter parameters, optionally read from a YAML
// file keyed by algorithm name:
//
//	token_bucket:
//	  capacity: 20
//	  refill_rate: 2
//	  refill_interval: 1s
//	fixedWindow:
//	  limit: 100
//	  window: 1m
//
// Omitted fields keep their built-in values.
type Limits struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	overrides map[limiter.Algorithm]limiter.Params
}

// LoadLimits reads path. An empty path serves the built-in defaults only.
func LoadLimits(path string, debounce time.Duration, logger *zap.Logger) (*Limits, error) {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	l := &Limits{
		path:      path,
		debounce:  debounce,
		logger:    logger,
		overrides: map[limiter.Algorithm]limiter.Params{},
	}
	if path == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Defaults implements service.Defaults.
func (l *Limits) Defaults(algorithm limiter.Algorithm) limiter.Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return limiter.DefaultParams(algorithm).Merge(l.overrides[algorithm])
}

// Reload re-reads the limits file. On any error the previous defaults stay
// in effect.
func (l *Limits) Reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}

	var raw map[string]limiter.Params
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse limits file %s: %w", l.path, err)
	}

	overrides := make(map[limiter.Algorithm]limiter.Params, len(raw))
	for name, params := range raw {
		algorithm, err := limiter.ParseAlgorithm(name)
		if err != nil {
			return fmt.Errorf("limits file %s: %w", l.path, err)
		}
		if err := limiter.DefaultParams(algorithm).Merge(params).Validate(algorithm); err != nil {
			return fmt.Errorf("limits file %s: %w", l.path, err)
		}
		overrides[algorithm] = params
	}

	l.mu.Lock()
	l.overrides = overrides
	l.mu.Unlock()

	l.logger.Info("limits loaded", zap.String("path", l.path), zap.Int("algorithms", len(overrides)))
	return nil
}

// Watch reloads the limits file whenever it changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (l *Limits) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(l.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	l.logger.Info("limits watcher started",
		zap.String("path", target),
		zap.Duration("debounce", l.debounce),
	)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("limits watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				if err := l.Reload(); err != nil {
					l.logger.Error("limits reload failed, keeping previous defaults", zap.Error(err))
				}
			})
			timerMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			l.logger.Error("limits watcher error", zap.Error(err))
		}
	}
}
