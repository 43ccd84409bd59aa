package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner deletes records older than a retention period.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Retention runs a Pruner on a cron schedule, e.g. "@every 1h" or
// "0 3 * * *".
type Retention struct {
	pruner    Pruner
	schedule  string
	retention time.Duration
	cron      *cron.Cron
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewRetention creates a retention job. It does not start until Start.
func NewRetention(pruner Pruner, schedule string, retention time.Duration, logger *zap.Logger) *Retention {
	return &Retention{
		pruner:    pruner,
		schedule:  schedule,
		retention: retention,
		cron:      cron.New(),
		logger:    logger,
	}
}

// Start schedules pruning and stops it when ctx is done. An empty schedule
// disables the job.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule == "" {
		r.logger.Info("transaction prune schedule not configured, skipping")
		return nil
	}

	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", r.schedule, err)
	}

	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	r.cron.Start()
	r.running = true

	r.logger.Info("transaction retention started",
		zap.String("schedule", r.schedule),
		zap.Duration("retention", r.retention),
	)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

// RunOnce executes a single pruning cycle.
func (r *Retention) RunOnce(ctx context.Context) {
	deleted, err := r.pruner.Prune(ctx, r.retention)
	if err != nil {
		r.logger.Error("transaction pruning failed", zap.Error(err))
		return
	}

	if deleted > 0 {
		r.logger.Info("transaction pruning completed", zap.Int64("deleted", deleted))
	} else {
		r.logger.Debug("transaction pruning completed, nothing to delete")
	}
}

// Stop stops the scheduler and waits for a running job to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
		r.logger.Info("transaction retention stopped")
	}
}
