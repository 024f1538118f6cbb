package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Runner runs one synchronization.
type Runner interface {
	Run(ctx context.Context) (*Summary, error)
}

// Pruner deletes old run history. *runs.Store implements it.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs the pipeline repeatedly, one run at a time. A run that
// outlasts the interval delays the next one instead of overlapping it.
type Scheduler struct {
	runner    Runner
	interval  time.Duration
	pruner    Pruner
	retention time.Duration
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler. pruner may be nil; retentionDays <= 0
// keeps history forever.
func NewScheduler(runner Runner, interval time.Duration, pruner Pruner, retentionDays int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:    runner,
		interval:  interval,
		pruner:    pruner,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
	}
}

// Run starts with an immediate run and then runs on every tick until the
// context is cancelled. Run failures are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("sync scheduler started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if summary, err := s.runner.Run(ctx); err != nil && summary != nil {
		s.logger.Debug("scheduled run did not succeed", "runId", summary.RunID, "status", summary.Status)
	}
	s.prune(ctx)
}

// prune performs a single retention pass over the run history.
func (s *Scheduler) prune(ctx context.Context) {
	if s.pruner == nil || s.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("run history cleanup failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("run history cleanup completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
