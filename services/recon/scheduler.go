package recon

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs reconciliation on a fixed interval until its context ends.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler defaults the interval to one hour.
func NewScheduler(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: reconciler, interval: interval, logger: logger}
}

// Start blocks, running once immediately and then every interval.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("recon scheduler run failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
