package dealroom

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often Sweeper.Run removes expired drafts when no
// interval is configured.
const DefaultSweepInterval = time.Hour

// DraftCleaner removes expired drafts and reports how many were removed.
type DraftCleaner interface {
	CleanupExpiredDrafts(ctx context.Context) (int64, error)
}

// Sweeper runs the draft retention cleanup on a fixed interval.
type Sweeper struct {
	cleaner  DraftCleaner
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper builds a Sweeper; a non-positive interval falls back to DefaultSweepInterval.
func NewSweeper(cleaner DraftCleaner, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{cleaner: cleaner, interval: interval, logger: logger}
}

// RunOnce performs a single cleanup pass.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	return s.cleaner.CleanupExpiredDrafts(ctx)
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("draft sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("draft sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("draft sweep failed", zap.Error(err))
			}
		}
	}
}
