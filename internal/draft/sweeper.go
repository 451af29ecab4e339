package draft

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/observability"
)

// Sweeper periodically deletes expired drafts.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewSweeper creates a sweeper over store. metrics and logger may be nil.
func NewSweeper(store Store, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, now: time.Now, metrics: metrics, logger: logger}
}

// SweepOnce deletes every draft expired at the current time.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.metrics.RecordDraftsExpired(n)
	return n, nil
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("draft sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired drafts removed", zap.Int("count", n))
			}
		}
	}
}
