package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LeaseReclaimer returns expired leases to pending.
type LeaseReclaimer interface {
	Reclaim(ctx context.Context) (int, error)
}

// Reaper periodically releases leases whose agents never reported back.
type Reaper struct {
	queue  LeaseReclaimer
	logger zerolog.Logger
}

// NewReaper creates a reaper.
func NewReaper(queue LeaseReclaimer, logger zerolog.Logger) *Reaper {
	return &Reaper{
		queue:  queue,
		logger: logger.With().Str("job", "reap").Logger(),
	}
}

// Run reclaims expired leases once.
func (r *Reaper) Run(ctx context.Context) (int, error) {
	n, err := r.queue.Reclaim(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Debug().Int("count", n).Msg("leases reclaimed")
	}
	return n, nil
}

// Every calls fn every interval until ctx is done. Errors are logged and do
// not stop the loop.
func Every(ctx context.Context, interval time.Duration, name string, logger zerolog.Logger, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Str("job", name).Dur("interval", interval).Msg("periodic job started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("job", name).Msg("periodic job stopped")
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("job", name).Msg("periodic job failed")
			}
		}
	}
}
