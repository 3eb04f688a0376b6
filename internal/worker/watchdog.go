package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/token"
)

// SilentTokens finds online tokens that stopped calling in and marks them
// offline.
type SilentTokens interface {
	Silent(ctx context.Context, cutoff time.Time) ([]token.Token, error)
	MarkOffline(ctx context.Context, id, message string) (token.Token, error)
}

// OfflineNotifier alerts the recipients of an offline token.
type OfflineNotifier interface {
	NotifyIfOffline(ctx context.Context, t token.Token, message string) (bool, error)
}

// WatchdogConfig holds configuration for a Watchdog.
type WatchdogConfig struct {
	Tokens       SilentTokens
	Notifier     OfflineNotifier
	OfflineAfter time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Watchdog marks agents offline once they have been silent too long.
type Watchdog struct {
	tokens       SilentTokens
	notifier     OfflineNotifier
	offlineAfter time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// NewWatchdog creates a watchdog.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	after := cfg.OfflineAfter
	if after <= 0 {
		after = DefaultConfig().OfflineAfter
	}
	return &Watchdog{
		tokens:       cfg.Tokens,
		notifier:     cfg.Notifier,
		offlineAfter: after,
		logger:       cfg.Logger.With().Str("job", "offline_watchdog").Logger(),
		now:          now,
	}
}

// Run marks every silent token offline and notifies its recipients. It
// returns the number of tokens marked offline.
func (w *Watchdog) Run(ctx context.Context) (int, error) {
	silent, err := w.tokens.Silent(ctx, w.now().Add(-w.offlineAfter))
	if err != nil {
		return 0, fmt.Errorf("list silent tokens: %w", err)
	}

	marked := 0
	for _, t := range silent {
		msg := fmt.Sprintf("no contact from agent since %s", t.LastSeenAt.UTC().Format(time.RFC3339))
		offline, err := w.tokens.MarkOffline(ctx, t.ID, msg)
		if err != nil {
			w.logger.Error().Err(err).Str("token_id", t.ID).Msg("failed to mark token offline")
			continue
		}
		marked++

		if w.notifier == nil {
			continue
		}
		if _, err := w.notifier.NotifyIfOffline(ctx, offline, msg); err != nil {
			w.logger.Error().Err(err).Str("token_id", t.ID).Msg("offline notification failed")
		}
	}

	if marked > 0 {
		w.logger.Info().Int("count", marked).Msg("silent agents marked offline")
	}
	return marked, nil
}
