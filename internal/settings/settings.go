// Package settings stores operator configuration of the remote agent path.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/store"
)

// RemoteClient controls whether checks are dispatched to remote agents.
type RemoteClient struct {
	// Enabled lets agents pull checks from the queue.
	Enabled bool `json:"enabled"`

	// LocalFallback allows direct checks when the remote path is not ready.
	LocalFallback bool `json:"localFallback"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// DefaultRemoteClient returns the settings used until an operator saves any.
func DefaultRemoteClient() RemoteClient {
	return RemoteClient{Enabled: false, LocalFallback: true}
}

// ServiceConfig holds configuration for the settings service.
type ServiceConfig struct {
	Store     store.Store
	Namespace string
	Activity  activity.Recorder
	Logger    zerolog.Logger
	CacheTTL  time.Duration
}

// Service reads and writes settings with a short in-memory cache.
type Service struct {
	store    store.Store
	key      string
	activity activity.Recorder
	logger   zerolog.Logger
	cacheTTL time.Duration

	mu          sync.RWMutex
	cached      *RemoteClient
	cacheExpiry time.Time
}

// NewService creates a settings service.
func NewService(cfg ServiceConfig) *Service {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	recorder := cfg.Activity
	if recorder == nil {
		recorder = activity.Discard{}
	}
	return &Service{
		store:    cfg.Store,
		key:      store.Key(cfg.Namespace, store.KeyRemoteClient),
		activity: recorder,
		logger:   cfg.Logger.With().Str("component", "settings").Logger(),
		cacheTTL: cacheTTL,
	}
}

// RemoteClient returns the current remote client settings. Unreadable or
// missing settings fall back to the defaults.
func (s *Service) RemoteClient(ctx context.Context) RemoteClient {
	if cached, ok := s.getCached(); ok {
		return cached
	}

	settings := DefaultRemoteClient()
	raw, err := s.store.Get(ctx, s.key)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &settings); err != nil {
			s.logger.Warn().Err(err).Msg("stored remote client settings are unreadable, using defaults")
			settings = DefaultRemoteClient()
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Warn().Err(err).Msg("failed to load remote client settings, using defaults")
		return settings
	}

	s.setCached(settings)
	return settings
}

// SetRemoteClient persists new settings.
func (s *Service) SetRemoteClient(ctx context.Context, settings RemoteClient) (RemoteClient, error) {
	settings.UpdatedAt = time.Now().UTC()

	err := s.store.Update(ctx, s.key, func([]byte) ([]byte, error) {
		return json.Marshal(settings)
	})
	if err != nil {
		return RemoteClient{}, fmt.Errorf("save remote client settings: %w", err)
	}

	s.setCached(settings)
	s.activity.Append(ctx, "remote agent settings updated", activity.Context{
		"enabled":        settings.Enabled,
		"local_fallback": settings.LocalFallback,
	}, activity.LevelInfo)
	return settings, nil
}

// InvalidateCache forces the next read to hit the store.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.cacheExpiry = time.Time{}
}

func (s *Service) getCached() (RemoteClient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cached == nil || time.Now().After(s.cacheExpiry) {
		return RemoteClient{}, false
	}
	return *s.cached, true
}

func (s *Service) setCached(settings RemoteClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = &settings
	s.cacheExpiry = time.Now().Add(s.cacheTTL)
}
