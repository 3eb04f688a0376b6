package certificate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager applies check results to certificate records. It satisfies the
// record manager boundary the dispatch gateway reports into.
type Manager struct {
	mu     sync.Mutex
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

// ManagerConfig holds configuration for the manager.
type ManagerConfig struct {
	Repository Repository
	Logger     zerolog.Logger
	Now        func() time.Time
}

// NewManager creates a certificate manager.
func NewManager(cfg ManagerConfig) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		repo:   cfg.Repository,
		logger: cfg.Logger.With().Str("component", "certificate").Logger(),
		now:    now,
	}
}

// Create registers a new record. An empty ID is generated.
func (m *Manager) Create(ctx context.Context, record Record) (*Record, error) {
	record.URL = strings.TrimSpace(record.URL)
	if record.URL == "" {
		return nil, ErrMissingURL
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	} else if _, err := m.repo.Get(ctx, record.ID); err == nil {
		return nil, ErrDuplicateID
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("look up certificate record: %w", err)
	}
	if record.Source == "" {
		record.Source = SourceManual
	}
	now := m.now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	if err := m.repo.Save(ctx, &record); err != nil {
		return nil, fmt.Errorf("save certificate record: %w", err)
	}
	return &record, nil
}

// Get returns a record.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.repo.Get(ctx, id)
}

// List returns records.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	return m.repo.List(ctx, opts)
}

// Delete removes a record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.repo.Delete(ctx, id)
}

// Stale returns records not checked within maxAge.
func (m *Manager) Stale(ctx context.Context, maxAge time.Duration, limit int) ([]*Record, error) {
	return m.repo.ListStale(ctx, m.now().Add(-maxAge), limit)
}

// GetURL returns the probe target of a record.
func (m *Manager) GetURL(ctx context.Context, id string) (string, error) {
	record, err := m.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return record.URL, nil
}

// GetLabel returns the display label of a record.
func (m *Manager) GetLabel(ctx context.Context, id string) (string, error) {
	record, err := m.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return record.Label, nil
}

// GetAgentOnlyFlag reports whether the record may only be checked by agents.
func (m *Manager) GetAgentOnlyFlag(ctx context.Context, id string) (bool, error) {
	record, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return record.AgentOnly, nil
}

// ApplyExpiry stores a reported expiry, marks the source automatic and clears
// any previous error.
func (m *Manager) ApplyExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return m.update(ctx, id, func(r *Record, now time.Time) {
		expiry := expiresAt.UTC()
		r.ExpiresAt = &expiry
		r.Source = SourceAutomatic
		r.LastError = ""
		r.CheckedAt = &now
	})
}

// ApplyError stores the last check error of a record.
func (m *Manager) ApplyError(ctx context.Context, id, message string) error {
	return m.update(ctx, id, func(r *Record, now time.Time) {
		r.LastError = message
		r.CheckedAt = &now
	})
}

// MarkDispatched sets CheckedAt to now when a check is queued for an agent.
// The stale scan skips the record until MaxAge passes again.
func (m *Manager) MarkDispatched(ctx context.Context, id string) error {
	return m.update(ctx, id, func(r *Record, now time.Time) {
		r.CheckedAt = &now
	})
}

// ClearError removes the last check error of a record.
func (m *Manager) ClearError(ctx context.Context, id string) error {
	return m.update(ctx, id, func(r *Record, _ time.Time) {
		r.LastError = ""
	})
}

// ApplyDetails stores reported certificate attributes. Empty fields are
// left unchanged.
func (m *Manager) ApplyDetails(ctx context.Context, id string, d Details) error {
	if d.CommonName == "" && d.Issuer == "" {
		return nil
	}
	return m.update(ctx, id, func(r *Record, _ time.Time) {
		if d.CommonName != "" {
			r.CommonName = d.CommonName
		}
		if d.Issuer != "" {
			r.Issuer = d.Issuer
		}
	})
}

// recordUpdater is implemented by repositories that can change one record
// atomically, across processes.
type recordUpdater interface {
	Update(ctx context.Context, id string, fn func(record *Record)) (*Record, error)
}

func (m *Manager) update(ctx context.Context, id string, fn func(r *Record, now time.Time)) error {
	now := m.now().UTC()
	if u, ok := m.repo.(recordUpdater); ok {
		_, err := u.Update(ctx, id, func(r *Record) {
			fn(r, now)
			r.UpdatedAt = now
		})
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			m.logger.Error().Err(err).Str("subject_id", id).Msg("failed to save certificate record")
			return fmt.Errorf("save certificate record: %w", err)
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	fn(record, now)
	record.UpdatedAt = now

	if err := m.repo.Save(ctx, record); err != nil {
		m.logger.Error().Err(err).Str("subject_id", id).Msg("failed to save certificate record")
		return fmt.Errorf("save certificate record: %w", err)
	}
	return nil
}
