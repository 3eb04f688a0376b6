package settings_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdispatch/certdispatch/internal/settings"
	"github.com/certdispatch/certdispatch/internal/store"
)

func TestRemoteClient_Defaults(t *testing.T) {
	svc := settings.NewService(settings.ServiceConfig{Store: store.NewMemoryStore(), Logger: zerolog.Nop()})

	got := svc.RemoteClient(context.Background())
	assert.False(t, got.Enabled)
	assert.True(t, got.LocalFallback)
}

func TestRemoteClient_SetAndGet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	svc := settings.NewService(settings.ServiceConfig{Store: s, Logger: zerolog.Nop()})

	saved, err := svc.SetRemoteClient(ctx, settings.RemoteClient{Enabled: true, LocalFallback: false})
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())

	got := svc.RemoteClient(ctx)
	assert.True(t, got.Enabled)
	assert.False(t, got.LocalFallback)

	// A second service sharing the store sees the persisted value.
	other := settings.NewService(settings.ServiceConfig{Store: s, Logger: zerolog.Nop()})
	got = other.RemoteClient(ctx)
	assert.True(t, got.Enabled)
	assert.False(t, got.LocalFallback)
}

func TestRemoteClient_CacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	svc := settings.NewService(settings.ServiceConfig{Store: s, Logger: zerolog.Nop(), CacheTTL: time.Hour})

	assert.False(t, svc.RemoteClient(ctx).Enabled)

	// Written behind the service's back.
	require.NoError(t, s.Update(ctx, store.KeyRemoteClient, func([]byte) ([]byte, error) {
		return []byte(`{"enabled":true,"localFallback":true}`), nil
	}))
	assert.False(t, svc.RemoteClient(ctx).Enabled, "served from cache")

	svc.InvalidateCache()
	assert.True(t, svc.RemoteClient(ctx).Enabled)
}

func TestRemoteClient_CorruptFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Update(ctx, store.KeyRemoteClient, func([]byte) ([]byte, error) {
		return []byte(`not json`), nil
	}))
	svc := settings.NewService(settings.ServiceConfig{Store: s, Logger: zerolog.Nop()})

	assert.Equal(t, settings.DefaultRemoteClient(), svc.RemoteClient(ctx))
}
