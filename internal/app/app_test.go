package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdispatch/certdispatch/internal/app"
	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/config"
)

func TestNew_MemoryBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Namespace = "test"
	require.NoError(t, cfg.Validate())

	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	assert.NotNil(t, a.Gateway)
	assert.NotNil(t, a.Dispatcher)
	assert.Nil(t, a.Pool)

	tokens, err := a.Tokens.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 1, "a default token is provisioned")

	names := a.Breakers.Names()
	assert.Equal(t, []string{"notify-log"}, names)
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.SQLitePath = t.TempDir() + "/state.db"

	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Store.Ping(context.Background()))
}

func TestNew_SQLiteRecordsAreShared(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.SQLitePath = t.TempDir() + "/state.db"

	api, err := app.New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer api.Close()

	_, err = api.Records.Create(ctx, certificate.Record{ID: "42", URL: "https://shop.example.com"})
	require.NoError(t, err)

	worker, err := app.New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer worker.Close()

	stale, err := worker.Records.Stale(ctx, 24*time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "42", stale[0].ID)
}
