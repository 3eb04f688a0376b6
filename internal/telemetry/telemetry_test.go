package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdispatch/certdispatch/internal/telemetry"
)

func TestInit_Disabled(t *testing.T) {
	ctx := context.Background()

	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "certdispatch-test",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
	})

	require.NoError(t, err)
	assert.NotNil(t, provider.Tracer)
	assert.NotNil(t, provider.Meter)
	assert.Nil(t, provider.TracerProvider)
	assert.Nil(t, provider.MeterProvider)
	assert.NoError(t, provider.Shutdown(ctx))
}

func TestProvider_Shutdown_NilProviders(t *testing.T) {
	provider := &telemetry.Provider{}
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, telemetry.Sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, telemetry.Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, telemetry.Sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestDispatchMetrics_NilSafe(t *testing.T) {
	var m *telemetry.DispatchMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.TaskEnqueued(ctx, "manual")
		m.TasksClaimed(ctx, 3, "any")
		m.TasksReclaimed(ctx, 1)
		m.ReportProcessed(ctx, "success")
		m.AuthFailure(ctx, "unknown")
		m.NotificationSent(ctx, "log", errors.New("boom"))
	})
}

func TestNewDispatchMetrics(t *testing.T) {
	m, err := telemetry.NewDispatchMetrics()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.TasksClaimed(context.Background(), 0, "agent_only")
		m.NotificationSent(context.Background(), "smtp", nil)
	})
}
