package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/dispatch"
	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/settings"
	"github.com/certdispatch/certdispatch/internal/store"
	"github.com/certdispatch/certdispatch/internal/token"
	"github.com/certdispatch/certdispatch/internal/worker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recheckFixture struct {
	records *certificate.Manager
	queue   *queue.Service
	job     *worker.RecheckJob
}

func newRecheckFixture(t *testing.T, remoteEnabled bool) *recheckFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	logger := zerolog.Nop()

	records := certificate.NewManager(certificate.ManagerConfig{
		Repository: certificate.NewStoreRepository(st, "", logger),
		Logger:     logger,
	})
	tasks := queue.NewService(queue.Config{Store: st, Logger: logger})
	tokens := token.NewService(token.Config{Store: st, Logger: logger})
	remote := settings.NewService(settings.ServiceConfig{Store: st, Logger: logger})
	_, err := remote.SetRemoteClient(ctx, settings.RemoteClient{Enabled: remoteEnabled, LocalFallback: true})
	require.NoError(t, err)

	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Queue:    tasks,
		Records:  records,
		Settings: remote,
		Tokens:   tokens,
		Logger:   logger,
	})

	return &recheckFixture{
		records: records,
		queue:   tasks,
		job: worker.NewRecheckJob(worker.RecheckJobConfig{
			Config:     worker.RecheckConfig{Concurrency: 2},
			Records:    records,
			Dispatcher: dispatcher,
			Logger:     logger,
		}),
	}
}

func (f *recheckFixture) add(t *testing.T, id, url string) {
	t.Helper()
	_, err := f.records.Create(context.Background(), certificate.Record{ID: id, URL: url})
	require.NoError(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := worker.DefaultConfig()

	assert.Equal(t, 24*time.Hour, cfg.Recheck.MaxAge)
	assert.Equal(t, 500, cfg.Recheck.Limit)
	assert.Equal(t, 3, cfg.Recheck.Concurrency)
	assert.Equal(t, "cron", cfg.Recheck.Origin)
	assert.Equal(t, 15*time.Minute, cfg.OfflineAfter)
	assert.Equal(t, 30*time.Second, cfg.ReapInterval)
}

func TestRecheckJob_QueuesStaleRecords(t *testing.T) {
	f := newRecheckFixture(t, true)
	ctx := context.Background()
	f.add(t, "1", "https://a.example.com")
	f.add(t, "2", "https://b.example.com")
	f.add(t, "3", "https://c.example.com")
	require.NoError(t, f.records.ApplyExpiry(ctx, "3", time.Now().Add(90*24*time.Hour)))

	result, err := f.job.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Stale, "record 3 was just checked")
	assert.Equal(t, 2, result.Queued)
	assert.Zero(t, result.Failed)

	tasks, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "cron", task.Context)
	}

	metrics := f.job.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalRuns)
	assert.Equal(t, int64(2), metrics.Queued)
	assert.NotZero(t, metrics.LastRunAt)
}

func TestRecheckJob_KeepsClaimedTask(t *testing.T) {
	f := newRecheckFixture(t, true)
	ctx := context.Background()
	f.add(t, "1", "https://a.example.com")

	first, err := f.job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Queued)

	claimed, err := f.queue.Claim(ctx, 10, queue.Any)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	second, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Stale)
	assert.Zero(t, second.Queued)

	tasks, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, claimed[0].RequestID, tasks[0].RequestID)
	assert.Equal(t, queue.StatusClaimed, tasks[0].Status)

	_, err = f.queue.Complete(ctx, queue.Completion{
		SubjectID: "1",
		RequestID: claimed[0].RequestID,
		Success:   true,
	})
	require.NoError(t, err)
}

func TestRecheckJob_RemoteDisabled(t *testing.T) {
	f := newRecheckFixture(t, false)
	f.add(t, "1", "https://a.example.com")

	result, err := f.job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.LocalFallback)
	assert.Zero(t, result.Queued)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

type failingDispatcher struct{ calls atomic.Int32 }

func (d *failingDispatcher) DispatchCheck(context.Context, string, string) (dispatch.Result, error) {
	d.calls.Add(1)
	return dispatch.Result{}, errors.New("store unavailable")
}

type staleList []*certificate.Record

func (s staleList) Stale(context.Context, time.Duration, int) ([]*certificate.Record, error) {
	return s, nil
}

func TestRecheckJob_DispatchFailures(t *testing.T) {
	d := &failingDispatcher{}
	job := worker.NewRecheckJob(worker.RecheckJobConfig{
		Records:    staleList{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Dispatcher: d,
		Logger:     zerolog.Nop(),
	})

	result, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Failed)
	assert.Len(t, result.Errors, 3)
	assert.Equal(t, int32(3), d.calls.Load())

	snapshot := job.MetricsSnapshot()
	assert.Equal(t, int64(3), snapshot["failed"])
	assert.Contains(t, snapshot, "last_run_duration")
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) NotifyIfOffline(_ context.Context, _ token.Token, message string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return true, nil
}

func TestWatchdog_MarksSilentAgentsOffline(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	tokens := token.NewService(token.Config{Store: store.NewMemoryStore(), Logger: zerolog.Nop(), Now: clk.Now})

	quiet, err := tokens.Create(ctx, "quiet")
	require.NoError(t, err)
	chatty, err := tokens.Create(ctx, "chatty")
	require.NoError(t, err)

	_, err = tokens.Authenticate(ctx, quiet.Secret)
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	_, err = tokens.Authenticate(ctx, chatty.Secret)
	require.NoError(t, err)
	clk.Advance(6 * time.Minute)

	notifier := &recordingNotifier{}
	watchdog := worker.NewWatchdog(worker.WatchdogConfig{
		Tokens:       tokens,
		Notifier:     notifier,
		OfflineAfter: 15 * time.Minute,
		Logger:       zerolog.Nop(),
		Now:          clk.Now,
	})

	n, err := watchdog.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tokens.Get(ctx, quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, token.HealthOffline, got.HealthStatus)
	assert.Equal(t, "no contact from agent since 2026-03-01T12:00:00Z", got.LastError)

	got, err = tokens.Get(ctx, chatty.ID)
	require.NoError(t, err)
	assert.Equal(t, token.HealthOnline, got.HealthStatus)

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "no contact from agent since")

	// Offline tokens are not reported twice.
	n, err = watchdog.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, notifier.messages, 1)
}

func TestReaper_ReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	tasks := queue.NewService(queue.Config{Store: store.NewMemoryStore(), Logger: zerolog.Nop(), Now: clk.Now})

	_, err := tasks.Enqueue(ctx, queue.EnqueueRequest{SubjectID: "1", Target: "https://a.example.com"})
	require.NoError(t, err)
	claimed, err := tasks.Claim(ctx, 5, queue.Any)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reaper := worker.NewReaper(tasks, zerolog.Nop())

	n, err := reaper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	clk.Advance(queue.LeaseTTL + time.Second)
	n, err = reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := tasks.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, stats.Claimed)
}

type countingReclaimer struct{ calls atomic.Int32 }

func (c *countingReclaimer) Reclaim(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestDispatcher_Handle(t *testing.T) {
	reclaimer := &countingReclaimer{}
	d := worker.NewDispatcher(worker.Jobs{
		Reaper: worker.NewReaper(reclaimer, zerolog.Nop()),
	}, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"reap", `{"job_type":"reap"}`, nil},
		{"unknown job", `{"job_type":"provider_refresh"}`, worker.ErrUnknownJob},
		{"unconfigured job", `{"job_type":"recheck_stale"}`, worker.ErrUnknownJob},
		{"malformed", `{"job_type":`, worker.ErrMalformedJob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Handle(ctx, []byte(tt.data))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, int32(1), reclaimer.calls.Load())
}

func TestDispatcher_RecheckAllFailedIsAnError(t *testing.T) {
	job := worker.NewRecheckJob(worker.RecheckJobConfig{
		Records:    staleList{{ID: "a"}},
		Dispatcher: &failingDispatcher{},
		Logger:     zerolog.Nop(),
	})
	d := worker.NewDispatcher(worker.Jobs{Recheck: job}, zerolog.Nop())

	err := d.Handle(context.Background(), []byte(`{"job_type":"recheck_stale","max_age_hours":1}`))

	require.Error(t, err)
	assert.NotErrorIs(t, err, worker.ErrUnknownJob)
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})

	go func() {
		defer close(done)
		worker.Every(ctx, 5*time.Millisecond, "test", zerolog.Nop(), func(context.Context) error {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return errors.New("ignored")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Every did not stop after cancel")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}
