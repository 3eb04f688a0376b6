package token_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/store"
	"github.com/certdispatch/certdispatch/internal/token"
)

type fixture struct {
	store   *store.MemoryStore
	svc     *token.Service
	log     *activity.Log
	mu      sync.Mutex
	current time.Time
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.log = activity.NewLog(activity.Config{Store: f.store, Logger: zerolog.Nop(), Now: f.now})
	f.svc = token.NewService(token.Config{
		Store:    f.store,
		Activity: f.log,
		Logger:   zerolog.Nop(),
		Now:      f.now,
	})
	return f
}

// seedSecrets replaces the stored tokens with tokens carrying the given secrets.
func (f *fixture) seedSecrets(t *testing.T, secrets ...string) []token.Token {
	t.Helper()
	ctx := context.Background()
	var tokens []token.Token
	for i, secret := range secrets {
		tokens = append(tokens, token.Token{
			ID:           []string{"tok_a", "tok_b", "tok_c"}[i],
			Name:         "token " + secret,
			Secret:       secret,
			HealthStatus: token.HealthUnknown,
		})
	}
	c := store.NewCollection[token.Token](f.store, store.KeyTokens, zerolog.Nop())
	require.NoError(t, c.Mutate(ctx, func([]token.Token) ([]token.Token, error) { return tokens, nil }))
	return tokens
}

func TestEnsureDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tokens, err := f.svc.EnsureDefault(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	def := tokens[0]
	assert.Equal(t, token.DefaultName, def.Name)
	assert.Regexp(t, `^tok_[a-z0-9]{8}$`, def.ID)
	assert.Regexp(t, `^[A-Za-z0-9]{40}$`, def.Secret)
	assert.Equal(t, token.HealthUnknown, def.HealthStatus)

	again, err := f.svc.EnsureDefault(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, def.ID, again[0].ID, "default must be persisted, not regenerated")

	entries, err := f.log.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "default agent token created", entries[0].Message)
}

func TestAuthenticate_PicksMatchingToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA", "BBB")

	res, err := f.svc.Authenticate(ctx, "BBB")
	require.NoError(t, err)
	assert.Equal(t, "tok_b", res.Token.ID)
	assert.Equal(t, token.HealthOnline, res.Token.HealthStatus)
	assert.True(t, res.CameOnline)
	assert.Equal(t, f.now(), res.Token.LastSeenAt)

	first, err := f.svc.Get(ctx, "tok_a")
	require.NoError(t, err)
	assert.Equal(t, token.HealthUnknown, first.HealthStatus)

	second, err := f.svc.Get(ctx, "tok_b")
	require.NoError(t, err)
	assert.Equal(t, token.HealthOnline, second.HealthStatus)

	res, err = f.svc.Authenticate(ctx, "BBB")
	require.NoError(t, err)
	assert.False(t, res.CameOnline, "already online")
}

func TestAuthenticate_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		presented string
	}{
		{name: "empty", presented: ""},
		{name: "unknown", presented: "CCC"},
		{name: "prefix", presented: "AA"},
		{name: "longer", presented: "AAAA"},
		{name: "case differs", presented: "aaa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.seedSecrets(t, "AAA", "BBB")

			res, err := f.svc.Authenticate(ctx, tt.presented)
			assert.ErrorIs(t, err, token.ErrForbidden)
			assert.False(t, res.Revoked)

			tokens, err := f.svc.List(ctx)
			require.NoError(t, err)
			for _, tok := range tokens {
				assert.Equal(t, token.HealthUnknown, tok.HealthStatus)
			}
		})
	}
}

func TestAuthenticate_ClearsFailureState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA")

	_, err := f.svc.Edit(ctx, "tok_a", token.Update{
		NotifyOnOffline:  boolPtr(true),
		NotifyRecipients: []string{"ops@example.com"},
	})
	require.NoError(t, err)
	_, _, err = f.svc.ReserveNotification(ctx, "tok_a", time.Hour)
	require.NoError(t, err)
	_, err = f.svc.MarkOffline(ctx, "tok_a", "connection reset")
	require.NoError(t, err)

	res, err := f.svc.Authenticate(ctx, "AAA")
	require.NoError(t, err)
	assert.True(t, res.CameOnline)
	assert.Empty(t, res.Token.LastError)
	assert.True(t, res.Token.LastNotifiedAt.IsZero())
}

func TestAuthenticate_RotatedSecretMarksOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "OLDSECRET")

	_, err := f.svc.Authenticate(ctx, "OLDSECRET")
	require.NoError(t, err)

	rotated, err := f.svc.RotateSecret(ctx, "tok_a")
	require.NoError(t, err)
	assert.NotEqual(t, "OLDSECRET", rotated.Secret)

	res, err := f.svc.Authenticate(ctx, "OLDSECRET")
	assert.ErrorIs(t, err, token.ErrForbidden)
	assert.True(t, res.Revoked)
	assert.Equal(t, "tok_a", res.Token.ID)
	assert.Equal(t, token.HealthOffline, res.Token.HealthStatus)

	res, err = f.svc.Authenticate(ctx, rotated.Secret)
	require.NoError(t, err)
	assert.Equal(t, token.HealthOnline, res.Token.HealthStatus)
}

func TestRotateSecret_ResetsHealth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA")

	_, err := f.svc.Authenticate(ctx, "AAA")
	require.NoError(t, err)
	_, err = f.svc.MarkOffline(ctx, "tok_a", "boom")
	require.NoError(t, err)

	rotated, err := f.svc.RotateSecret(ctx, "tok_a")
	require.NoError(t, err)
	assert.Equal(t, token.HealthUnknown, rotated.HealthStatus)
	assert.True(t, rotated.LastSeenAt.IsZero())
	assert.Empty(t, rotated.LastError)
	assert.Len(t, rotated.Secret, 40)

	_, err = f.svc.RotateSecret(ctx, "tok_missing")
	assert.ErrorIs(t, err, token.ErrTokenNotFound)
}

func TestMarkOffline_KeepsLastSeen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA")

	res, err := f.svc.Authenticate(ctx, "AAA")
	require.NoError(t, err)
	seen := res.Token.LastSeenAt

	f.advance(time.Minute)
	offline, err := f.svc.MarkOffline(ctx, "tok_a", "timeout")
	require.NoError(t, err)
	assert.Equal(t, token.HealthOffline, offline.HealthStatus)
	assert.Equal(t, "timeout", offline.LastError)
	assert.Equal(t, seen, offline.LastSeenAt)

	_, err = f.svc.MarkOffline(ctx, "tok_missing", "timeout")
	assert.ErrorIs(t, err, token.ErrTokenNotFound)
}

func TestCreateEditDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.Create(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, token.UnnamedName, created.Name)

	tokens, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 2, "default plus created")

	edited, err := f.svc.Upsert(ctx, token.Token{
		ID:               created.ID,
		Name:             "edge-1",
		NotifyOnOffline:  true,
		NotifyRecipients: []string{"Ops@Example.com, ops@example.com; not-an-email", "dev@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "edge-1", edited.Name)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, edited.NotifyRecipients)
	assert.Equal(t, created.Secret, edited.Secret, "edits never touch the secret")

	_, err = f.svc.Upsert(ctx, token.Token{ID: "tok_missing", Name: "x"})
	assert.ErrorIs(t, err, token.ErrTokenNotFound)

	require.NoError(t, f.svc.Delete(ctx, created.ID))
	assert.ErrorIs(t, f.svc.Delete(ctx, created.ID), token.ErrTokenNotFound)
}

func TestDelete_LastTokenRecreatesDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA")

	require.NoError(t, f.svc.Delete(ctx, "tok_a"))

	tokens, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotEqual(t, "tok_a", tokens[0].ID)
	assert.Equal(t, token.DefaultName, tokens[0].Name)
}

func TestReserveNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA")

	_, _, err := f.svc.ReserveNotification(ctx, "tok_a", time.Hour)
	assert.ErrorIs(t, err, token.ErrNotificationsDisabled)

	_, err = f.svc.Edit(ctx, "tok_a", token.Update{
		NotifyOnOffline:  boolPtr(true),
		NotifyRecipients: []string{"ops@example.com"},
	})
	require.NoError(t, err)

	tok, previous, err := f.svc.ReserveNotification(ctx, "tok_a", time.Hour)
	require.NoError(t, err)
	assert.True(t, previous.IsZero())
	assert.Equal(t, f.now(), tok.LastNotifiedAt)

	f.advance(10 * time.Minute)
	_, _, err = f.svc.ReserveNotification(ctx, "tok_a", time.Hour)
	assert.ErrorIs(t, err, token.ErrNotificationThrottled)

	require.NoError(t, f.svc.ReleaseNotification(ctx, "tok_a", previous))
	_, _, err = f.svc.ReserveNotification(ctx, "tok_a", time.Hour)
	assert.NoError(t, err, "released reservation frees the window")
}

func TestSilent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA", "BBB", "CCC")

	_, err := f.svc.Authenticate(ctx, "AAA")
	require.NoError(t, err)
	f.advance(20 * time.Minute)
	_, err = f.svc.Authenticate(ctx, "BBB")
	require.NoError(t, err)

	silent, err := f.svc.Silent(ctx, f.now().Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, silent, 1)
	assert.Equal(t, "tok_a", silent[0].ID)
}

func TestAuthenticate_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSecrets(t, "AAA", "BBB")

	var wg sync.WaitGroup
	var mu sync.Mutex
	cameOnline := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Authenticate(ctx, "AAA")
			if err == nil && res.CameOnline {
				mu.Lock()
				cameOnline++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, cameOnline, "only the first success observes the transition")
}

func boolPtr(b bool) *bool { return &b }
