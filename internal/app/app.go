// Package app assembles the controller services from configuration. The
// API server and the worker share it so both see the same store layout.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/config"
	"github.com/certdispatch/certdispatch/internal/database"
	"github.com/certdispatch/certdispatch/internal/dispatch"
	"github.com/certdispatch/certdispatch/internal/notify"
	"github.com/certdispatch/certdispatch/internal/provider/resilience"
	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/settings"
	"github.com/certdispatch/certdispatch/internal/store"
	"github.com/certdispatch/certdispatch/internal/telemetry"
	"github.com/certdispatch/certdispatch/internal/token"
)

// App holds the wired controller services.
type App struct {
	Store      store.Store
	Activity   *activity.Log
	Tokens     *token.Service
	Queue      *queue.Service
	Records    *certificate.Manager
	Settings   *settings.Service
	Notifier   *notify.Notifier
	Gateway    *dispatch.Gateway
	Dispatcher *dispatch.Dispatcher
	Breakers   *resilience.Registry
	Metrics    *telemetry.DispatchMetrics

	// Pool is set when the postgres backend is in use.
	Pool *pgxpool.Pool

	closers []func() error
}

// New connects the configured backends and builds every service.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Breakers: resilience.NewRegistry()}

	metrics, err := telemetry.NewDispatchMetrics()
	if err != nil {
		return nil, fmt.Errorf("dispatch metrics: %w", err)
	}
	a.Metrics = metrics

	repo, err := a.openStore(ctx, cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	ns := cfg.Store.Namespace
	a.Activity = activity.NewLog(activity.Config{Store: a.Store, Namespace: ns, Logger: log})
	a.Tokens = token.NewService(token.Config{Store: a.Store, Namespace: ns, Activity: a.Activity, Logger: log})
	a.Queue = queue.NewService(queue.Config{Store: a.Store, Namespace: ns, Activity: a.Activity, Metrics: metrics, Logger: log})
	a.Records = certificate.NewManager(certificate.ManagerConfig{Repository: repo, Logger: log})
	a.Settings = settings.NewService(settings.ServiceConfig{
		Store:     a.Store,
		Namespace: ns,
		Activity:  a.Activity,
		Logger:    log,
		CacheTTL:  30 * time.Second,
	})

	sender, err := a.openSender(ctx, cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	guard := resilience.NewGuard(resilience.GuardConfig{
		Name:     "notify-" + sender.Name(),
		Registry: a.Breakers,
	})
	a.Notifier = notify.New(notify.Config{
		Tokens:   a.Tokens,
		Sender:   sender,
		Guard:    guard,
		Site:     cfg.SiteName,
		Activity: a.Activity,
		Metrics:  metrics,
		Logger:   log,
	})

	a.Gateway = dispatch.NewGateway(dispatch.GatewayConfig{
		Tokens:        a.Tokens,
		Queue:         a.Queue,
		Records:       a.Records,
		Notifier:      a.Notifier,
		Activity:      a.Activity,
		Metrics:       metrics,
		Logger:        log,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	a.Dispatcher = dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Queue:    a.Queue,
		Records:  a.Records,
		Settings: a.Settings,
		Tokens:   a.Tokens,
		Logger:   log,
	})

	if _, err := a.Tokens.EnsureDefault(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("ensure default token: %w", err)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (certificate.Repository, error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		dbConfig := database.ConfigFromEnv()
		pool, err := database.Connect(ctx, dbConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		repo := certificate.NewPostgresRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate certificates: %w", err)
		}
		a.Store = pg
		log.Info().
			Str("host", dbConfig.Host).
			Int("port", dbConfig.Port).
			Str("database", dbConfig.Database).
			Msg("postgres store connected")
		return repo, nil

	case config.StoreRedis:
		client, err := store.NewRedisClient(ctx, store.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Store = store.NewRedisStore(client)
		a.closers = append(a.closers, a.Store.Close)
		log.Info().Str("addr", cfg.Store.RedisAddr).Msg("redis store connected")

	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
		log.Info().Str("path", cfg.Store.SQLitePath).Msg("sqlite store opened")

	default:
		a.Store = store.NewMemoryStore()
		log.Warn().Msg("using in-memory store, state is lost on restart")
	}

	return certificate.NewStoreRepository(a.Store, cfg.Store.Namespace, log), nil
}

func (a *App) openSender(ctx context.Context, cfg *config.Config, log zerolog.Logger) (notify.Sender, error) {
	switch cfg.Notify.Driver {
	case config.NotifySMTP:
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUsername,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.SMTPFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp sender: %w", err)
		}
		return s, nil
	case config.NotifyPubSub:
		s, err := notify.NewPubSubSender(ctx, notify.PubSubConfig{
			ProjectID: cfg.Notify.PubSubProjectID,
			TopicID:   cfg.Notify.PubSubTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub sender: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return notify.NewLogSender(log), nil
	}
}

// Close releases every backend connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
