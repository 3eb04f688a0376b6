// Package main provides the entrypoint for the certdispatch background worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/app"
	"github.com/certdispatch/certdispatch/internal/config"
	"github.com/certdispatch/certdispatch/internal/telemetry"
	"github.com/certdispatch/certdispatch/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "certdispatch-worker"

	configPath := flag.String("config", os.Getenv("CERTDISPATCH_CONFIG"), "path to YAML config file")
	envFile := flag.String("env-file", ".env", "path to .env file")
	flag.Parse()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().Str("build_time", BuildTime).Msg("starting certdispatch worker")

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.ValidateShared(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize services")
	}
	defer services.Close()

	jobsCfg := worker.DefaultConfig()
	jobsCfg.OfflineAfter = cfg.Worker.TokenOfflineAfter
	jobsCfg.ReapInterval = cfg.Worker.ReaperInterval
	jobsCfg.WatchdogInterval = cfg.Worker.WatchdogInterval
	jobsCfg.Recheck.MaxAge = cfg.Worker.RecheckMaxAge
	jobsCfg.Recheck.Concurrency = cfg.Worker.RecheckConcurrency

	jobs := worker.Jobs{
		Reaper: worker.NewReaper(services.Queue, log),
		Watchdog: worker.NewWatchdog(worker.WatchdogConfig{
			Tokens:       services.Tokens,
			Notifier:     services.Notifier,
			OfflineAfter: jobsCfg.OfflineAfter,
			Logger:       log,
		}),
		Recheck: worker.NewRecheckJob(worker.RecheckJobConfig{
			Config:     jobsCfg.Recheck,
			Records:    services.Records,
			Dispatcher: services.Dispatcher,
			Logger:     log,
		}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Every(ctx, jobsCfg.ReapInterval, worker.JobReap, log, func(ctx context.Context) error {
			_, err := jobs.Reaper.Run(ctx)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		worker.Every(ctx, jobsCfg.WatchdogInterval, worker.JobWatchdog, log, func(ctx context.Context) error {
			_, err := jobs.Watchdog.Run(ctx)
			return err
		})
	}()

	if cfg.Worker.RecheckSubscription != "" && cfg.Notify.PubSubProjectID != "" {
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.Notify.PubSubProjectID,
			SubscriptionName: cfg.Worker.RecheckSubscription,
			Dispatcher:       worker.NewDispatcher(jobs, log),
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		defer handler.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := handler.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	} else {
		log.Warn().Msg("no recheck subscription configured, stale rechecks are disabled")
	}

	// Cloud Run expects the worker to answer health checks.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := services.Store.Ping(r.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"status":%q,"version":%q}`, status, Version)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health check server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}
	wg.Wait()

	log.Info().Msg("worker stopped")
}
