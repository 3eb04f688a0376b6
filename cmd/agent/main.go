// Package main provides the entrypoint for the certdispatch remote agent.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/agent"
	"github.com/certdispatch/certdispatch/internal/provider/resilience"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to agent YAML config")
	once := flag.Bool("once", false, "run a single poll cycle and exit")
	flag.Parse()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "certdispatch-agent").
		Str("version", Version).
		Logger()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load agent configuration")
	}

	rc := resilience.DefaultClientConfig("controller")
	rc.Timeout = cfg.Timeout
	client := agent.NewClient(cfg, resilience.NewClient(rc))
	runner := agent.NewRunner(cfg, client, agent.TLSProber{Timeout: cfg.Timeout}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		cycle, err := runner.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("check cycle failed")
			os.Exit(1) //nolint:gocritic // stop is a signal cleanup only
		}
		log.Info().Int("leased", cycle.Leased).Int("reported", cycle.Reported).Msg("single cycle done")
		return
	}

	log.Info().Str("build_time", BuildTime).Msg("starting certdispatch agent")
	if err := runner.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent stopped with error")
	}
}
