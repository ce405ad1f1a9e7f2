package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvin/podlab/internal/logging"
	"github.com/edvin/podlab/internal/metrics"
	"github.com/edvin/podlab/internal/relay"
)

func main() {
	configPath := flag.String("config", relay.DefaultConfigPath, "Relay config file")
	logLevel := flag.String("log-level", os.Getenv("LOG_LEVEL"), "Log level")
	flag.Parse()

	logger := logging.New(os.Stdout, *logLevel, "relay-server")

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Server.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(cfg.Server, metrics.NewRelay(), logger)
	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("relay server failed")
	}
	logger.Info().Msg("relay server stopped")
}
