package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvin/podlab/internal/logging"
	"github.com/edvin/podlab/internal/metrics"
	"github.com/edvin/podlab/internal/model"
	"github.com/edvin/podlab/internal/relay"
	"github.com/edvin/podlab/internal/runpod"
	"github.com/edvin/podlab/internal/sshexec"
)

func main() {
	configPath := flag.String("config", relay.DefaultConfigPath, "Relay config file")
	logLevel := flag.String("log-level", os.Getenv("LOG_LEVEL"), "Log level")
	interval := flag.Duration("reconnect", relay.DefaultReconnectInterval, "Pause between connection attempts")
	flag.Parse()

	logger := logging.New(os.Stdout, *logLevel, "relay-client")

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Client.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	pod, err := model.LoadPodDescriptor(cfg.Client.PodInfoPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load pod descriptor")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRelay()
	if cfg.Client.MetricsAddr != "" {
		ms := metrics.NewServer(cfg.Client.MetricsAddr, m.Handler())
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer ms.Close()
	}

	client := relay.NewClient(
		cfg.Client,
		pod,
		sshexec.NewMirror(logger, sshexec.ExecRunner, true),
		runpod.NewClient(cfg.Client.APIURL, pod.APIKey),
		m,
		logger,
	)

	if err := client.RunForever(ctx, *interval); err != nil {
		logger.Fatal().Err(err).Msg("relay client stopped")
	}
	logger.Info().Msg("pod terminated, exiting")
}
