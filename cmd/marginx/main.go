package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"marginx/internal/infrastructure/config"
	"marginx/internal/infrastructure/logger"
	"marginx/internal/infrastructure/svc"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	logger.Setup("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service init failed")
	}
	defer func() { _ = sc.Close() }()

	log.Info().
		Str("config", *configPath).
		Int("scan_interval_sec", cfg.App.ScanIntervalSec).
		Int("accounts", len(cfg.Accounts)).
		Msg("marginx started")

	if err := sc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("marginx exited")
	}
}
