package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"paper-trading-bot/config"
	"paper-trading-bot/internal/engine"
	"paper-trading-bot/internal/logging"
)

func main() {
	// A missing .env is fine; deployments use the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LoggingConfig)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Engine construction failed")
		if errors.Is(err, engine.ErrAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error().Err(err).Msg("Engine start failed")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		eng.Stop(ctx)
		cancel()
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Stop(ctx)
}
