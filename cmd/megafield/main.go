package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"megafield/internal/acquisition"
	"megafield/internal/cli"
	"megafield/internal/config"
	"megafield/internal/logging"
	"megafield/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		// Keep going with stdout only.
		log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		log.Warn("file logging disabled", "error", err)
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	acq := acquisition.NewAcquirer(ctx, log, store, cfg)
	defer acq.Close()

	if err := cli.NewRootCmd(acq, cfg, log, store).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
