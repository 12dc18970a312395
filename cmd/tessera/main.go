package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tessera/internal/cli"
	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/pipeline"
	"tessera/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Paths.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(ctx, cfg, logger, store)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
