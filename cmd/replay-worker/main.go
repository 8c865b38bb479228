// replay-worker processes exactly one replay job inside a worker container.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"replaytasker/internal/config"
	"replaytasker/internal/store"
	"replaytasker/internal/worker"
)

func main() {
	config.LoadDotEnv()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := worker.LoadConfigFromEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, store.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	defer st.Close()

	runner, err := worker.NewRunner(cfg, st, cfg.Stages())
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}
