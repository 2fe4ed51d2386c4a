package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"docqa/internal/app"
	"docqa/internal/config"
	"docqa/internal/index"
	"docqa/internal/logger"
	"docqa/internal/worker"
)

func main() {
	// Initialize structured logger
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("app exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	slog.SetDefault(log)

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	var mirror index.Mirror
	if deps.Mirror != nil {
		mirror = deps.Mirror
	}
	var pub worker.Publisher
	if deps.NSQProducer != nil {
		pub = deps.NSQProducer
	}

	application, err := app.New(ctx, cfg, deps.DB, mirror, pub, nil)
	if err != nil {
		return err
	}

	if cfg.Queue == config.QueueNSQ && cfg.EnableIngestWorker {
		consumer, err := application.ConsumeNSQ()
		if err != nil {
			return err
		}
		defer consumer.Stop()
	}

	return application.Run(ctx)
}
