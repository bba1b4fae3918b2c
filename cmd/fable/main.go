package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirelabs/fable/internal/flow"
	"github.com/mirelabs/fable/internal/flow/nodes"
	"github.com/mirelabs/fable/internal/jobs"
	"github.com/mirelabs/fable/internal/logging"
	"github.com/mirelabs/fable/internal/store"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := flow.NewRegistry()
	if err := registry.RegisterAll(nodes.All()); err != nil {
		return err
	}

	loader, err := flow.NewLoader(logger)
	if err != nil {
		return err
	}
	loaded, err := loader.LoadDirs(ctx, cfg.FlowDirs)
	if err != nil {
		return err
	}
	logger.Info("flow catalog loaded",
		slog.Int("documents", loaded),
		slog.Int("node_types", len(registry.KnownTypes())),
	)

	executor := flow.NewExecutor(loader, registry, logger)

	st, err := store.NewFileStore(cfg.StorageDir, logger)
	if err != nil {
		return err
	}

	queue := buildQueue(ctx, cfg, logger)
	processor := jobs.NewProcessor(st, executor, nil, nil, logger)
	poller := jobs.NewPoller(st, queue, processor, cfg.pollInterval(), logger)

	if err := poller.Start(ctx); err != nil {
		return err
	}

	logger.Info("fable engine running",
		slog.String("storage_dir", cfg.StorageDir),
		slog.String("queue", queue.Kind()),
	)

	<-ctx.Done()
	return poller.Stop()
}

// buildQueue prefers Redis when configured and reachable, otherwise falls
// back to the null queue and inline job execution.
func buildQueue(ctx context.Context, cfg Config, logger *slog.Logger) jobs.Queue {
	if cfg.RedisAddr == "" {
		return jobs.NewNullQueue(logger)
	}
	rq := jobs.NewRedisQueue(cfg.RedisAddr, cfg.QueueName, logger)
	if err := rq.Ping(ctx); err != nil {
		logger.Warn("redis unreachable, falling back to null queue",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
		return jobs.NewNullQueue(logger)
	}
	return rq
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.logLevel() {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}
