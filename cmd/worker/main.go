// Package main runs the storyboard image-generation worker: it drains the
// task table through RunningHub and stores finished images in R2.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/phrazzld/storyboard-worker/internal/config"
	"github.com/phrazzld/storyboard-worker/internal/platform/logger"
	"github.com/phrazzld/storyboard-worker/internal/platform/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml if present)")
	migrate := flag.String("migrate", "", "run a migration command (up, down, reset, status, version) and exit")
	cleanupDays := flag.Int("cleanup-days", 0, "delete finished tasks older than this many days and exit")
	flag.Parse()

	if err := run(*configPath, *migrate, *cleanupDays); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, migrate string, cleanupDays int) error {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case migrate != "":
		return runMigrations(ctx, cfg, migrate, log)
	case cleanupDays > 0:
		return runCleanup(ctx, cfg, cleanupDays, log)
	}

	log.Info("worker configuration loaded",
		"log_level", cfg.Server.LogLevel,
		"ops_port", cfg.Server.OpsPort,
		"poll_interval", cfg.Processor.PollInterval(),
		"task_timeout", cfg.Processor.TaskTimeout(),
		"events_amqp", cfg.Events.AMQPURL != "")

	return newApp(cfg, log).run(ctx)
}

func runMigrations(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.Database.URL, 1)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return postgres.Migrate(ctx, db, command, log)
}

func runCleanup(ctx context.Context, cfg *config.Config, days int, log *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.Database.URL, 1)
	if err != nil {
		return err
	}
	tasks := newTaskStore(db, cfg, log)
	defer func() { _ = tasks.Close() }()

	removed, err := tasks.CleanupOlderThan(ctx, days)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	log.Info("cleanup complete", "older_than_days", days, "removed", removed)
	return nil
}
