// Command server runs the import API: it accepts CSV uploads, queues them
// for workers, serves progress snapshots and manages webhook subscriptions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/productimport/internal/catalog"
	"github.com/JonMunkholm/productimport/internal/config"
	"github.com/JonMunkholm/productimport/internal/core"
	"github.com/JonMunkholm/productimport/internal/logging"
	"github.com/JonMunkholm/productimport/internal/progress"
	"github.com/JonMunkholm/productimport/internal/queue"
	"github.com/JonMunkholm/productimport/internal/web"
	"github.com/JonMunkholm/productimport/internal/webhook"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := catalog.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := progress.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	if err := queue.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Import.MaxConcurrent); err != nil {
		slog.Warn("could not ensure kafka topic", "topic", cfg.Kafka.Topic, "error", err)
	}
	producer, err := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.FlushTimeout)
	if err != nil {
		slog.Error("failed to create kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	registry := webhook.NewRegistry(pool, cfg.Webhook.CacheTTL).Broadcast(rdb)
	deliveries := webhook.NewDeliveryLog(pool)
	// Test deliveries run in the API process; event fan-out happens in workers.
	tester := webhook.NewDispatcher(registry, deliveries, webhook.RetryPolicy{
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Timeout:     cfg.Webhook.Timeout,
	}, cfg.Webhook.MaxParallel)

	uploads := core.NewSlotLimiter(cfg.Import.MaxUploads, cfg.Import.UploadWait)
	service := core.NewService(core.ServiceDeps{
		Tasks:      progress.NewStore(rdb, cfg.Import.ProgressTTL),
		Queue:      producer,
		Limiter:    uploads,
		Webhooks:   registry,
		Deliveries: deliveries,
		Tester:     tester,
		Products:   catalog.NewStore(pool),
	}, core.ServiceConfig{
		UploadDir:   cfg.Import.UploadDir,
		MaxFileSize: cfg.Import.MaxFileSize,
	})

	server := web.NewServer(service, web.Options{
		Server:      cfg.Server,
		Rate:        cfg.Rate,
		Security:    cfg.Security,
		MaxFileSize: cfg.Import.MaxFileSize,
		Health: map[string]web.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Uploads still being written hold a slot until they are queued.
	if status := uploads.Status(); status.Active > 0 {
		slog.Info("waiting for uploads to be queued", "active", status.Active)
		if err := uploads.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("uploads did not finish in time", "error", err)
		}
	}
	if err := tester.Wait(shutdownCtx); err != nil {
		slog.Warn("webhook deliveries still running at exit", "error", err)
	}
	slog.Info("server stopped")
}
