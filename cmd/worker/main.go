// Command worker consumes queued imports, applies them to the catalog,
// publishes progress and delivers import.completed webhooks.
//
// One worker runs IMPORT_MAX_CONCURRENT consumers in the shared group. Each
// consumer handles one import at a time, so offsets commit in order and a
// task is never picked up by two consumers at once.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/productimport/internal/catalog"
	"github.com/JonMunkholm/productimport/internal/config"
	"github.com/JonMunkholm/productimport/internal/core"
	"github.com/JonMunkholm/productimport/internal/logging"
	"github.com/JonMunkholm/productimport/internal/metrics"
	"github.com/JonMunkholm/productimport/internal/progress"
	"github.com/JonMunkholm/productimport/internal/queue"
	"github.com/JonMunkholm/productimport/internal/webhook"
)

func main() {
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

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	pool, err := catalog.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := progress.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := progress.NewStore(rdb, cfg.Import.ProgressTTL)
	registry := webhook.NewRegistry(pool, cfg.Webhook.CacheTTL)
	dispatcher := webhook.NewDispatcher(
		registry,
		webhook.NewDeliveryLog(pool),
		webhook.RetryPolicy{MaxAttempts: cfg.Webhook.MaxAttempts, Timeout: cfg.Webhook.Timeout},
		cfg.Webhook.MaxParallel,
	)
	orchestrator := core.NewOrchestrator(store, catalog.NewReconciler(pool), dispatcher, core.OrchestratorConfig{
		BatchSize:  cfg.Import.BatchSize,
		Timeout:    cfg.Import.Timeout,
		StaleAfter: cfg.Import.StaleAfter,
	})
	slots := core.NewSlotLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime).ReportActive()

	// Imports keep running after a shutdown signal until the drain deadline.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	handle := func(_ context.Context, job queue.ImportJob) error {
		if err := slots.Acquire(workCtx); err != nil {
			return err
		}
		defer slots.Release()
		return orchestrator.Run(workCtx, job)
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Import.MaxConcurrent; i++ {
		consumer, err := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, cfg.Kafka.PollTimeout)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx, handle)
		})
	}
	slog.Info("consumers started", "count", cfg.Import.MaxConcurrent, "topic", cfg.Kafka.Topic)

	g.Go(func() error {
		return registry.Follow(gctx, rdb)
	})

	g.Go(func() error {
		core.StartReaper(gctx, store, core.ReaperConfig{
			StaleAfter: cfg.Import.StaleAfter,
			Interval:   cfg.Import.ReapInterval,
		})
		return nil
	})

	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics.Addr(), func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		g.Go(func() error {
			slog.Info("metrics server starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	// In-flight imports get ShutdownTimeout to finish once consumers stop
	// polling; after that they are cancelled and recorded as failed.
	done := make(chan struct{})
	go func() {
		<-gctx.Done()
		if status := slots.Status(); status.Active > 0 {
			slog.Info("waiting for imports to finish", "active", status.Active)
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		select {
		case <-done:
		case <-drainCtx.Done():
			slog.Warn("cancelling imports still running at shutdown", "active", slots.ActiveCount())
			cancelWork()
		}
	}()

	err = g.Wait()
	close(done)

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if werr := dispatcher.Wait(waitCtx); werr != nil {
		slog.Warn("webhook deliveries still running at exit", "error", werr)
	}
	return err
}

// metricsServer serves /metrics and a liveness probe for the worker.
func metricsServer(addr string, ping func(context.Context) error) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: r}
}
