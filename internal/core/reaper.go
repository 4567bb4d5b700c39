package core

// reaper.go fails tasks whose worker vanished mid-import.
//
// A processing task refreshes its heartbeat (updated_at) after every batch.
// When the heartbeat is older than StaleAfter, the reaper assumes the worker
// crashed and records the task as failed so pollers see a terminal state.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/JonMunkholm/productimport/internal/metrics"
	"github.com/JonMunkholm/productimport/internal/progress"
)

// ReaperStore is the subset of the progress store the reaper uses.
type ReaperStore interface {
	Scan(ctx context.Context, fn func(progress.Task) error) error
	Update(ctx context.Context, taskID string, fn func(*progress.Task) error) (progress.Task, error)
}

// errNotStale aborts a reap when the task moved on after the scan.
var errNotStale = errors.New("task is no longer stale")

// ReaperConfig controls the stale task reaper.
type ReaperConfig struct {
	StaleAfter time.Duration // heartbeat age that counts as abandoned (default: 15m)
	Interval   time.Duration // how often to scan (default: 1m)
}

// StartReaper scans immediately, then every Interval, until ctx is
// cancelled.
func StartReaper(ctx context.Context, store ReaperStore, cfg ReaperConfig) {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	slog.Info("stale task reaper started",
		"stale_after", cfg.StaleAfter.String(),
		"interval", cfg.Interval.String(),
	)

	runReap(ctx, store, cfg.StaleAfter)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale task reaper stopped")
			return
		case <-ticker.C:
			runReap(ctx, store, cfg.StaleAfter)
		}
	}
}

func runReap(ctx context.Context, store ReaperStore, staleAfter time.Duration) {
	start := time.Now()
	reaped, err := reapStale(ctx, store, staleAfter, time.Now())
	if err != nil {
		slog.Error("stale task scan failed", "error", err)
	}
	if reaped > 0 {
		slog.Warn("failed stale tasks",
			"count", reaped,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// reapStale marks every processing task with a heartbeat older than
// staleAfter as failed and returns how many it changed. Staleness is checked
// again inside the update, so a heartbeat written after the scan wins.
func reapStale(ctx context.Context, store ReaperStore, staleAfter time.Duration, now time.Time) (int, error) {
	reaped := 0
	err := store.Scan(ctx, func(t progress.Task) error {
		if t.Status != progress.StatusProcessing || now.Sub(t.UpdatedAt) < staleAfter {
			return nil
		}
		_, err := store.Update(ctx, t.TaskID, func(cur *progress.Task) error {
			if cur.Status != progress.StatusProcessing || now.Sub(cur.UpdatedAt) < staleAfter {
				return errNotStale
			}
			return cur.Fail(InterruptedMessage, now)
		})
		switch {
		case err == nil:
			reaped++
			metrics.ReapedTasks.Inc()
			slog.Warn("task interrupted", "task_id", t.TaskID, "last_update", t.UpdatedAt)
		case errors.Is(err, errNotStale), errors.Is(err, progress.ErrTerminal), errors.Is(err, progress.ErrNotFound):
			// Heartbeat, finished or expired between scan and update.
		default:
			slog.Error("failed to mark stale task", "task_id", t.TaskID, "error", err)
		}
		return ctx.Err()
	})
	return reaped, err
}
