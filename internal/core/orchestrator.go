package core

// orchestrator.go runs one import task end to end:
//
//	pending -> processing -> completed | failed
//
// Batches of a task are applied strictly in order. Row and record failures
// are tallied and never fail the task; structural CSV errors, unreadable
// sources and batch-level persistence failures do. Committed batches are
// kept when a later batch fails.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/JonMunkholm/productimport/internal/catalog"
	"github.com/JonMunkholm/productimport/internal/csvimport"
	"github.com/JonMunkholm/productimport/internal/logging"
	"github.com/JonMunkholm/productimport/internal/metrics"
	"github.com/JonMunkholm/productimport/internal/progress"
	"github.com/JonMunkholm/productimport/internal/queue"
	"github.com/JonMunkholm/productimport/internal/webhook"
)

// InterruptedMessage is recorded on tasks whose worker disappeared.
const InterruptedMessage = "import interrupted: worker stopped responding"

// ProgressTracker is the subset of the progress store the orchestrator writes.
type ProgressTracker interface {
	Get(ctx context.Context, taskID string) (progress.Task, error)
	Start(ctx context.Context, taskID string, totalRows int) (progress.Task, error)
	Record(ctx context.Context, taskID string, c progress.Counts) (progress.Task, error)
	Complete(ctx context.Context, taskID string, c progress.Counts) (progress.Task, error)
	MarkFailed(ctx context.Context, taskID, msg string) (progress.Task, error)
}

// BatchApplier persists one batch atomically.
type BatchApplier interface {
	Apply(ctx context.Context, batch []catalog.ProductRecord) (catalog.BatchResult, error)
}

// Notifier emits events without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload any)
}

// CompletedEvent is the payload of import.completed.
type CompletedEvent struct {
	TaskID  string `json:"task_id"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Failed  int    `json:"failed"`
}

// DefaultStaleAfter is used when OrchestratorConfig.StaleAfter is unset.
const DefaultStaleAfter = 15 * time.Minute

// Terminal status writes are idempotent and retried in place.
const (
	settleAttempts = 5
	settleBackoff  = 200 * time.Millisecond
)

// OrchestratorConfig tunes task execution.
type OrchestratorConfig struct {
	BatchSize  int
	Timeout    time.Duration // per task; zero means none
	StaleAfter time.Duration // heartbeat age after which a processing task is abandoned
}

// Orchestrator executes import jobs.
type Orchestrator struct {
	progress   ProgressTracker
	reconciler BatchApplier
	notifier   Notifier
	cfg        OrchestratorConfig
	now        func() time.Time
	backoff    time.Duration
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(p ProgressTracker, r BatchApplier, n Notifier, cfg OrchestratorConfig) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = csvimport.DefaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Orchestrator{progress: p, reconciler: r, notifier: n, cfg: cfg, now: time.Now, backoff: settleBackoff}
}

// Run processes job. Failures of the import itself are recorded on the task
// and Run returns nil so the job is acknowledged. A non-nil error means the
// outcome could not be recorded and the job should be redelivered.
func (o *Orchestrator) Run(ctx context.Context, job queue.ImportJob) (err error) {
	ctx = logging.WithTask(ctx, job.TaskID)
	logger := logging.FromContext(ctx)

	task, err := o.progress.Get(ctx, job.TaskID)
	if errors.Is(err, progress.ErrNotFound) {
		logger.Warn("dropping job without progress record", "file", job.FilePath)
		o.removeSource(ctx, job.FilePath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	switch task.Status {
	case progress.StatusCompleted, progress.StatusFailed:
		logger.Info("job redelivered for finished task, skipping", "status", task.Status)
		o.removeSource(ctx, job.FilePath)
		return nil
	case progress.StatusProcessing:
		if o.now().Sub(task.UpdatedAt) < o.cfg.StaleAfter {
			logger.Info("task is being processed elsewhere, skipping")
			return nil
		}
		logger.Warn("abandoning stale task", "last_update", task.UpdatedAt)
		o.removeSource(ctx, job.FilePath)
		return o.fail(ctx, job.TaskID, InterruptedMessage)
	}

	defer o.removeSource(ctx, job.FilePath)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("import panicked", "panic", r)
			metrics.ImportsTotal.WithLabelValues(string(progress.StatusFailed)).Inc()
			err = o.fail(ctx, job.TaskID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	runCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	logger.Info("import started", "file", job.Filename)

	counts, procErr := o.process(runCtx, job)
	elapsed := time.Since(start)

	if procErr != nil {
		logger.Error("import failed",
			"error", procErr,
			"processed_rows", counts.Processed,
			"duration_ms", elapsed.Milliseconds(),
		)
		metrics.ImportsTotal.WithLabelValues(string(progress.StatusFailed)).Inc()
		metrics.ImportDuration.WithLabelValues(string(progress.StatusFailed)).Observe(elapsed.Seconds())
		return o.fail(ctx, job.TaskID, procErr.Error())
	}

	err = o.settle(ctx, func(ctx context.Context) error {
		_, err := o.progress.Complete(ctx, job.TaskID, counts)
		return err
	})
	if err != nil {
		if errors.Is(err, progress.ErrTerminal) {
			logger.Warn("task finished by another actor before completion", "error", err)
			return nil
		}
		return fmt.Errorf("record completion: %w", err)
	}

	metrics.ImportsTotal.WithLabelValues(string(progress.StatusCompleted)).Inc()
	metrics.ImportDuration.WithLabelValues(string(progress.StatusCompleted)).Observe(elapsed.Seconds())
	logger.Info("import completed",
		"processed_rows", counts.Processed,
		"created", counts.Created,
		"updated", counts.Updated,
		"failed", counts.Failed,
		"duration_ms", elapsed.Milliseconds(),
	)

	if o.notifier != nil {
		o.notifier.Notify(ctx, webhook.EventImportCompleted, CompletedEvent{
			TaskID:  job.TaskID,
			Created: counts.Created,
			Updated: counts.Updated,
			Failed:  counts.Failed,
		})
	}
	return nil
}

// process streams the source through validation and reconciliation,
// publishing totals after every batch.
func (o *Orchestrator) process(ctx context.Context, job queue.ImportJob) (progress.Counts, error) {
	var counts progress.Counts
	logger := logging.FromContext(ctx)

	f, err := os.Open(job.FilePath)
	if err != nil {
		return counts, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	total, err := csvimport.CountRows(f)
	if err != nil {
		return counts, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return counts, fmt.Errorf("rewind source: %w", err)
	}

	if _, err := o.progress.Start(ctx, job.TaskID, total); err != nil {
		return counts, fmt.Errorf("record start: %w", err)
	}

	reader, err := csvimport.NewBatchReader(f, o.cfg.BatchSize)
	if err != nil {
		return counts, err
	}

	for {
		batch, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return counts, nil
		}
		if err != nil {
			return counts, err
		}

		for _, rowErr := range batch.Errors {
			logger.Debug("row rejected", "line", rowErr.Line, "reason", rowErr.Message)
		}

		batchStart := time.Now()
		result, err := o.reconciler.Apply(ctx, batch.Records)
		if err != nil {
			return counts, err
		}
		metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())

		for _, recErr := range result.Errors {
			logger.Debug("record rejected", "line", recErr.Line, "sku", recErr.SKU, "error", recErr.Err)
		}

		counts.Processed += batch.Size()
		counts.Created += result.Created
		counts.Updated += result.Updated
		counts.Failed += len(batch.Errors) + result.Failed

		metrics.RowsTotal.WithLabelValues("created").Add(float64(result.Created))
		metrics.RowsTotal.WithLabelValues("updated").Add(float64(result.Updated))
		metrics.RowsTotal.WithLabelValues("failed").Add(float64(len(batch.Errors) + result.Failed))

		logger.Info("batch processed",
			"batch", batch.Index,
			"records", len(batch.Records),
			"row_errors", len(batch.Errors),
			"record_errors", result.Failed,
			"processed_rows", counts.Processed,
			"bytes_read", reader.BytesRead(),
			"duration_ms", time.Since(batchStart).Milliseconds(),
		)

		if _, err := o.progress.Record(ctx, job.TaskID, counts); err != nil {
			return counts, fmt.Errorf("record progress: %w", err)
		}
	}
}

// fail records msg on the task. A task that is already terminal is left as
// is.
func (o *Orchestrator) fail(ctx context.Context, taskID, msg string) error {
	err := o.settle(ctx, func(ctx context.Context) error {
		_, err := o.progress.MarkFailed(ctx, taskID, msg)
		return err
	})
	if err == nil || errors.Is(err, progress.ErrTerminal) {
		return nil
	}
	return fmt.Errorf("record failure: %w", err)
}

// settle runs a terminal status write, retrying with doubling backoff. The
// write itself ignores cancellation of ctx; only the waits between attempts
// observe it. ErrTerminal is returned without retrying.
func (o *Orchestrator) settle(ctx context.Context, write func(context.Context) error) error {
	wait := o.backoff
	for attempt := 1; ; attempt++ {
		err := write(context.WithoutCancel(ctx))
		if err == nil || errors.Is(err, progress.ErrTerminal) || attempt == settleAttempts {
			return err
		}
		logging.FromContext(ctx).Warn("terminal status write failed, retrying",
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (o *Orchestrator) removeSource(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("failed to remove source file", "file", path, "error", err)
	}
}
