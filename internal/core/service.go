package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/productimport/internal/catalog"
	"github.com/JonMunkholm/productimport/internal/logging"
	"github.com/JonMunkholm/productimport/internal/progress"
	"github.com/JonMunkholm/productimport/internal/queue"
	"github.com/JonMunkholm/productimport/internal/webhook"
)

var (
	// ErrNotCSV is returned when the submitted filename lacks a .csv extension.
	ErrNotCSV = errors.New("File must be a CSV")

	// ErrFileTooLarge is returned when the upload exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrNoFile is returned when the request carries no file.
	ErrNoFile = errors.New("no file provided")
)

// TaskStore is the progress store as seen by the API.
type TaskStore interface {
	Init(ctx context.Context, taskID, filename string) (progress.Task, error)
	Get(ctx context.Context, taskID string) (progress.Task, error)
	MarkFailed(ctx context.Context, taskID, msg string) (progress.Task, error)
}

// Enqueuer hands jobs to workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.ImportJob) error
}

// WebhookRegistry manages subscriptions.
type WebhookRegistry interface {
	Create(ctx context.Context, in webhook.NewSubscription) (webhook.Subscription, error)
	Get(ctx context.Context, id int64) (webhook.Subscription, error)
	List(ctx context.Context, f webhook.Filter) ([]webhook.Subscription, error)
	Update(ctx context.Context, id int64, p webhook.Patch) (webhook.Subscription, error)
	Delete(ctx context.Context, id int64) error
}

// DeliveryLogReader lists recorded deliveries.
type DeliveryLogReader interface {
	List(ctx context.Context, webhookID int64, limit int) ([]webhook.DeliveryAttempt, error)
}

// TestDeliverer sends synchronous test events.
type TestDeliverer interface {
	TestDelivery(ctx context.Context, sub webhook.Subscription, eventType string) (webhook.TestResult, error)
}

// ProductFinder reads back catalog entries.
type ProductFinder interface {
	FindBySKU(ctx context.Context, sku string) (catalog.Product, error)
}

// ServiceConfig holds submission settings.
type ServiceConfig struct {
	UploadDir   string
	MaxFileSize int64
}

// Service is the API-facing entry point: it accepts uploads, reports
// progress and manages webhook subscriptions.
type Service struct {
	tasks      TaskStore
	queue      Enqueuer
	limiter    *SlotLimiter
	webhooks   WebhookRegistry
	deliveries DeliveryLogReader
	tester     TestDeliverer
	products   ProductFinder
	cfg        ServiceConfig
}

// ServiceDeps are the collaborators a Service delegates to.
type ServiceDeps struct {
	Tasks      TaskStore
	Queue      Enqueuer
	Limiter    *SlotLimiter // bounds concurrent uploads being written to disk; optional
	Webhooks   WebhookRegistry
	Deliveries DeliveryLogReader
	Tester     TestDeliverer
	Products   ProductFinder
}

// NewService wires a Service.
func NewService(deps ServiceDeps, cfg ServiceConfig) *Service {
	return &Service{
		tasks:      deps.Tasks,
		queue:      deps.Queue,
		limiter:    deps.Limiter,
		webhooks:   deps.Webhooks,
		deliveries: deps.Deliveries,
		tester:     deps.Tester,
		products:   deps.Products,
		cfg:        cfg,
	}
}

// Submit stores the upload as {task_id}_{filename}, records a pending task
// and enqueues it. The returned task id can be polled with Progress.
func (s *Service) Submit(ctx context.Context, filename string, r io.Reader) (string, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "." || filename == string(filepath.Separator) || filename == "" {
		return "", ErrNoFile
	}
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return "", ErrNotCSV
	}

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			return "", err
		}
		defer s.limiter.Release()
	}

	taskID := uuid.NewString()
	ctx = logging.WithTask(ctx, taskID)
	logger := logging.FromContext(ctx)

	path, size, err := s.store(taskID, filename, r)
	if err != nil {
		return "", err
	}

	if _, err := s.tasks.Init(ctx, taskID, filename); err != nil {
		s.discard(ctx, path)
		return "", fmt.Errorf("record task: %w", err)
	}

	job := queue.ImportJob{
		TaskID:     taskID,
		FilePath:   path,
		Filename:   filename,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.discard(ctx, path)
		if _, markErr := s.tasks.MarkFailed(context.WithoutCancel(ctx), taskID, "failed to queue import"); markErr != nil {
			logger.Error("failed to mark unqueued task", "error", markErr)
		}
		return "", fmt.Errorf("enqueue import: %w", err)
	}

	logger.Info("import submitted", "file", filename, "bytes", size)
	return taskID, nil
}

// store copies r into the upload directory, enforcing the size limit.
func (s *Service) store(taskID, filename string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(s.cfg.UploadDir, taskID+"_"+filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}

	src := r
	if s.cfg.MaxFileSize > 0 {
		src = io.LimitReader(r, s.cfg.MaxFileSize+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		os.Remove(path)
		return "", 0, fmt.Errorf("write upload: %w", copyErr)
	case closeErr != nil:
		os.Remove(path)
		return "", 0, fmt.Errorf("write upload: %w", closeErr)
	case s.cfg.MaxFileSize > 0 && n > s.cfg.MaxFileSize:
		os.Remove(path)
		return "", 0, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, s.cfg.MaxFileSize)
	}
	return path, n, nil
}

func (s *Service) discard(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("failed to remove upload", "file", path, "error", err)
	}
}

// Progress returns the current snapshot, or progress.ErrNotFound.
func (s *Service) Progress(ctx context.Context, taskID string) (progress.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

// Product returns the catalog entry for sku, ignoring case, or
// catalog.ErrProductNotFound.
func (s *Service) Product(ctx context.Context, sku string) (catalog.Product, error) {
	return s.products.FindBySKU(ctx, strings.TrimSpace(sku))
}

// CreateWebhook registers a subscription.
func (s *Service) CreateWebhook(ctx context.Context, in webhook.NewSubscription) (webhook.Subscription, error) {
	return s.webhooks.Create(ctx, in)
}

// ListWebhooks returns subscriptions matching f.
func (s *Service) ListWebhooks(ctx context.Context, f webhook.Filter) ([]webhook.Subscription, error) {
	return s.webhooks.List(ctx, f)
}

// GetWebhook returns one subscription.
func (s *Service) GetWebhook(ctx context.Context, id int64) (webhook.Subscription, error) {
	return s.webhooks.Get(ctx, id)
}

// UpdateWebhook applies a partial update.
func (s *Service) UpdateWebhook(ctx context.Context, id int64, p webhook.Patch) (webhook.Subscription, error) {
	return s.webhooks.Update(ctx, id, p)
}

// DeleteWebhook removes a subscription.
func (s *Service) DeleteWebhook(ctx context.Context, id int64) error {
	return s.webhooks.Delete(ctx, id)
}

// TestWebhook delivers a test event to subscription id and waits for the
// outcome.
func (s *Service) TestWebhook(ctx context.Context, id int64, eventType string) (webhook.TestResult, error) {
	sub, err := s.webhooks.Get(ctx, id)
	if err != nil {
		return webhook.TestResult{}, err
	}
	return s.tester.TestDelivery(ctx, sub, eventType)
}

// WebhookLogs returns the newest delivery attempts for subscription id.
func (s *Service) WebhookLogs(ctx context.Context, id int64, limit int) ([]webhook.DeliveryAttempt, error) {
	if _, err := s.webhooks.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.deliveries.List(ctx, id, limit)
}
