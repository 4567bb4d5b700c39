package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/JonMunkholm/productimport/internal/catalog"
	"github.com/JonMunkholm/productimport/internal/progress"
	"github.com/JonMunkholm/productimport/internal/queue"
	"github.com/JonMunkholm/productimport/internal/webhook"
)

type fakeApplier struct {
	mu    sync.Mutex
	calls [][]catalog.ProductRecord
	apply func(call int, batch []catalog.ProductRecord) (catalog.BatchResult, error)
}

func (f *fakeApplier) Apply(_ context.Context, batch []catalog.ProductRecord) (catalog.BatchResult, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, append([]catalog.ProductRecord(nil), batch...))
	f.mu.Unlock()
	if f.apply != nil {
		return f.apply(call, batch)
	}
	return catalog.BatchResult{Created: len(batch)}, nil
}

func (f *fakeApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type notification struct {
	event   string
	payload any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeNotifier) Notify(_ context.Context, eventType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{event: eventType, payload: payload})
}

func (f *fakeNotifier) events() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.sent...)
}

func newProgressStore(t *testing.T) *progress.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return progress.NewStore(client, progress.DefaultTTL)
}

// submitJob writes content to a temp file and records a pending task for it.
func submitJob(t *testing.T, store *progress.Store, taskID, content string) queue.ImportJob {
	t.Helper()
	path := filepath.Join(t.TempDir(), taskID+"_products.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := store.Init(context.Background(), taskID, "products.csv"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return queue.ImportJob{TaskID: taskID, FilePath: path, Filename: "products.csv", EnqueuedAt: time.Now()}
}

// recordingTracker wraps a progress store, remembering every snapshot written
// by Record and failing the first completeFailures calls to Complete.
type recordingTracker struct {
	*progress.Store
	mu               sync.Mutex
	snapshots        []progress.Task
	completeFailures int
	completeCalls    int
}

func (r *recordingTracker) Record(ctx context.Context, taskID string, c progress.Counts) (progress.Task, error) {
	task, err := r.Store.Record(ctx, taskID, c)
	if err == nil {
		r.mu.Lock()
		r.snapshots = append(r.snapshots, task)
		r.mu.Unlock()
	}
	return task, err
}

func (r *recordingTracker) Complete(ctx context.Context, taskID string, c progress.Counts) (progress.Task, error) {
	r.mu.Lock()
	r.completeCalls++
	fail := r.completeCalls <= r.completeFailures
	r.mu.Unlock()
	if fail {
		return progress.Task{}, errors.New("redis: connection reset by peer")
	}
	return r.Store.Complete(ctx, taskID, c)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestOrchestrator_CompletesImport(t *testing.T) {
	store := newProgressStore(t)
	applier := &fakeApplier{}
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(store, applier, notifier, OrchestratorConfig{BatchSize: 1})

	job := submitJob(t, store, "t1", "SKU,Name,Price\nA,Alpha,1\nB,Beta,-1\nC,Gamma,2\n")

	if err := orch.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	task, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != progress.StatusCompleted {
		t.Fatalf("Status = %s, want completed (error: %v)", task.Status, task.ErrorMessage)
	}
	if task.TotalRows != 3 || task.ProcessedRows != 3 {
		t.Errorf("total/processed = %d/%d, want 3/3", task.TotalRows, task.ProcessedRows)
	}
	if task.CreatedProducts != 2 || task.UpdatedProducts != 0 || task.FailedRows != 1 {
		t.Errorf("created/updated/failed = %d/%d/%d, want 2/0/1",
			task.CreatedProducts, task.UpdatedProducts, task.FailedRows)
	}
	if task.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if fileExists(job.FilePath) {
		t.Error("source file was not removed")
	}

	var skus []string
	for _, batch := range applier.calls {
		for _, rec := range batch {
			skus = append(skus, rec.SKU)
		}
	}
	if strings.Join(skus, ",") != "A,C" {
		t.Errorf("applied SKUs = %v, want [A C] in order", skus)
	}

	events := notifier.events()
	if len(events) != 1 || events[0].event != webhook.EventImportCompleted {
		t.Fatalf("events = %+v, want one %s", events, webhook.EventImportCompleted)
	}
	want := CompletedEvent{TaskID: "t1", Created: 2, Updated: 0, Failed: 1}
	if events[0].payload != want {
		t.Errorf("payload = %+v, want %+v", events[0].payload, want)
	}
}

func TestOrchestrator_StructuralFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{name: "empty file", content: "", wantMsg: "CSV file is empty"},
		{name: "missing name", content: "sku,price\nA,1\n", wantMsg: "Missing required columns: name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newProgressStore(t)
			applier := &fakeApplier{}
			notifier := &fakeNotifier{}
			orch := NewOrchestrator(store, applier, notifier, OrchestratorConfig{})

			job := submitJob(t, store, "t1", tt.content)
			if err := orch.Run(context.Background(), job); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			task, _ := store.Get(context.Background(), "t1")
			if task.Status != progress.StatusFailed {
				t.Fatalf("Status = %s, want failed", task.Status)
			}
			if task.ErrorMessage == nil || *task.ErrorMessage != tt.wantMsg {
				t.Errorf("ErrorMessage = %v, want %q", task.ErrorMessage, tt.wantMsg)
			}
			if applier.callCount() != 0 {
				t.Errorf("Apply called %d times, want 0", applier.callCount())
			}
			if len(notifier.events()) != 0 {
				t.Error("failed import must not notify")
			}
			if fileExists(job.FilePath) {
				t.Error("source file was not removed")
			}
		})
	}
}

func TestOrchestrator_BatchFailureKeepsCommittedBatches(t *testing.T) {
	store := newProgressStore(t)
	outage := errors.New("commit batch: connection refused")
	applier := &fakeApplier{
		apply: func(call int, batch []catalog.ProductRecord) (catalog.BatchResult, error) {
			if call == 1 {
				return catalog.BatchResult{}, outage
			}
			return catalog.BatchResult{Created: len(batch)}, nil
		},
	}
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(store, applier, notifier, OrchestratorConfig{BatchSize: 2})

	job := submitJob(t, store, "t1", "sku,name\nA,a\nB,b\nC,c\nD,d\nE,e\n")
	if err := orch.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	task, _ := store.Get(context.Background(), "t1")
	if task.Status != progress.StatusFailed {
		t.Fatalf("Status = %s, want failed", task.Status)
	}
	if task.ErrorMessage == nil || !strings.Contains(*task.ErrorMessage, "connection refused") {
		t.Errorf("ErrorMessage = %v, want outage", task.ErrorMessage)
	}
	if task.ProcessedRows != 2 || task.CreatedProducts != 2 {
		t.Errorf("processed/created = %d/%d, want 2/2 from the first batch", task.ProcessedRows, task.CreatedProducts)
	}
	if applier.callCount() != 2 {
		t.Errorf("Apply called %d times, want 2 (no batches after the failure)", applier.callCount())
	}
	if len(notifier.events()) != 0 {
		t.Error("failed import must not notify")
	}
}

func TestOrchestrator_ProcessedRowsNeverDecrease(t *testing.T) {
	store := newProgressStore(t)
	tracker := &recordingTracker{Store: store}
	applier := &fakeApplier{
		apply: func(call int, batch []catalog.ProductRecord) (catalog.BatchResult, error) {
			// Second batch: one created, one updated, one rejected record.
			if call == 1 && len(batch) == 3 {
				return catalog.BatchResult{Created: 1, Updated: 1, Failed: 1,
					Errors: []catalog.RecordError{{SKU: batch[2].SKU, Line: 7, Err: errors.New("check constraint")}}}, nil
			}
			return catalog.BatchResult{Updated: len(batch)}, nil
		},
	}
	orch := NewOrchestrator(tracker, applier, nil, OrchestratorConfig{BatchSize: 3})

	src := "sku,name,price\n" +
		"A,a,1\nB,b,x\nC,c,2\nD,d,3\n" + // row error on B
		"E,e,4\nF,f,5\nG,g,6\n" +
		",h,7\nI,i,8\n"
	job := submitJob(t, store, "t1", src)
	if err := orch.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(tracker.snapshots) < 3 {
		t.Fatalf("got %d progress writes, want at least 3", len(tracker.snapshots))
	}
	prev := 0
	for i, snap := range tracker.snapshots {
		if snap.ProcessedRows < prev {
			t.Errorf("snapshot %d: processed_rows = %d, decreased from %d", i, snap.ProcessedRows, prev)
		}
		prev = snap.ProcessedRows
	}

	task, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != progress.StatusCompleted {
		t.Fatalf("Status = %s, want completed", task.Status)
	}
	if task.ProcessedRows != 9 {
		t.Errorf("ProcessedRows = %d, want 9", task.ProcessedRows)
	}
	if sum := task.CreatedProducts + task.UpdatedProducts + task.FailedRows; sum != task.ProcessedRows {
		t.Errorf("created+updated+failed = %d, want processed_rows %d", sum, task.ProcessedRows)
	}
	if task.FailedRows != 3 {
		t.Errorf("FailedRows = %d, want 3 (two row errors, one record error)", task.FailedRows)
	}
}

func TestOrchestrator_RetriesCompletionWrite(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantStatus progress.Status
		wantErr    bool
		wantEvents int
	}{
		{name: "transient failure", failures: 2, wantStatus: progress.StatusCompleted, wantEvents: 1},
		{name: "persistent failure", failures: settleAttempts, wantStatus: progress.StatusProcessing, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newProgressStore(t)
			tracker := &recordingTracker{Store: store, completeFailures: tt.failures}
			applier := &fakeApplier{}
			notifier := &fakeNotifier{}
			orch := NewOrchestrator(tracker, applier, notifier, OrchestratorConfig{})
			orch.backoff = time.Millisecond

			job := submitJob(t, store, "t1", "sku,name\nA,a\nB,b\n")
			err := orch.Run(context.Background(), job)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}

			task, _ := store.Get(context.Background(), "t1")
			if task.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", task.Status, tt.wantStatus)
			}
			if got := len(notifier.events()); got != tt.wantEvents {
				t.Errorf("events = %d, want %d", got, tt.wantEvents)
			}
			if applier.callCount() != 1 {
				t.Errorf("Apply called %d times, want 1", applier.callCount())
			}
			if tracker.completeCalls != min(tt.failures+1, settleAttempts) {
				t.Errorf("Complete called %d times, want %d", tracker.completeCalls, min(tt.failures+1, settleAttempts))
			}
		})
	}
}

func TestOrchestrator_RecoversFromPanic(t *testing.T) {
	store := newProgressStore(t)
	applier := &fakeApplier{
		apply: func(int, []catalog.ProductRecord) (catalog.BatchResult, error) {
			panic("boom")
		},
	}
	orch := NewOrchestrator(store, applier, nil, OrchestratorConfig{})

	job := submitJob(t, store, "t1", "sku,name\nA,a\n")
	if err := orch.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	task, _ := store.Get(context.Background(), "t1")
	if task.Status != progress.StatusFailed {
		t.Fatalf("Status = %s, want failed", task.Status)
	}
	if task.ErrorMessage == nil || *task.ErrorMessage != "internal error: boom" {
		t.Errorf("ErrorMessage = %v, want %q", task.ErrorMessage, "internal error: boom")
	}
}

func TestOrchestrator_Redelivery(t *testing.T) {
	t.Run("finished task is skipped", func(t *testing.T) {
		store := newProgressStore(t)
		applier := &fakeApplier{}
		orch := NewOrchestrator(store, applier, nil, OrchestratorConfig{})

		job := submitJob(t, store, "t1", "sku,name\nA,a\n")
		if err := orch.Run(context.Background(), job); err != nil {
			t.Fatalf("first Run() error = %v", err)
		}
		if err := os.WriteFile(job.FilePath, []byte("sku,name\nA,a\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := orch.Run(context.Background(), job); err != nil {
			t.Fatalf("second Run() error = %v", err)
		}
		if applier.callCount() != 1 {
			t.Errorf("Apply called %d times, want 1", applier.callCount())
		}
		if fileExists(job.FilePath) {
			t.Error("redelivered source file was not removed")
		}
	})

	t.Run("fresh processing task is left alone", func(t *testing.T) {
		store := newProgressStore(t)
		applier := &fakeApplier{}
		orch := NewOrchestrator(store, applier, nil, OrchestratorConfig{StaleAfter: time.Hour})

		job := submitJob(t, store, "t1", "sku,name\nA,a\n")
		if _, err := store.Start(context.Background(), "t1", 1); err != nil {
			t.Fatal(err)
		}
		if err := orch.Run(context.Background(), job); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		task, _ := store.Get(context.Background(), "t1")
		if task.Status != progress.StatusProcessing {
			t.Errorf("Status = %s, want processing", task.Status)
		}
		if applier.callCount() != 0 {
			t.Errorf("Apply called %d times, want 0", applier.callCount())
		}
		if !fileExists(job.FilePath) {
			t.Error("source file of an active task was removed")
		}
	})

	t.Run("stale processing task is failed", func(t *testing.T) {
		store := newProgressStore(t)
		applier := &fakeApplier{}
		orch := NewOrchestrator(store, applier, nil, OrchestratorConfig{StaleAfter: time.Minute})
		orch.now = func() time.Time { return time.Now().Add(time.Hour) }

		job := submitJob(t, store, "t1", "sku,name\nA,a\n")
		if _, err := store.Start(context.Background(), "t1", 1); err != nil {
			t.Fatal(err)
		}
		if err := orch.Run(context.Background(), job); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		task, _ := store.Get(context.Background(), "t1")
		if task.Status != progress.StatusFailed {
			t.Fatalf("Status = %s, want failed", task.Status)
		}
		if task.ErrorMessage == nil || *task.ErrorMessage != InterruptedMessage {
			t.Errorf("ErrorMessage = %v, want %q", task.ErrorMessage, InterruptedMessage)
		}
		if applier.callCount() != 0 {
			t.Errorf("Apply called %d times, want 0", applier.callCount())
		}
	})

	t.Run("expired snapshot drops the job", func(t *testing.T) {
		store := newProgressStore(t)
		orch := NewOrchestrator(store, &fakeApplier{}, nil, OrchestratorConfig{})

		path := filepath.Join(t.TempDir(), "gone.csv")
		if err := os.WriteFile(path, []byte("sku,name\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		err := orch.Run(context.Background(), queue.ImportJob{TaskID: "missing", FilePath: path, Filename: "gone.csv"})
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
		if fileExists(path) {
			t.Error("orphaned source file was not removed")
		}
	})
}

func TestOrchestrator_UnreadableSource(t *testing.T) {
	store := newProgressStore(t)
	orch := NewOrchestrator(store, &fakeApplier{}, nil, OrchestratorConfig{})

	job := submitJob(t, store, "t1", "sku,name\n")
	if err := os.Remove(job.FilePath); err != nil {
		t.Fatal(err)
	}

	if err := orch.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	task, _ := store.Get(context.Background(), "t1")
	if task.Status != progress.StatusFailed {
		t.Errorf("Status = %s, want failed", task.Status)
	}
}
