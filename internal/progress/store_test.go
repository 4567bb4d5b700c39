package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, DefaultTTL), mr
}

func TestStore_InitAndGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Init(ctx, "t1", "products.csv"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.Filename != "products.csv" {
		t.Errorf("Filename = %q, want products.csv", got.Filename)
	}
	if ttl := mr.TTL(Key("t1")); ttl != DefaultTTL {
		t.Errorf("TTL = %v, want %v", ttl, DefaultTTL)
	}

	if _, err := store.Init(ctx, "t1", "again.csv"); err == nil {
		t.Error("Init() twice should fail")
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Expiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Init(ctx, "t1", "a.csv"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	mr.FastForward(DefaultTTL + time.Second)

	if _, err := store.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Init(ctx, "t1", "a.csv"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := store.Start(ctx, "t1", 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mid, err := store.Record(ctx, "t1", Counts{Processed: 4, Created: 3, Updated: 1})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if mid.Percent() != 40 {
		t.Errorf("Percent() = %v, want 40", mid.Percent())
	}

	done, err := store.Complete(ctx, "t1", Counts{Processed: 10, Created: 7, Updated: 2, Failed: 1})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Errorf("Complete() = %+v, want completed with timestamp", done)
	}
	if done.ProcessedRows != done.CreatedProducts+done.UpdatedProducts+done.FailedRows {
		t.Errorf("processed %d != created+updated+failed", done.ProcessedRows)
	}

	// Terminal snapshots never change.
	if _, err := store.MarkFailed(ctx, "t1", "late failure"); !errors.Is(err, ErrTerminal) {
		t.Errorf("MarkFailed() on completed error = %v, want ErrTerminal", err)
	}
	got, _ := store.Get(ctx, "t1")
	if got.Status != StatusCompleted || got.ErrorMessage != nil {
		t.Errorf("terminal task changed: %+v", got)
	}
}

func TestStore_MarkFailed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Init(ctx, "t1", "a.csv")
	got, err := store.MarkFailed(ctx, "t1", "CSV file is empty")
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "CSV file is empty" {
		t.Errorf("ErrorMessage = %v, want CSV file is empty", got.ErrorMessage)
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Record(context.Background(), "ghost", Counts{Processed: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Record() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Scan(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		store.Init(ctx, id, id+".csv")
	}
	mr.Set("unrelated", "x")

	seen := map[string]bool{}
	err := store.Scan(ctx, func(task Task) error {
		seen[task.TaskID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(seen) != 3 || !seen["a"] || !seen["b"] || !seen["c"] {
		t.Errorf("Scan() saw %v, want a, b, c", seen)
	}
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Init(ctx, "t1", "a.csv")
	if err := store.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}
