package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix namespaces snapshots in Redis.
const KeyPrefix = "upload_progress:"

// DefaultTTL is how long a snapshot survives after its last write.
const DefaultTTL = 7 * 24 * time.Hour

const maxWatchRetries = 5

// Store keeps task snapshots in Redis as JSON with a sliding TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a store. A non-positive ttl selects DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// Key returns the Redis key for taskID.
func Key(taskID string) string {
	return KeyPrefix + taskID
}

// Init records a new pending task.
func (s *Store) Init(ctx context.Context, taskID, filename string) (Task, error) {
	now := s.now().UTC()
	t := Task{
		TaskID:    taskID,
		Filename:  filename,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(t)
	if err != nil {
		return Task{}, fmt.Errorf("encode task: %w", err)
	}
	ok, err := s.client.SetNX(ctx, Key(taskID), data, s.ttl).Result()
	if err != nil {
		return Task{}, fmt.Errorf("init progress %s: %w", taskID, err)
	}
	if !ok {
		return Task{}, fmt.Errorf("init progress %s: task already exists", taskID)
	}
	return t, nil
}

// Get returns the snapshot for taskID or ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (Task, error) {
	return s.get(ctx, s.client, taskID)
}

func (s *Store) get(ctx context.Context, c redis.Cmdable, taskID string) (Task, error) {
	data, err := c.Get(ctx, Key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get progress %s: %w", taskID, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode progress %s: %w", taskID, err)
	}
	return t, nil
}

// Update applies fn to the current snapshot and writes the result back. The
// read-modify-write is guarded with WATCH so concurrent writers (the worker
// and the reaper) cannot overwrite each other. Terminal snapshots are never
// rewritten; fn is not called and ErrTerminal is returned.
func (s *Store) Update(ctx context.Context, taskID string, fn func(*Task) error) (Task, error) {
	key := Key(taskID)
	var out Task

	txf := func(tx *redis.Tx) error {
		t, err := s.get(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, taskID, t.Status)
		}
		if err := fn(&t); err != nil {
			return err
		}
		t.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Task{}, fmt.Errorf("update progress %s: too much contention", taskID)
}

// Start marks the task processing and records the total row count.
func (s *Store) Start(ctx context.Context, taskID string, totalRows int) (Task, error) {
	return s.Update(ctx, taskID, func(t *Task) error {
		if err := t.Transition(StatusProcessing, s.now().UTC()); err != nil {
			return err
		}
		t.TotalRows = totalRows
		return nil
	})
}

// Counts are the running totals written after each batch.
type Counts struct {
	Processed int
	Created   int
	Updated   int
	Failed    int
}

// Record writes running totals for a processing task.
func (s *Store) Record(ctx context.Context, taskID string, c Counts) (Task, error) {
	return s.Update(ctx, taskID, func(t *Task) error {
		t.ProcessedRows = c.Processed
		t.CreatedProducts = c.Created
		t.UpdatedProducts = c.Updated
		t.FailedRows = c.Failed
		if t.TotalRows > 0 && t.ProcessedRows > t.TotalRows {
			t.TotalRows = t.ProcessedRows
		}
		return nil
	})
}

// Complete marks the task completed with its final totals.
func (s *Store) Complete(ctx context.Context, taskID string, c Counts) (Task, error) {
	return s.Update(ctx, taskID, func(t *Task) error {
		if err := t.Transition(StatusCompleted, s.now().UTC()); err != nil {
			return err
		}
		t.ProcessedRows = c.Processed
		t.CreatedProducts = c.Created
		t.UpdatedProducts = c.Updated
		t.FailedRows = c.Failed
		if t.ProcessedRows > t.TotalRows {
			t.TotalRows = t.ProcessedRows
		}
		return nil
	})
}

// MarkFailed moves the task to failed with msg.
func (s *Store) MarkFailed(ctx context.Context, taskID, msg string) (Task, error) {
	return s.Update(ctx, taskID, func(t *Task) error {
		return t.Fail(msg, s.now().UTC())
	})
}

// Delete removes the snapshot.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, Key(taskID)).Err(); err != nil {
		return fmt.Errorf("delete progress %s: %w", taskID, err)
	}
	return nil
}

// Scan calls fn for every stored snapshot. Keys that vanish or fail to decode
// between SCAN and GET are skipped.
func (s *Store) Scan(ctx context.Context, fn func(Task) error) error {
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		taskID := iter.Val()[len(KeyPrefix):]
		t, err := s.Get(ctx, taskID)
		if err != nil {
			continue
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan progress: %w", err)
	}
	return nil
}
