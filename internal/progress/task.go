// Package progress publishes import task snapshots for polling clients.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an import task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

var (
	// ErrNotFound is returned for unknown or expired task ids.
	ErrNotFound = errors.New("task not found")

	// ErrTerminal is returned when writing to a completed or failed task.
	ErrTerminal = errors.New("task already finished")
)

// Task is the published snapshot of one import.
type Task struct {
	TaskID          string     `json:"task_id"`
	Filename        string     `json:"filename"`
	Status          Status     `json:"status"`
	TotalRows       int        `json:"total_rows"`
	ProcessedRows   int        `json:"processed_rows"`
	CreatedProducts int        `json:"created_products"`
	UpdatedProducts int        `json:"updated_products"`
	FailedRows      int        `json:"failed_rows"`
	ErrorMessage    *string    `json:"error_message"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// Percent is processed/total as a percentage. It is 0 while the total is
// unknown and 100 once the task has completed.
func (t Task) Percent() float64 {
	if t.Status == StatusCompleted {
		return 100
	}
	if t.TotalRows <= 0 {
		return 0
	}
	p := float64(t.ProcessedRows) / float64(t.TotalRows) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Transition moves the task to next. Status never moves backwards and a
// terminal task cannot change at all.
func (t *Task) Transition(next Status, now time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, t.TaskID, t.Status)
	}
	if next.rank() < 0 || next.rank() < t.Status.rank() {
		return fmt.Errorf("invalid transition %s -> %s", t.Status, next)
	}
	t.Status = next
	if next.Terminal() {
		t.CompletedAt = &now
	}
	return nil
}

// Fail moves the task to failed with msg.
func (t *Task) Fail(msg string, now time.Time) error {
	if err := t.Transition(StatusFailed, now); err != nil {
		return err
	}
	t.ErrorMessage = &msg
	return nil
}
