// Package queue carries import jobs from the API to workers over Kafka.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ImportJob asks a worker to process one stored upload.
type ImportJob struct {
	TaskID     string    `json:"task_id"`
	FilePath   string    `json:"file_path"`
	Filename   string    `json:"filename"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks the fields a worker needs.
func (j ImportJob) Validate() error {
	var errs []error
	if j.TaskID == "" {
		errs = append(errs, errors.New("task_id is required"))
	}
	if j.FilePath == "" {
		errs = append(errs, errors.New("file_path is required"))
	}
	return errors.Join(errs...)
}

// Encode serializes the job for the wire.
func (j ImportJob) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

// DecodeJob parses and validates a job payload.
func DecodeJob(data []byte) (ImportJob, error) {
	var j ImportJob
	if err := json.Unmarshal(data, &j); err != nil {
		return ImportJob{}, fmt.Errorf("decode job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return ImportJob{}, fmt.Errorf("invalid job: %w", err)
	}
	return j, nil
}
