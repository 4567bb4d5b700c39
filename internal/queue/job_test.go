package queue

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeJob(t *testing.T) {
	enqueued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := ImportJob{TaskID: "abc", FilePath: "/tmp/uploads/abc_p.csv", Filename: "p.csv", EnqueuedAt: enqueued}
	data, err := valid.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{name: "valid", payload: string(data)},
		{name: "not json", payload: "{", wantErr: "decode job"},
		{name: "missing task id", payload: `{"file_path":"/x.csv"}`, wantErr: "task_id is required"},
		{name: "missing path", payload: `{"task_id":"abc"}`, wantErr: "file_path is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob([]byte(tt.payload))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("DecodeJob() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeJob() error = %v", err)
			}
			if job.TaskID != valid.TaskID || job.FilePath != valid.FilePath ||
				job.Filename != valid.Filename || !job.EnqueuedAt.Equal(valid.EnqueuedAt) {
				t.Errorf("DecodeJob() = %+v, want %+v", job, valid)
			}
		})
	}
}

func TestImportJob_WireFormat(t *testing.T) {
	data, _ := ImportJob{TaskID: "t", FilePath: "/f", Filename: "f.csv"}.Encode()
	for _, field := range []string{`"task_id":"t"`, `"file_path":"/f"`, `"filename":"f.csv"`, `"enqueued_at"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("encoded job %s missing %s", data, field)
		}
	}
}
