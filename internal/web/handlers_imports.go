package web

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/JonMunkholm/productimport/internal/core"
	"github.com/JonMunkholm/productimport/internal/progress"
)

// multipartMemory is how much of a multipart upload is buffered in memory
// before spilling to a temp file.
const multipartMemory = 32 << 20

type submitResponse struct {
	TaskID  string          `json:"task_id"`
	Status  progress.Status `json:"status"`
	Message string          `json:"message"`
}

type progressResponse struct {
	progress.Task
	ProgressPercentage float64 `json:"progress_percentage"`
	ErrorCode          string  `json:"error_code,omitempty"`
	ErrorAction        string  `json:"error_action,omitempty"`
}

func newProgressResponse(task progress.Task) progressResponse {
	resp := progressResponse{
		Task:               task,
		ProgressPercentage: math.Round(task.Percent()*100) / 100,
	}
	if task.Status == progress.StatusFailed && task.ErrorMessage != nil {
		msg := core.MapError(errors.New(*task.ErrorMessage))
		resp.ErrorCode = msg.Code
		resp.ErrorAction = msg.Action
	}
	return resp
}

// handleSubmitImport accepts a multipart upload in field "file" and queues it.
func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxFileSize > 0 {
		// Leave room for multipart framing; the service enforces the exact limit.
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize+1<<20)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			respondError(w, r, fmt.Errorf("%w: limit is %d bytes", core.ErrFileTooLarge, s.opts.MaxFileSize), 0)
			return
		}
		respondError(w, r, fmt.Errorf("%w: %v", core.ErrNoFile, err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, core.ErrNoFile, http.StatusBadRequest)
		return
	}
	defer file.Close()

	taskID, err := s.service.Submit(r.Context(), header.Filename, file)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, submitResponse{
		TaskID:  taskID,
		Status:  progress.StatusPending,
		Message: "Import queued. Poll /api/imports/" + taskID + " for progress.",
	})
}

// handleImportProgress returns the task snapshot with a percentage.
func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.Progress(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	render.JSON(w, r, newProgressResponse(task))
}

// handleGetProduct reads back one catalog entry so clients can verify an
// import. The SKU matches case-insensitively.
func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Product(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	render.JSON(w, r, p)
}
