package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/JonMunkholm/productimport/internal/webhook"
)

type testRequest struct {
	EventType string `json:"event_type"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.NewSubscription
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), http.StatusBadRequest)
		return
	}

	sub, err := s.service.CreateWebhook(r.Context(), in)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sub)
}

// handleListWebhooks supports ?event_type= (substring) and ?enabled=.
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	f := webhook.Filter{EventType: r.URL.Query().Get("event_type")}
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: enabled must be true or false", errBadRequest), http.StatusBadRequest)
			return
		}
		f.Enabled = &enabled
	}

	subs, err := s.service.ListWebhooks(r.Context(), f)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if subs == nil {
		subs = []webhook.Subscription{}
	}
	render.JSON(w, r, subs)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookID(w, r)
	if !ok {
		return
	}
	sub, err := s.service.GetWebhook(r.Context(), id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	render.JSON(w, r, sub)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookID(w, r)
	if !ok {
		return
	}
	var p webhook.Patch
	if err := render.DecodeJSON(r.Body, &p); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), http.StatusBadRequest)
		return
	}

	sub, err := s.service.UpdateWebhook(r.Context(), id, p)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	render.JSON(w, r, sub)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteWebhook(r.Context(), id); err != nil {
		respondError(w, r, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestWebhook delivers a test event and returns the outcome. The body
// is optional; event_type defaults to "test".
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookID(w, r)
	if !ok {
		return
	}
	var req testRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), http.StatusBadRequest)
			return
		}
	}

	res, err := s.service.TestWebhook(r.Context(), id, req.EventType)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	render.JSON(w, r, res)
}

// handleWebhookLogs returns recent deliveries, newest first.
func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookID(w, r)
	if !ok {
		return
	}
	limit := webhook.DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > webhook.MaxLogLimit {
			respondError(w, r, fmt.Errorf("%w: limit must be 1-%d", errBadRequest, webhook.MaxLogLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := s.service.WebhookLogs(r.Context(), id, limit)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if logs == nil {
		logs = []webhook.DeliveryAttempt{}
	}
	render.JSON(w, r, logs)
}

func webhookID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "webhookID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, r, webhook.ErrNotFound, http.StatusNotFound)
		return 0, false
	}
	return id, true
}
