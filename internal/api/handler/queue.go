package handler

import (
	"net/http"

	"github.com/hszk-dev/transcoder/internal/usecase"
)

type QueueCountsResponse struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

type QueueStatsResponse struct {
	Counts QueueCountsResponse `json:"counts"`
	Paused bool                `json:"paused"`
}

// QueueHandler exposes queue introspection and control.
type QueueHandler struct {
	svc usecase.JobService
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(svc usecase.JobService) *QueueHandler {
	return &QueueHandler{svc: svc}
}

// Stats handles GET /queue/stats
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "internal_error", "failed to read queue stats")
		return
	}

	JSON(w, http.StatusOK, QueueStatsResponse{
		Counts: QueueCountsResponse{
			Waiting:   stats.Counts.Waiting,
			Active:    stats.Counts.Active,
			Completed: stats.Counts.Completed,
			Failed:    stats.Counts.Failed,
			Delayed:   stats.Counts.Delayed,
			Total:     stats.Counts.Total,
		},
		Paused: stats.Paused,
	})
}

// Status handles GET /queue/status
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "internal_error", "failed to read queue status")
		return
	}

	state := "running"
	if stats.Paused {
		state = "paused"
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":  state,
		"waiting": stats.Counts.Waiting,
		"active":  stats.Counts.Active,
	})
}

// Pause handles POST /queue/pause
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pause(r.Context()); err != nil {
		Error(w, http.StatusInternalServerError, "internal_error", "failed to pause queue")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "paused": true})
}

// Resume handles POST /queue/resume
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Resume(r.Context()); err != nil {
		Error(w, http.StatusInternalServerError, "internal_error", "failed to resume queue")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "paused": false})
}
