package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
	"github.com/hszk-dev/transcoder/internal/usecase"
)

const maxListLimit = 100

// Request/Response types

type TranscodeRequest struct {
	Key         string   `json:"key" validate:"required"`
	Resolutions []string `json:"resolutions" validate:"omitempty,dive,oneof=1080p 720p 480p 360p 240p"`
	Priority    int      `json:"priority"`
	VideoName   string   `json:"videoName"`
	CallbackURL string   `json:"callback_url" validate:"omitempty,url"`
}

type TranscodeResponse struct {
	Success     bool     `json:"success"`
	JobID       string   `json:"jobId"`
	OriginalKey string   `json:"originalKey"`
	VideoName   string   `json:"videoName"`
	Environment string   `json:"environment"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
	Resolutions []string `json:"resolutions"`
	Status      string   `json:"status"`
	Message     string   `json:"message"`
}

type JobResponse struct {
	JobID        string           `json:"jobId"`
	OriginalKey  string           `json:"originalKey"`
	OutputKey    string           `json:"outputKey,omitempty"`
	Status       string           `json:"status"`
	Progress     int              `json:"progress"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Resolutions  []string         `json:"resolutions"`
	VideoName    string           `json:"videoName"`
	Environment  string           `json:"environment"`
	FileSize     int64            `json:"fileSize,omitempty"`
	Duration     float64          `json:"duration,omitempty"`
	CreatedAt    string           `json:"createdAt"`
	StartedAt    string           `json:"startedAt,omitempty"`
	CompletedAt  string           `json:"completedAt,omitempty"`
	Logs         []JobLogResponse `json:"logs,omitempty"`
}

type JobLogResponse struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type ListJobsResponse struct {
	Jobs   []JobResponse     `json:"jobs"`
	Counts JobCountsResponse `json:"counts"`
	Page   int               `json:"page"`
	Limit  int               `json:"limit"`
}

type JobCountsResponse struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// JobHandler handles submission and job query HTTP requests.
type JobHandler struct {
	svc      usecase.JobService
	validate *validator.Validate
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(svc usecase.JobService) *JobHandler {
	return &JobHandler{
		svc:      svc,
		validate: validator.New(),
	}
}

// Submit handles POST /transcode
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req TranscodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		Error(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
		return
	}

	resolutions := make([]model.Resolution, 0, len(req.Resolutions))
	for _, r := range req.Resolutions {
		resolutions = append(resolutions, model.Resolution(r))
	}

	out, err := h.svc.Submit(r.Context(), usecase.SubmitInput{
		OriginalKey: req.Key,
		Resolutions: resolutions,
		Priority:    req.Priority,
		VideoName:   req.VideoName,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	JSON(w, http.StatusCreated, TranscodeResponse{
		Success:     true,
		JobID:       out.JobID,
		OriginalKey: out.OriginalKey,
		VideoName:   out.VideoName,
		Environment: string(out.Environment),
		CallbackURL: out.CallbackURL,
		Resolutions: resolutionStrings(out.Resolutions),
		Status:      model.StatusQueued.String(),
		Message:     "transcoding job queued",
	})
}

// Get handles GET /job/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, logs, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, jobResponse(job, logs))
}

// List handles GET /jobs?status=&page=&limit=
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 20
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var status *model.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.Status(raw)
		if !s.IsValid() {
			Error(w, http.StatusBadRequest, "invalid_status", "status must be one of queued, processing, completed, failed")
			return
		}
		status = &s
	}

	jobs, err := h.svc.ListJobs(r.Context(), status, page, limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	counts, err := h.svc.Counts(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	resp := ListJobsResponse{
		Jobs:  make([]JobResponse, 0, len(jobs)),
		Page:  page,
		Limit: limit,
		Counts: JobCountsResponse{
			Queued:     counts.Queued,
			Processing: counts.Processing,
			Completed:  counts.Completed,
			Failed:     counts.Failed,
			Total:      counts.Total,
		},
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobResponse(job, nil))
	}

	JSON(w, http.StatusOK, resp)
}

// Cancel handles DELETE /job/{id}
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if err := h.svc.Cancel(r.Context(), jobID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   jobID,
		"message": "job cancelled",
	})
}

// Retry handles POST /job/{id}/retry
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if err := h.svc.Retry(r.Context(), jobID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   jobID,
		"message": "job re-queued",
	})
}

func (h *JobHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrJobNotFound):
		Error(w, http.StatusNotFound, "job_not_found", "No job with that ID")
	case errors.Is(err, usecase.ErrSourceNotFound):
		Error(w, http.StatusNotFound, "source_not_found", "No source object at that key")
	case errors.Is(err, usecase.ErrJobNotCancellable):
		Error(w, http.StatusConflict, "not_cancellable", usecase.ErrJobNotCancellable.Error())
	case errors.Is(err, usecase.ErrJobNotRetryable):
		Error(w, http.StatusConflict, "not_retryable", usecase.ErrJobNotRetryable.Error())
	case errors.Is(err, model.ErrInvalidVideoName):
		Error(w, http.StatusBadRequest, "validation_failed", model.ErrInvalidVideoName.Error())
	case errors.Is(err, model.ErrEmptyOriginalKey),
		errors.Is(err, model.ErrInvalidResolution),
		errors.Is(err, model.ErrInvalidCallback),
		errors.Is(err, model.ErrNoResolutions):
		Error(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal_error", "Something went wrong")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}

	switch verrs[0].Field() {
	case "Key":
		return "key is required"
	case "Resolutions":
		return "resolutions must be a subset of 1080p, 720p, 480p, 360p, 240p"
	case "CallbackURL":
		return "callback_url must be an http or https URL"
	default:
		return "invalid request"
	}
}

func jobResponse(job *model.Job, logs []model.JobLog) JobResponse {
	resp := JobResponse{
		JobID:        job.JobID,
		OriginalKey:  job.OriginalKey,
		OutputKey:    job.OutputKey,
		Status:       job.Status.String(),
		Progress:     job.Progress,
		ErrorMessage: job.ErrorMessage,
		Resolutions:  resolutionStrings(job.Resolutions),
		VideoName:    job.Metadata.VideoName,
		Environment:  string(job.Metadata.Environment),
		FileSize:     job.FileSize,
		Duration:     job.DurationSecs,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, JobLogResponse{
			Level:     string(l.Level),
			Message:   l.Message,
			Stage:     l.Stage,
			Details:   l.Details,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

func resolutionStrings(resolutions []model.Resolution) []string {
	out := make([]string, 0, len(resolutions))
	for _, r := range resolutions {
		out = append(out, string(r))
	}
	return out
}
