package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobsup/internal/server/middleware"
	"github.com/3leaps/jobsup/pkg/jobregistry"
)

// JobService is the part of jobregistry.Manager the HTTP surface needs.
type JobService interface {
	Start(jobID, function string, args any, opts jobregistry.Options) error
	Status(jobID string) (jobregistry.JobStatus, error)
	Stop(jobID string) error
	Delete(jobID string) error
	ListRunning(prefix string) ([]string, error)
	Snapshots(prefix string) ([]jobregistry.JobStatus, error)
}

type JobsHandler struct {
	jobs   JobService
	logger *zap.Logger
}

func NewJobsHandler(jobs JobService, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{jobs: jobs, logger: logger}
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Start)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/stop", h.Stop)
	r.Delete("/{id}", h.Delete)
}

type StartRequest struct {
	JobID     string          `json:"job_id"`
	Function  string          `json:"function"`
	Args      json.RawMessage `json:"args,omitempty"`
	Title     string          `json:"title"`
	Stoppable bool            `json:"stoppable"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	// EstimatedDuration is a Go duration string such as "90s".
	EstimatedDuration string `json:"estimated_duration,omitempty"`
}

type StartResponse struct {
	JobID string `json:"job_id"`
}

type ListResponse struct {
	Jobs []jobregistry.JobStatus `json:"jobs"`
}

// List serves GET /jobs?prefix=&running=.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	runningOnly := false
	if v := r.URL.Query().Get("running"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid running=%q", v))
			return
		}
		runningOnly = b
	}

	var jobs []jobregistry.JobStatus
	if runningOnly {
		ids, err := h.jobs.ListRunning(prefix)
		if err != nil {
			h.respondWithError(w, r, err)
			return
		}
		for _, id := range ids {
			st, err := h.jobs.Status(id)
			if err != nil {
				continue
			}
			jobs = append(jobs, st)
		}
	} else {
		var err error
		if jobs, err = h.jobs.Snapshots(prefix); err != nil {
			h.respondWithError(w, r, err)
			return
		}
	}
	if jobs == nil {
		jobs = []jobregistry.JobStatus{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs})
}

// Start serves POST /jobs. Without a job_id one is generated from the
// function name.
func (h *JobsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body: "+err.Error())
		return
	}
	req.Function = strings.TrimSpace(req.Function)
	if req.Function == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "function is required")
		return
	}

	opts := jobregistry.Options{
		Title:     req.Title,
		Stoppable: req.Stoppable,
		Metadata:  req.Metadata,
	}
	if req.EstimatedDuration != "" {
		d, err := time.ParseDuration(req.EstimatedDuration)
		if err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid estimated_duration: "+err.Error())
			return
		}
		opts.EstimatedDuration = d
	}

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = NewJobID(req.Function)
	}

	var args any
	if len(req.Args) > 0 {
		args = req.Args
	}
	if err := h.jobs.Start(jobID, req.Function, args, opts); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	h.logger.Info("Job started via API", zap.String("job_id", jobID), zap.String("function", req.Function))
	w.Header().Set("Location", "/jobs/"+jobID)
	writeJSON(w, http.StatusAccepted, StartResponse{JobID: jobID})
}

// Get serves GET /jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	st, err := h.jobs.Status(jobID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	// A job that was never started has no state.
	if st.State == "" {
		middleware.WriteError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", "job "+jobID+" does not exist")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Stop serves POST /jobs/{id}/stop.
func (h *JobsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := h.jobs.Stop(jobID); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	st, err := h.jobs.Status(jobID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Delete serves DELETE /jobs/{id}.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := h.jobs.Delete(jobID); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondWithError maps the jobregistry error taxonomy onto HTTP statuses.
func (h *JobsHandler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, jobregistry.ErrAlreadyRunning):
		status, code = http.StatusConflict, "JOB_ALREADY_RUNNING"
	case errors.Is(err, jobregistry.ErrNotRunning):
		status, code = http.StatusConflict, "JOB_NOT_RUNNING"
	case errors.Is(err, jobregistry.ErrNotStoppable):
		status, code = http.StatusConflict, "JOB_NOT_STOPPABLE"
	case errors.Is(err, jobregistry.ErrInvalidJobID):
		status, code = http.StatusBadRequest, "INVALID_JOB_ID"
	case errors.Is(err, jobregistry.ErrUnknownFunction):
		status, code = http.StatusBadRequest, "UNKNOWN_FUNCTION"
	case errors.Is(err, jobregistry.ErrSpawnFailed):
		code = "SPAWN_FAILED"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Job request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	middleware.WriteError(w, r, status, code, err.Error())
}

// NewJobID returns "<function>-<uuid>".
func NewJobID(function string) string {
	return function + "-" + uuid.NewString()
}
