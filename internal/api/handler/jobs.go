package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/internal/api/response"
	"github.com/kiranshivaraju/kueuexec/internal/logarchive"
	"github.com/kiranshivaraju/kueuexec/internal/store"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// JobService is what the job endpoints depend on.
type JobService interface {
	Submit(ctx context.Context, req models.JobRequest) (*models.Job, error)
	Render(ctx context.Context, req models.JobRequest) ([]byte, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	CancelAll(ctx context.Context) (int, error)
}

// LogFetcher reads archived logfiles.
type LogFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

var validRecordStatus = map[string]bool{
	models.JobStatusPending:   true,
	models.JobStatusSubmitted: true,
	models.JobStatusSucceeded: true,
	models.JobStatusFailed:    true,
	models.JobStatusCancelled: true,
}

func decodeJobRequest(w http.ResponseWriter, r *http.Request) (models.JobRequest, bool) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return req, false
	}
	return req, true
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeJobRequest(w, r)
		if !ok {
			return
		}
		job, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewRenderJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/render.
// The response body is the descriptor as YAML.
func NewRenderJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeJobRequest(w, r)
		if !ok {
			return
		}
		out, err := svc.Render(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.YAML(w, out)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			Status:   q.Get("status"),
			StepName: q.Get("step"),
			Operator: q.Get("operator"),
			Page:     1,
			Limit:    20,
		}
		if filter.Status != "" && !validRecordStatus[filter.Status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of pending, submitted, succeeded, failed, cancelled", nil)
			return
		}
		if v := q.Get("page"); v != "" {
			page, err := strconv.Atoi(v)
			if err != nil || page < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			filter.Page = page
		}
		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 || limit > 100 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100", nil)
				return
			}
			filter.Limit = limit
		}

		jobs, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.Page(filter.Page, filter.Limit, total))
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobLogHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/log.
// The local logfile is served when present, the archived copy otherwise.
// archive may be nil.
func NewJobLogHandler(svc JobService, archive LogFetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !job.Finished() {
			response.Error(w, http.StatusConflict, "JOB_NOT_FINISHED", "Logs are captured when the job finishes", nil)
			return
		}

		var data []byte
		if job.Logfile != nil {
			data, err = os.ReadFile(*job.Logfile)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				writeServiceError(w, err)
				return
			}
		}
		if data == nil && archive != nil && job.ExternalName != nil {
			data, err = archive.Fetch(r.Context(), logarchive.Key(job.StepName, *job.ExternalName))
			if err != nil && !errors.Is(err, logarchive.ErrNotFound) {
				writeServiceError(w, err)
				return
			}
		}
		if data == nil {
			response.Error(w, http.StatusNotFound, "LOG_NOT_FOUND", "No log was captured for this job", nil)
			return
		}

		response.Text(w, data)
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/admin/cancel.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.CancelAll(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "CLEANUP_FAILED",
				"Some jobs could not be cleaned up", map[string]any{
					"cancelled": n,
					"cause":     err.Error(),
				})
			return
		}
		response.JSON(w, map[string]any{"cancelled": n})
	}
}
