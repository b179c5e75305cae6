package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/internal/cache"
	"github.com/kiranshivaraju/kueuexec/internal/store"
	"github.com/kiranshivaraju/kueuexec/internal/watch"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

const (
	// stateTTL keeps the last observation of a finished job around for a day.
	stateTTL      = 24 * time.Hour
	recordTimeout = 10 * time.Second
)

// Recorder turns poller observations and callbacks into record updates,
// cache writes and watch events.
type Recorder struct {
	store   store.Store
	cache   cache.Cache
	records *cache.RecordCache
	hub     *watch.Hub
}

func NewRecorder(st store.Store, ca cache.Cache, records *cache.RecordCache, hub *watch.Hub) *Recorder {
	return &Recorder{store: st, cache: ca, records: records, hub: hub}
}

// Observe caches the latest cluster state of job and publishes it.
func (r *Recorder) Observe(ctx context.Context, job *models.SubmittedJob, obs models.Observation) {
	completions := obs.Completions
	if completions == 0 && job.Descriptor != nil {
		completions = job.Descriptor.ExpectedCompletions()
	}
	state := models.ClusterState{
		JobID:        job.RecordID,
		StepName:     job.Request.Name,
		ExternalName: job.ExternalName,
		Status:       obs.Status,
		Counts:       obs.Counts,
		Completions:  completions,
		ObservedAt:   time.Now().UTC(),
	}
	if err := r.cache.SetClusterState(ctx, state, stateTTL); err != nil {
		slog.Warn("cache cluster state failed", "job_id", job.RecordID, "error", err)
	}
	if r.hub != nil {
		r.hub.Publish(watch.Event{Type: watch.EventObserved, JobID: job.RecordID, State: &state})
	}
}

// Callbacks returns the poller callbacks for a submitted record.
func (r *Recorder) Callbacks() models.Callbacks {
	return models.Callbacks{
		OnSuccess: func(ctx context.Context, job *models.SubmittedJob) {
			r.finish(ctx, job.RecordID, models.JobStatusSucceeded)
		},
		OnFailure: func(ctx context.Context, job *models.SubmittedJob, logfile string, cause error) {
			slog.Error("step failed",
				"job_id", job.RecordID,
				"step", job.Request.Name,
				"external_name", job.ExternalName,
				"logfile", logfile,
				"error", cause,
			)
			r.finish(ctx, job.RecordID, models.JobStatusFailed, store.WithErrorMessage(cause.Error()))
		},
		OnCancel: func(ctx context.Context, job *models.SubmittedJob) {
			r.finish(ctx, job.RecordID, models.JobStatusCancelled, store.WithErrorMessage("cancelled"))
		},
	}
}

// finish moves a record to a final status. It runs on its own context so a
// shutdown in progress still records the outcome.
func (r *Recorder) finish(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := r.store.UpdateJobStatus(ctx, id, status, opts...); err != nil {
		slog.Error("update job record failed", "job_id", id, "status", status, "error", err)
		return
	}

	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		slog.Warn("reload job record failed", "job_id", id, "error", err)
		return
	}
	r.records.Add(job)
	if r.hub != nil {
		r.hub.Publish(watch.Event{Type: watch.EventRecord, JobID: id, Job: job})
	}
}
