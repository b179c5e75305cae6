package models

import (
	"time"

	"github.com/google/uuid"
)

// Record statuses for persisted jobs.
const (
	JobStatusPending   = "pending"
	JobStatusSubmitted = "submitted"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Resources are the scheduling hints a workflow step carries.
// Zero values mean "not set" and are defaulted by the operator.
type Resources struct {
	Cores     int    `json:"cores,omitempty"`
	Memory    string `json:"memory,omitempty"`
	Nodes     int    `json:"nodes,omitempty"`
	Runtime   int64  `json:"runtime,omitempty"` // deadline in seconds
	Tasks     int    `json:"tasks,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Container string `json:"container,omitempty"`
}

// JobRequest is one ready workflow step handed over by the workflow engine.
// It must not be modified once submission begins.
type JobRequest struct {
	Name         string            `json:"name"`
	ID           int               `json:"id"`
	Resources    Resources         `json:"resources"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Image        string            `json:"image,omitempty"`
	Command      string            `json:"command"`
	Environment  map[string]string `json:"environment,omitempty"`
}

// Job is the persisted record of a submitted step. The workflow engine polls
// GET /api/v1/jobs/{job_id} until status is succeeded, failed or cancelled.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	StepName     string     `db:"step_name"     json:"step_name"`
	StepID       int        `db:"step_id"       json:"step_id"`
	Operator     string     `db:"operator"      json:"operator"`
	Queue        string     `db:"queue"         json:"queue"`
	ExternalName *string    `db:"external_name" json:"external_name,omitempty"`
	Status       string     `db:"status"        json:"status"`
	ClusterState *string    `db:"-"             json:"cluster_state,omitempty"`
	Logfile      *string    `db:"logfile"       json:"logfile,omitempty"`
	ArtifactTag  *string    `db:"artifact_tag"  json:"artifact_tag,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// Finished reports whether the record reached a final status.
func (j *Job) Finished() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
