package store

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

var validTransitions = map[string][]string{
	models.JobStatusPending:   {models.JobStatusSubmitted, models.JobStatusFailed},
	models.JobStatusSubmitted: {models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled},
}

// CanTransition reports whether a job record may move from one status to another.
func CanTransition(from, to string) bool {
	return slices.Contains(validTransitions[from], to)
}

type JobFilter struct {
	Status   string
	StepName string
	Operator string
	Page     int
	Limit    int
}

// JobUpdateParams collects the optional columns set by UpdateJobStatus.
type JobUpdateParams struct {
	ErrorMessage *string
	ExternalName *string
	Logfile      *string
	ArtifactTag  *string
}

type JobUpdateOption func(*JobUpdateParams)

// ApplyJobUpdateOptions folds opts into a JobUpdateParams.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) *JobUpdateParams {
	params := &JobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// WithExternalName records the name the cluster assigned on submit.
func WithExternalName(name string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ExternalName = &name
	}
}

func WithLogfile(path string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.Logfile = &path
	}
}

func WithArtifactTag(tag string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ArtifactTag = &tag
	}
}
