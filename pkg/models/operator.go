// Package models contains shared data models used across the kueuexec codebase.
package models

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Operator is implemented once per supported cluster resource kind.
// Never create cluster resources directly; always go through an Operator.
type Operator interface {
	// Kind returns the operator key (e.g., "job", "flux-operator").
	Kind() string
	// Generate builds the descriptor for req. It has no side effects.
	Generate(req JobRequest, in GenerateInput) (Descriptor, error)
	// Submit creates the descriptor on the cluster and returns the assigned name.
	Submit(ctx context.Context, d Descriptor) (string, error)
	// Status observes a submitted job. A failed lookup yields StatusPending.
	Status(ctx context.Context, job *SubmittedJob) Observation
	// Cleanup deletes everything Submit created. Missing objects are not an error.
	Cleanup(ctx context.Context, job *SubmittedJob) error
	// WriteLog captures the pod logs of job into job.Logfile.
	WriteLog(ctx context.Context, job *SubmittedJob) error
}

// GenerateInput is what the executor hands to Operator.Generate.
type GenerateInput struct {
	Image       string
	Command     string
	Args        []string
	Deadline    *int64
	Environment map[string]string
	// RunID tells apart submissions of the same step. It names the
	// per-submission objects created alongside the job.
	RunID       string
}

// Callbacks are invoked by the poller once a job reaches a terminal state,
// or with OnCancel when the job is cleaned up by a cancellation instead.
type Callbacks struct {
	OnSuccess func(ctx context.Context, job *SubmittedJob)
	OnFailure func(ctx context.Context, job *SubmittedJob, logfile string, cause error)
	OnCancel  func(ctx context.Context, job *SubmittedJob)
}

// SubmittedJob binds a JobRequest to the resource created for it.
// ExternalName is assigned once by Submit and is authoritative afterwards.
type SubmittedJob struct {
	RecordID     uuid.UUID
	Request      JobRequest
	ExternalName string
	Descriptor   Descriptor
	Operator     Operator
	Logfile      string
	Artifact     *ArtifactRef
	Callbacks    Callbacks

	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup runs the operator cleanup at most once and returns its result
// on every call.
func (j *SubmittedJob) Cleanup(ctx context.Context) error {
	j.cleanupOnce.Do(func() {
		j.cleanupErr = j.Operator.Cleanup(ctx, j)
	})
	return j.cleanupErr
}
