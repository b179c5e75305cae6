// Package executor is the submission path: it validates step requests, turns
// them into cluster resources through an operator, records them and hands
// them to the poller.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/internal/artifact"
	"github.com/kiranshivaraju/kueuexec/internal/cache"
	"github.com/kiranshivaraju/kueuexec/internal/config"
	"github.com/kiranshivaraju/kueuexec/internal/operator"
	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/internal/poller"
	"github.com/kiranshivaraju/kueuexec/internal/store"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRequest is the same sentinel the operators use for bad resource hints.
var ErrInvalidRequest = cluster.ErrInvalidRequest

// ErrUnresolvedDependency means a dependency has no succeeded run whose
// artifact the step could pull.
var ErrUnresolvedDependency = fmt.Errorf("%w: unresolved dependency", ErrInvalidRequest)

const (
	shell = "/bin/bash"

	defaultCleanupTimeout = 30 * time.Second
)

// Pusher uploads the local working directory.
type Pusher interface {
	Push(ctx context.Context, ref models.ArtifactRef) error
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Store    store.Store
	Cache    cache.Cache
	Records  *cache.RecordCache
	Factory  operator.Factory
	Poller   *poller.Poller
	Recorder *Recorder
	Namer    *artifact.Namer
	Staging  artifact.Staging
	Pusher   Pusher

	Executor config.ExecutorConfig
	Artifact config.ArtifactConfig
}

// Service submits steps and answers record queries.
type Service struct {
	deps    Dependencies
	workdir string
}

func New(deps Dependencies) (*Service, error) {
	workdir, err := filepath.Abs(deps.Executor.Workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	return &Service{deps: deps, workdir: workdir}, nil
}

// LogDir is where per-job logfiles are written.
func (s *Service) LogDir() string {
	return filepath.Join(s.workdir, ".kueuexec", "logs")
}

// prepared is a generated but not yet submitted step.
type prepared struct {
	op         models.Operator
	descriptor models.Descriptor
	prefix     string
	artifact   *models.ArtifactRef
}

func validate(req models.JobRequest) error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Command) == "":
		return fmt.Errorf("%w: command is required", ErrInvalidRequest)
	case req.ID < 0:
		return fmt.Errorf("%w: id must not be negative", ErrInvalidRequest)
	case req.Resources.Cores < 0, req.Resources.Nodes < 0, req.Resources.Tasks < 0:
		return fmt.Errorf("%w: cores, nodes and tasks must not be negative", ErrInvalidRequest)
	case req.Resources.Runtime < 0:
		return fmt.Errorf("%w: runtime must not be negative", ErrInvalidRequest)
	}
	return nil
}

// prepare validates req, selects its operator and generates the descriptor
// for the submission identified by runID. Nothing is created anywhere.
func (s *Service) prepare(ctx context.Context, req models.JobRequest, runID string) (*prepared, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	op, err := s.deps.Factory(req.Resources.Operator)
	if err != nil {
		return nil, err
	}

	p := &prepared{op: op, prefix: cluster.StepPrefix(s.deps.Executor.JobPrefix, req.Name, req.ID)}

	command := formatCommand(req.Command)
	if s.deps.Artifact.Staging != config.StagingDisabled {
		self := s.deps.Namer.StepRef(req.Name, req.ID)
		p.artifact = &self

		pulls, err := s.pulls(ctx, req.Dependencies)
		if err != nil {
			return nil, err
		}
		command, err = s.deps.Staging.Wrap(command, pulls, &self)
		if err != nil {
			return nil, err
		}
	}

	in := models.GenerateInput{
		Image:       s.image(req),
		Command:     shell,
		Args:        []string{"-c", command},
		Environment: req.Environment,
		RunID:       runID,
	}
	if req.Resources.Runtime > 0 {
		deadline := req.Resources.Runtime
		in.Deadline = &deadline
	}

	p.descriptor, err = op.Generate(req, in)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) image(req models.JobRequest) string {
	switch {
	case req.Resources.Container != "":
		return req.Resources.Container
	case req.Image != "":
		return req.Image
	default:
		return s.deps.Executor.Image
	}
}

// pulls lists the artifacts a step needs before it runs. In host mode the
// uploaded working directory comes first.
func (s *Service) pulls(ctx context.Context, dependencies []string) ([]models.ArtifactRef, error) {
	var refs []models.ArtifactRef
	if s.deps.Artifact.Staging == config.StagingHost && s.deps.Artifact.UploadWorkdir {
		refs = append(refs, s.deps.Namer.WorkflowRef())
	}
	for _, dep := range dependencies {
		ref, err := s.dependencyRef(ctx, dep)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// dependencyRef resolves the artifact of the latest succeeded run of step.
// Without a record it falls back to the step's shared tag, which only the
// name scheme ever pushes; under name-id the step is rejected instead.
func (s *Service) dependencyRef(ctx context.Context, step string) (models.ArtifactRef, error) {
	jobs, _, err := s.deps.Store.ListJobs(ctx, store.JobFilter{
		Status:   models.JobStatusSucceeded,
		StepName: step,
		Limit:    1,
	})
	if err == nil && len(jobs) > 0 && jobs[0].ArtifactTag != nil {
		if ref, perr := s.deps.Namer.ParseRef(*jobs[0].ArtifactTag); perr == nil {
			return ref, nil
		}
	}

	if s.deps.Artifact.TagScheme == config.TagSchemeName {
		if err != nil {
			slog.Warn("resolve dependency artifact failed, using shared tag", "step", step, "error", err)
		}
		return s.deps.Namer.DependencyRef(step), nil
	}

	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("resolve dependency %s: %w", step, err)
	}
	slog.Warn("dependency has no succeeded run to pull from", "step", step)
	return models.ArtifactRef{}, fmt.Errorf("%w: %s has no succeeded run", ErrUnresolvedDependency, step)
}

// Submit records req, creates its cluster resources and starts polling it.
// The returned record is submitted, or failed when the cluster rejected it.
func (s *Service) Submit(ctx context.Context, req models.JobRequest) (*models.Job, error) {
	if s.deps.Poller.Stopped() {
		return nil, poller.ErrPollerStopped
	}

	id := uuid.New()
	p, err := s.prepare(ctx, req, runID(id))
	if err != nil {
		return nil, err
	}

	logfile := filepath.Join(s.LogDir(), p.prefix+".log")
	now := time.Now().UTC()
	record := &models.Job{
		ID:        id,
		StepName:  req.Name,
		StepID:    req.ID,
		Operator:  p.op.Kind(),
		Queue:     s.queue(req),
		Status:    models.JobStatusPending,
		Logfile:   &logfile,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.artifact != nil {
		tag := p.artifact.String()
		record.ArtifactTag = &tag
	}

	if err := s.deps.Store.CreateJob(ctx, record); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	externalName, err := p.op.Submit(ctx, p.descriptor)
	if err != nil {
		slog.Error("submit failed", "job_id", record.ID, "step", req.Name, "error", err)
		s.deps.Recorder.finish(ctx, record.ID, models.JobStatusFailed, store.WithErrorMessage(err.Error()))
		return nil, err
	}

	// The cluster object exists from here on. Its record and cleanup must not
	// depend on the caller still waiting for the response.
	ctx = context.WithoutCancel(ctx)

	submitted := &models.SubmittedJob{
		RecordID:     record.ID,
		Request:      req,
		ExternalName: externalName,
		Descriptor:   p.descriptor,
		Operator:     p.op,
		Logfile:      logfile,
		Artifact:     p.artifact,
		Callbacks:    s.deps.Recorder.Callbacks(),
	}

	if err := s.deps.Store.UpdateJobStatus(ctx, record.ID, models.JobStatusSubmitted,
		store.WithExternalName(externalName)); err != nil {
		slog.Error("record submission failed, removing cluster job",
			"job_id", record.ID,
			"external_name", externalName,
			"error", err,
		)
		s.cleanup(ctx, submitted)
		s.deps.Recorder.finish(ctx, record.ID, models.JobStatusFailed,
			store.WithErrorMessage(fmt.Sprintf("record submission of %s: %v", externalName, err)))
		return nil, fmt.Errorf("recording submission: %w", err)
	}

	if err := s.deps.Poller.Add(submitted); err != nil {
		// Cancelled between the check above and now.
		s.cleanup(ctx, submitted)
		s.deps.Recorder.finish(ctx, record.ID, models.JobStatusCancelled, store.WithErrorMessage("cancelled"))
		return nil, err
	}

	slog.Info("job submitted",
		"job_id", record.ID,
		"step", req.Name,
		"operator", p.op.Kind(),
		"external_name", externalName,
	)

	return s.deps.Store.GetJob(ctx, record.ID)
}

// runID is the short form of a record id used in per-submission object names.
func runID(id uuid.UUID) string {
	return id.String()[:8]
}

// cleanup removes a job the poller never took over.
func (s *Service) cleanup(ctx context.Context, job *models.SubmittedJob) {
	timeout := s.deps.Executor.CleanupTimeout
	if timeout <= 0 {
		timeout = defaultCleanupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := job.Cleanup(ctx); err != nil {
		slog.Error("cleanup failed", "job", job.ExternalName, "error", err)
	}
}

func (s *Service) queue(req models.JobRequest) string {
	if req.Resources.Queue != "" {
		return req.Resources.Queue
	}
	return s.deps.Executor.QueueName
}

// Render returns the descriptor req would be submitted as, in YAML.
func (s *Service) Render(ctx context.Context, req models.JobRequest) ([]byte, error) {
	p, err := s.prepare(ctx, req, "")
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(p.descriptor.Object())
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return yaml.Marshal(doc)
}

// Get returns a record. Live records carry the latest cluster state.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if job, ok := s.deps.Records.Get(id); ok {
		return job, nil
	}

	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Finished() {
		s.deps.Records.Add(job)
		return job, nil
	}

	state, found, err := s.deps.Cache.GetClusterState(ctx, id)
	if err != nil {
		slog.Warn("read cluster state failed", "job_id", id, "error", err)
	}
	if found {
		status := string(state.Status)
		job.ClusterState = &status
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.deps.Store.ListJobs(ctx, filter)
}

// CancelAll stops the poller and cleans up every active job.
func (s *Service) CancelAll(ctx context.Context) (int, error) {
	n, err := s.deps.Poller.Cancel(ctx)
	if err != nil {
		return n, fmt.Errorf("cancel: %w", err)
	}
	return n, nil
}

// UploadWorkdir pushes the local working directory under the workflow tag
// when host staging is configured to do so.
func (s *Service) UploadWorkdir(ctx context.Context) error {
	if s.deps.Artifact.Staging != config.StagingHost || !s.deps.Artifact.UploadWorkdir {
		return nil
	}
	if s.deps.Pusher == nil {
		return errors.New("no artifact pusher configured")
	}
	ref := s.deps.Namer.WorkflowRef()
	if err := s.deps.Pusher.Push(ctx, ref); err != nil {
		return fmt.Errorf("upload workdir: %w", err)
	}
	slog.Info("workdir uploaded", "ref", ref.String(), "workdir", s.workdir)
	return nil
}
