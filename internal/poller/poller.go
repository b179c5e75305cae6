// Package poller drives submitted jobs to a terminal state: it observes each
// job on a fixed interval, captures logs, stages artifacts, fires callbacks
// and cleans up cluster resources.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

var (
	ErrPollerStopped = errors.New("poller stopped")
	ErrJobFailed     = errors.New("job failed")
)

// Puller fetches a succeeded job's artifact to the host.
type Puller interface {
	Pull(ctx context.Context, ref models.ArtifactRef) error
}

// Archiver receives each job's logfile after terminal handling.
type Archiver interface {
	Archive(ctx context.Context, job *models.SubmittedJob) error
}

// Observer is told about every status observation.
type Observer func(ctx context.Context, job *models.SubmittedJob, obs models.Observation)

type Config struct {
	Interval       time.Duration
	LogRetryDelay  time.Duration
	CleanupTimeout time.Duration
}

type Poller struct {
	cfg      Config
	set      *ActiveSet
	puller   Puller
	archiver Archiver
	observer Observer

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Poller)

// WithPuller enables host-side artifact pulls for succeeded jobs.
func WithPuller(p Puller) Option {
	return func(pl *Poller) { pl.puller = p }
}

func WithArchiver(a Archiver) Option {
	return func(pl *Poller) { pl.archiver = a }
}

func WithObserver(o Observer) Option {
	return func(pl *Poller) { pl.observer = o }
}

func New(cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	p := &Poller{
		cfg:  cfg,
		set:  &ActiveSet{},
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a submitted job for polling.
func (p *Poller) Add(job *models.SubmittedJob) error {
	return p.set.Add(job)
}

// Active returns the number of jobs waiting for the next pass.
func (p *Poller) Active() int {
	return p.set.Len()
}

// Stopped reports whether Cancel has been called.
func (p *Poller) Stopped() bool {
	return p.set.Closed()
}

// Run polls every Interval until ctx is done or Cancel is called.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	slog.Info("poller started", "interval", p.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			slog.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass over the active set. Jobs that are not terminal go back
// into the set; if a cancel drained the set during the pass they are cleaned
// up instead.
func (p *Poller) Poll(ctx context.Context) {
	snapshot := p.set.Swap()
	if len(snapshot) == 0 {
		return
	}

	var pending []*models.SubmittedJob
	for _, job := range snapshot {
		obs := job.Operator.Status(ctx, job)
		if obs.LookupErr != nil {
			slog.Debug("job status lookup failed",
				"job", job.ExternalName,
				"error", obs.LookupErr,
			)
		}
		if p.observer != nil {
			p.observer(ctx, job, obs)
		}

		switch obs.Status {
		case models.StatusFailed:
			p.handleFailed(ctx, job, obs)
		case models.StatusSucceeded:
			p.handleSucceeded(ctx, job)
		default:
			pending = append(pending, job)
		}
	}

	for _, job := range p.set.Merge(pending) {
		p.cancelJob(ctx, job)
	}
}

func (p *Poller) handleFailed(ctx context.Context, job *models.SubmittedJob, obs models.Observation) {
	slog.Warn("job failed",
		"job", job.ExternalName,
		"step", job.Request.Name,
		"failed_pods", obs.Counts.Failed,
	)

	if err := job.Operator.WriteLog(ctx, job); err != nil {
		slog.Warn("log capture failed, retrying",
			"job", job.ExternalName,
			"error", err,
			"retry_in", p.cfg.LogRetryDelay.String(),
		)
		if sleep(ctx, p.cfg.LogRetryDelay) {
			if err := job.Operator.WriteLog(ctx, job); err != nil {
				slog.Warn("log capture failed", "job", job.ExternalName, "error", err)
			}
		}
	}

	cause := fmt.Errorf("%w: %s has %d failed pods", ErrJobFailed, job.ExternalName, obs.Counts.Failed)
	if job.Callbacks.OnFailure != nil {
		job.Callbacks.OnFailure(ctx, job, job.Logfile, cause)
	}
	p.cleanup(ctx, job)
	p.archive(ctx, job)
}

func (p *Poller) handleSucceeded(ctx context.Context, job *models.SubmittedJob) {
	if err := job.Operator.WriteLog(ctx, job); err != nil {
		slog.Warn("log capture failed", "job", job.ExternalName, "error", err)
	}

	var pullErr error
	if p.puller != nil && job.Artifact != nil {
		pullErr = p.puller.Pull(ctx, *job.Artifact)
	}

	if pullErr != nil {
		slog.Error("artifact pull failed",
			"job", job.ExternalName,
			"ref", job.Artifact.String(),
			"error", pullErr,
		)
		if job.Callbacks.OnFailure != nil {
			job.Callbacks.OnFailure(ctx, job, job.Logfile, pullErr)
		}
	} else {
		slog.Info("job succeeded", "job", job.ExternalName, "step", job.Request.Name)
		if job.Callbacks.OnSuccess != nil {
			job.Callbacks.OnSuccess(ctx, job)
		}
	}

	p.cleanup(ctx, job)
	p.archive(ctx, job)
}

// cleanup runs on a context detached from ctx so a shutdown does not leave
// cluster objects behind.
func (p *Poller) cleanup(ctx context.Context, job *models.SubmittedJob) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
	defer cancel()

	if err := job.Cleanup(cctx); err != nil {
		slog.Error("cleanup failed", "job", job.ExternalName, "error", err)
		return err
	}
	return nil
}

func (p *Poller) archive(ctx context.Context, job *models.SubmittedJob) {
	if p.archiver == nil || job.Logfile == "" {
		return
	}
	if err := p.archiver.Archive(ctx, job); err != nil {
		slog.Warn("log archive failed", "job", job.ExternalName, "error", err)
	}
}

// Cancel drains the active set, cleans up every drained job whatever its last
// status, and stops Run. Jobs held by an in-flight pass are cleaned up by that
// pass. It returns the number of drained jobs.
func (p *Poller) Cancel(ctx context.Context) (int, error) {
	p.stopOnce.Do(func() { close(p.stop) })

	jobs := p.set.Drain()
	var errs []error
	for _, job := range jobs {
		if err := p.cancelJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", job.ExternalName, err))
		}
	}

	slog.Info("poller cancelled", "jobs_cleaned", len(jobs), "errors", len(errs))
	return len(jobs), errors.Join(errs...)
}

func (p *Poller) cancelJob(ctx context.Context, job *models.SubmittedJob) error {
	err := p.cleanup(ctx, job)
	if job.Callbacks.OnCancel != nil {
		job.Callbacks.OnCancel(ctx, job)
	}
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
