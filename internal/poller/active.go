package poller

import (
	"sync"

	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// ActiveSet holds the jobs still being polled. Submissions append to it while
// a pass works on a swapped-out snapshot.
type ActiveSet struct {
	mu     sync.Mutex
	jobs   []*models.SubmittedJob
	closed bool
}

// Add appends job. It fails once the set has been drained by a cancel.
func (s *ActiveSet) Add(job *models.SubmittedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrPollerStopped
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Swap returns the current jobs and leaves the set empty.
func (s *ActiveSet) Swap() []*models.SubmittedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.jobs
	s.jobs = nil
	return jobs
}

// Merge puts jobs back after a pass. If the set was drained in the meantime
// nothing is merged and jobs are returned to the caller for cleanup.
func (s *ActiveSet) Merge(jobs []*models.SubmittedJob) []*models.SubmittedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jobs
	}
	s.jobs = append(s.jobs, jobs...)
	return nil
}

// Drain closes the set and returns everything in it.
func (s *ActiveSet) Drain() []*models.SubmittedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	jobs := s.jobs
	s.jobs = nil
	return jobs
}

func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Closed reports whether Drain has been called.
func (s *ActiveSet) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
