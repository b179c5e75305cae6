// Package storetest provides an in-memory store.Store for tests of packages
// that sit above the database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/internal/store"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// MemStore keeps records in maps and enforces the same job status
// transitions as PostgresStore.
type MemStore struct {
	mu      sync.Mutex
	keys    map[uuid.UUID]*models.APIKey
	jobs    map[uuid.UUID]*models.Job
	PingErr error
}

func New() *MemStore {
	return &MemStore{
		keys: make(map[uuid.UUID]*models.APIKey),
		jobs: make(map[uuid.UUID]*models.Job),
	}
}

func (s *MemStore) Ping(context.Context) error { return s.PingErr }

// --- API Keys ---

func (s *MemStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

func (s *MemStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Name == key.Name && k.DeletedAt == nil {
			return store.ErrDuplicateKey
		}
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Jobs ---

func (s *MemStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *job
	s.jobs[job.ID] = &c
	return nil
}

func (s *MemStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (s *MemStore) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.StepName != "" && j.StepName != filter.StepName {
			continue
		}
		if filter.Operator != "" && j.Operator != filter.Operator {
			continue
		}
		c := *j
		matched = append(matched, &c)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return nil, len(matched), nil
	}
	end := min(start+limit, len(matched))
	return matched[start:end], len(matched), nil
}

func (s *MemStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	params := store.ApplyJobUpdateOptions(opts...)
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if status == models.JobStatusSubmitted {
		j.StartedAt = &now
	} else {
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		j.ErrorMessage = params.ErrorMessage
	}
	if params.ExternalName != nil {
		j.ExternalName = params.ExternalName
	}
	if params.Logfile != nil {
		j.Logfile = params.Logfile
	}
	if params.ArtifactTag != nil {
		j.ArtifactTag = params.ArtifactTag
	}
	return nil
}

var _ store.Store = (*MemStore)(nil)
