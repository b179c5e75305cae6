// Package cachetest provides an in-memory cache.Cache for tests.
package cachetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/internal/cache"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// MemCache ignores TTLs. Set PingErr or IncrErr to simulate an unavailable Redis.
type MemCache struct {
	mu       sync.Mutex
	states   map[uuid.UUID]models.ClusterState
	counters map[string]int64

	PingErr error
	IncrErr error
}

func New() *MemCache {
	return &MemCache{
		states:   make(map[uuid.UUID]models.ClusterState),
		counters: make(map[string]int64),
	}
}

func (c *MemCache) Ping(context.Context) error { return c.PingErr }

func (c *MemCache) SetClusterState(_ context.Context, state models.ClusterState, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.JobID] = state
	return nil
}

func (c *MemCache) GetClusterState(_ context.Context, jobID uuid.UUID) (*models.ClusterState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[jobID]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (c *MemCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if c.IncrErr != nil {
		return 0, c.IncrErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*MemCache)(nil)
