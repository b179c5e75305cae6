package cache

import (
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// RecordCache keeps finished job records in process. Finished records never
// change, so entries are only evicted by size.
type RecordCache struct {
	lru *lru.Cache[uuid.UUID, models.Job]
}

func NewRecordCache(size int) (*RecordCache, error) {
	c, err := lru.New[uuid.UUID, models.Job](size)
	if err != nil {
		return nil, err
	}
	return &RecordCache{lru: c}, nil
}

// Add stores a copy of job if it is finished. Live records are ignored.
func (c *RecordCache) Add(job *models.Job) {
	if job == nil || !job.Finished() {
		return
	}
	c.lru.Add(job.ID, *job)
}

func (c *RecordCache) Get(id uuid.UUID) (*models.Job, bool) {
	job, ok := c.lru.Get(id)
	if !ok {
		return nil, false
	}
	return &job, true
}

func (c *RecordCache) Len() int {
	return c.lru.Len()
}
