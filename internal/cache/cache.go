package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache holds short-lived shared state: the latest cluster observation of
// each job and the rate-limit counters. Implementations must be safe for
// concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetClusterState(ctx context.Context, state models.ClusterState, ttl time.Duration) error
	GetClusterState(ctx context.Context, jobID uuid.UUID) (*models.ClusterState, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements Cache on go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a RedisCache from a redis:// or rediss:// URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetClusterState(ctx context.Context, state models.ClusterState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cluster state: %w", err)
	}
	return c.client.Set(ctx, ClusterStateKey(state.JobID), data, ttl).Err()
}

// GetClusterState returns the last observation of jobID. found is false when
// the job was never observed or the entry expired.
func (c *RedisCache) GetClusterState(ctx context.Context, jobID uuid.UUID) (*models.ClusterState, bool, error) {
	data, err := c.client.Get(ctx, ClusterStateKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var state models.ClusterState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("unmarshal cluster state: %w", err)
	}
	return &state, true, nil
}

// IncrWithExpiry bumps a fixed-window counter. Only the first increment of a
// window sets the expiry, so steady traffic cannot stretch the window.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
