package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alexcraviotto/next-task-manager-sub000/domain"
)

type backend interface {
	ListWeights(ctx context.Context, orgID string) (domain.WeightMap, error)
	ListTasks(ctx context.Context, orgID string) ([]domain.Task, error)
	ListRatings(ctx context.Context, orgID string) ([]domain.Rating, error)
	UpsertMember(ctx context.Context, m domain.Member) error
	UpsertRating(ctx context.Context, orgID string, r domain.Rating) error
	UpdateRatings(ctx context.Context, orgID string, ratings []domain.Rating) error
}

// Cache wraps a Storage instance with Redis-backed caching for the
// organization-wide read projections. Mutations evict the affected keys so
// the next read rebuilds from the tables.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis
// client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{base: base, redis: client, ttl: ttl}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) ListWeights(ctx context.Context, orgID string) (domain.WeightMap, error) {
	var cached domain.WeightMap
	if c.load(ctx, weightsCacheKey(orgID), &cached) {
		return cached, nil
	}
	weights, err := c.base.ListWeights(ctx, orgID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, weightsCacheKey(orgID), weights)
	return weights, nil
}

func (c *Cache) ListTasks(ctx context.Context, orgID string) ([]domain.Task, error) {
	var cached []domain.Task
	if c.load(ctx, tasksCacheKey(orgID), &cached) {
		return cached, nil
	}
	tasks, err := c.base.ListTasks(ctx, orgID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, tasksCacheKey(orgID), tasks)
	return tasks, nil
}

func (c *Cache) ListRatings(ctx context.Context, orgID string) ([]domain.Rating, error) {
	var cached []domain.Rating
	if c.load(ctx, ratingsCacheKey(orgID), &cached) {
		return cached, nil
	}
	ratings, err := c.base.ListRatings(ctx, orgID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, ratingsCacheKey(orgID), ratings)
	return ratings, nil
}

func (c *Cache) UpsertMember(ctx context.Context, m domain.Member) error {
	if err := c.base.UpsertMember(ctx, m); err != nil {
		return err
	}
	c.evict(ctx, weightsCacheKey(m.OrganizationID))
	return nil
}

func (c *Cache) UpsertRating(ctx context.Context, orgID string, r domain.Rating) error {
	if err := c.base.UpsertRating(ctx, orgID, r); err != nil {
		return err
	}
	c.evict(ctx, ratingsCacheKey(orgID))
	return nil
}

func (c *Cache) UpdateRatings(ctx context.Context, orgID string, ratings []domain.Rating) error {
	if err := c.base.UpdateRatings(ctx, orgID, ratings); err != nil {
		return err
	}
	c.evict(ctx, ratingsCacheKey(orgID))
	return nil
}

// load fills dst from the cache and reports whether it hit. Redis errors and
// corrupt payloads degrade to a miss; the broken key is dropped.
func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, keys ...string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func weightsCacheKey(orgID string) string { return "weights:" + orgID }
func tasksCacheKey(orgID string) string   { return "tasks:" + orgID }
func ratingsCacheKey(orgID string) string { return "ratings:" + orgID }
