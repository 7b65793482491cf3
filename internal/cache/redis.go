package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tutorbooking/config"
	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client   *redis.Client
	slotsTTL time.Duration
}

func NewRedisCache(cfg config.RedisConfig, slotsTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:   redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		slotsTTL: slotsTTL,
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error) {
	data, err := c.client.Get(ctx, slotsKey(tutorID, date, recurring)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var slots []domain.Slot
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

func (c *RedisCache) SetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool, slots []domain.Slot) error {
	if slots == nil {
		slots = []domain.Slot{}
	}
	payload, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, slotsKey(tutorID, date, recurring), payload, c.slotsTTL).Err()
}

// InvalidateTutor drops every cached day of a tutor.
func (c *RedisCache) InvalidateTutor(ctx context.Context, tutorID string) error {
	iter := c.client.Scan(ctx, 0, tutorSlotsPattern(tutorID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) SavePreview(ctx context.Context, preview *domain.NextPeriodPreview, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("preview %s: non-positive ttl", preview.ID)
	}
	payload, err := json.Marshal(preview)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, previewKey(preview.ID), payload, ttl).Err()
}

func (c *RedisCache) GetPreview(ctx context.Context, id string) (*domain.NextPeriodPreview, error) {
	data, err := c.client.Get(ctx, previewKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var preview domain.NextPeriodPreview
	if err := json.Unmarshal(data, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

func (c *RedisCache) DeletePreview(ctx context.Context, id string) error {
	return c.client.Del(ctx, previewKey(id)).Err()
}

func slotsKey(tutorID string, date time.Time, recurring bool) string {
	return fmt.Sprintf("cache:slots:%s:%s:%t", tutorID, date.Format(domain.DateLayout), recurring)
}

func tutorSlotsPattern(tutorID string) string {
	return fmt.Sprintf("cache:slots:%s:*", tutorID)
}

func previewKey(id string) string {
	return "preview:next-period:" + id
}
