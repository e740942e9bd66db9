// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// TemplateCache is a redis read-through in front of a TemplateRepo.
// Matching steps fetch the same template bytes on every attempt, so a
// shared cache keeps badger out of the hot path. Redis errors degrade
// to the underlying repo, never to a request failure.
type TemplateCache struct {
	next   TemplateRepo
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
	stats  struct {
		hits   atomic.Int64
		misses atomic.Int64
	}
}

func NewTemplateCache(next TemplateRepo, cfg RedisConfig, logger zerolog.Logger) (*TemplateCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to redis template cache")

	return &TemplateCache{next: next, client: client, ttl: ttl, logger: logger}, nil
}

func cacheKey(id string) string { return "tpl:" + id }

func (c *TemplateCache) GetTemplate(ctx context.Context, id string) (*Template, error) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	val, err := c.client.Get(opCtx, cacheKey(id)).Bytes()
	cancel()
	if err == nil {
		var t Template
		if err := json.Unmarshal(val, &t); err == nil {
			c.stats.hits.Add(1)
			return &t, nil
		}
		c.logger.Warn().Str("template", id).Msg("corrupt cache entry, falling through")
	} else if err != redis.Nil {
		c.logger.Warn().Err(err).Str("template", id).Msg("redis get failed")
	}
	c.stats.misses.Add(1)

	t, err := c.next.GetTemplate(ctx, id)
	if err != nil || t == nil {
		return t, err
	}
	c.fill(ctx, t)
	return t, nil
}

func (c *TemplateCache) fill(ctx context.Context, t *Template) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Set(opCtx, cacheKey(t.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("template", t.ID).Msg("redis set failed")
	}
}

func (c *TemplateCache) PutTemplate(ctx context.Context, t *Template) error {
	if err := c.next.PutTemplate(ctx, t); err != nil {
		return err
	}
	c.invalidate(ctx, t.ID)
	return nil
}

func (c *TemplateCache) DeleteTemplate(ctx context.Context, id string) error {
	if err := c.next.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *TemplateCache) invalidate(ctx context.Context, id string) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Del(opCtx, cacheKey(id)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("template", id).Msg("redis delete failed")
	}
}

func (c *TemplateCache) ListTemplates(ctx context.Context) ([]*Template, error) {
	return c.next.ListTemplates(ctx)
}

// Stats reports hit/miss counts since start.
func (c *TemplateCache) Stats() (hits, misses int64) {
	return c.stats.hits.Load(), c.stats.misses.Load()
}

func (c *TemplateCache) Close() error { return c.client.Close() }

var _ TemplateRepo = (*TemplateCache)(nil)
