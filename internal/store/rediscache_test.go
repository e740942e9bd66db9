// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// countingRepo wraps Memory to count backing-store reads.
type countingRepo struct {
	*Memory
	gets int
}

func (c *countingRepo) GetTemplate(ctx context.Context, id string) (*Template, error) {
	c.gets++
	return c.Memory.GetTemplate(ctx, id)
}

func newCache(t *testing.T) (*TemplateCache, *countingRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	repo := &countingRepo{Memory: NewMemory()}
	c, err := NewTemplateCache(repo, RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c, repo
}

func TestTemplateCacheReadThrough(t *testing.T) {
	c, repo := newCache(t)
	ctx := context.Background()
	data := []byte{0x89, 'P', 'N', 'G'}
	require.NoError(t, c.PutTemplate(ctx, &Template{ID: "tpl-1", Data: data}))

	got, err := c.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	require.Equal(t, data, got.Data)
	require.Equal(t, 1, repo.gets)

	// Second read is served from redis.
	got, err = c.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	require.Equal(t, data, got.Data)
	require.Equal(t, 1, repo.gets)

	hits, misses := c.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestTemplateCacheMissingStaysMissing(t *testing.T) {
	c, repo := newCache(t)
	got, err := c.GetTemplate(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 1, repo.gets)
}

func TestTemplateCachePutInvalidates(t *testing.T) {
	c, repo := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.PutTemplate(ctx, &Template{ID: "tpl-1", Data: []byte{1}}))

	_, err := c.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	require.Equal(t, 1, repo.gets)

	require.NoError(t, c.PutTemplate(ctx, &Template{ID: "tpl-1", Data: []byte{2}}))
	got, err := c.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, got.Data)
	require.Equal(t, 2, repo.gets, "put dropped the cached entry")
}

func TestTemplateCacheDeleteInvalidates(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.PutTemplate(ctx, &Template{ID: "tpl-1", Data: []byte{1}}))
	_, err := c.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)

	require.NoError(t, c.DeleteTemplate(ctx, "tpl-1"))
	got, err := c.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTemplateCacheRedisDownDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	repo := &countingRepo{Memory: NewMemory()}
	c, err := NewTemplateCache(repo, RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.NoError(t, repo.PutTemplate(ctx, &Template{ID: "tpl-1", Data: []byte{1}}))
	mr.Close()

	got, err := c.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, got.Data, "falls through to the repo")
}
