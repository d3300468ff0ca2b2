package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/redis"
)

// CachedEmbedder wraps an Embedder with a Redis-backed vector cache.
// Cache failures are logged and treated as misses, so a broken cache
// never takes retrieval down with it.
type CachedEmbedder struct {
	inner Embedder
	cache *redis.CacheService
	model string
}

var _ Embedder = (*CachedEmbedder)(nil)

func NewCachedEmbedder(inner Embedder, cache *redis.CacheService, model string) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cache: cache,
		model: model,
	}
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vector, ok, err := c.cache.GetEmbedding(ctx, c.model, text); err == nil && ok {
		return vector, nil
	} else if err != nil {
		logger.GetLogger().Warn("读取向量缓存失败", zap.Error(err))
	}

	vector, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if cerr := c.cache.CacheEmbedding(ctx, c.model, text, vector); cerr != nil {
		logger.GetLogger().Warn("写入向量缓存失败", zap.Error(cerr))
	}
	return vector, nil
}

// EmbedTexts passes through uncached. Document ingestion embeds each
// text once, so caching would only grow the DB.
func (c *CachedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedTexts(ctx, texts)
}
