package redis

import (
	"context"
	"fmt"
	"time"
)

// CacheService caches embedding vectors and retrieval results. Keys are
// content hashes, so identical inputs hit regardless of caller.
type CacheService struct {
	client *Client
}

func NewCacheService(client *Client) *CacheService {
	return &CacheService{
		client: client,
	}
}

const (
	DefaultTTL           = 1 * time.Hour
	EmbeddingCacheTTL    = 24 * time.Hour
	SearchResultCacheTTL = 30 * time.Minute
)

// CacheEmbedding stores a query vector. The model name is part of the key
// so switching embedding models never serves stale vectors.
func (s *CacheService) CacheEmbedding(ctx context.Context, model, text string, embedding []float32) error {
	key := fmt.Sprintf("embedding:%s:%s", model, hashText(text))
	return s.client.SetJSON(ctx, key, embedding, EmbeddingCacheTTL)
}

func (s *CacheService) GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error) {
	key := fmt.Sprintf("embedding:%s:%s", model, hashText(text))
	var embedding []float32
	found, err := s.client.GetJSON(ctx, key, &embedding)
	if err != nil || !found {
		return nil, false, err
	}
	return embedding, true, nil
}

func (s *CacheService) CacheSearchResults(ctx context.Context, query string, results interface{}) error {
	key := fmt.Sprintf("search:%s", hashText(query))
	return s.client.SetJSON(ctx, key, results, SearchResultCacheTTL)
}

func (s *CacheService) GetSearchResults(ctx context.Context, query string, dest interface{}) (bool, error) {
	key := fmt.Sprintf("search:%s", hashText(query))
	return s.client.GetJSON(ctx, key, dest)
}

// ClearSearchResults drops every cached retrieval result. Runs after any
// corpus mutation so a stale hit cannot outlive the document it came from.
func (s *CacheService) ClearSearchResults(ctx context.Context) error {
	return s.client.DeleteByPrefix(ctx, "search:")
}

// Clear wipes the whole cache DB. Called when the corpus is cleared, so
// no stale retrieval result can survive a reset.
func (s *CacheService) Clear(ctx context.Context) error {
	return s.client.FlushDB(ctx)
}
