// Package rerank provides a client for cross-encoder reranking APIs.
package rerank

import (
	"context"
	"time"

	"github.com/hsn0918/edakb/internal/clients/base"
	"github.com/hsn0918/edakb/internal/config"
)

// Default configuration constants
const (
	// Rerank calls carry full candidate documents, so the timeout is
	// longer than for other clients.
	DefaultTimeout = 60 * time.Second
	ServiceName    = "rerank"
)

// Reranker defines the interface for reranking operations.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)
}

// Client provides reranking API operations using the standardized base
// client.
type Client struct {
	httpClient *base.HTTPClient
	config     config.ServiceConfig
}

// Compile-time check to ensure Client implements Reranker interface
var _ Reranker = (*Client)(nil)

// NewClient creates a new reranking client with standardized configuration.
func NewClient(cfg config.ServiceConfig) *Client {
	httpClient := base.NewHTTPClient(ServiceName, cfg, DefaultTimeout)

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// Request represents a document reranking request.
type Request struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
	MaxChunksPerDoc int      `json:"max_chunks_per_doc,omitempty"`
}

// Result represents a single reranking result.
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Response represents the complete reranking API response.
type Response struct {
	ID      string   `json:"id"`
	Results []Result `json:"results"`
}

// Rerank scores the documents against the query and returns up to topN
// results ordered by descending relevance. Indexes refer to the input
// document slice.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	req := Request{
		Model:           c.config.Model,
		Query:           query,
		Documents:       documents,
		TopN:            topN,
		ReturnDocuments: false,
		MaxChunksPerDoc: 1024,
	}

	var result Response
	if err := c.httpClient.Post(ctx, "/rerank", req, &result); err != nil {
		return nil, err
	}

	// Upstream returns results sorted by relevance already.
	results := result.Results
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}
