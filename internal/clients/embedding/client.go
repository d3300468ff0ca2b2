// Package embedding provides a client for embedding service operations.
// It batches inputs to respect the upstream API limit and exposes the
// embedding dimension needed to shape the vector store.
package embedding

import (
	"context"
	"time"

	"github.com/hsn0918/edakb/internal/clients/base"
	"github.com/hsn0918/edakb/internal/config"
)

// Default configuration constants
const (
	DefaultTimeout = 30 * time.Second
	ServiceName    = "embedding"

	// MaxBatchSize is the upstream API limit on inputs per request.
	MaxBatchSize = 16
)

// Embedder defines the interface for embedding operations.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Client provides embedding API operations using the standardized base
// client.
type Client struct {
	httpClient *base.HTTPClient
	config     config.ServiceConfig
}

// Compile-time check to ensure Client implements Embedder interface
var _ Embedder = (*Client)(nil)

// NewClient creates a new embedding client with standardized configuration.
func NewClient(cfg config.ServiceConfig) *Client {
	httpClient := base.NewHTTPClient(ServiceName, cfg, DefaultTimeout)

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// Request represents an embedding generation request.
type Request struct {
	Model          string      `json:"model"`
	Input          interface{} `json:"input"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

// Data represents a single embedding result.
type Data struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response represents the complete embedding API response.
type Response struct {
	Object string `json:"object"`
	Model  string `json:"model"`
	Data   []Data `json:"data"`
	Usage  Usage  `json:"usage"`
}

// EmbedQuery generates the embedding for a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts generates embeddings for the given texts, splitting the work
// into batches of at most MaxBatchSize inputs per API call. The returned
// slice is aligned with the input order.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		req := Request{
			Model:          c.config.Model,
			Input:          texts[start:end],
			EncodingFormat: "float",
		}

		var result Response
		if err := c.httpClient.Post(ctx, "/embeddings", req, &result); err != nil {
			return nil, err
		}

		batch := make([][]float32, end-start)
		for _, d := range result.Data {
			if d.Index >= 0 && d.Index < len(batch) {
				batch[d.Index] = d.Embedding
			}
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

// Known embedding models
const (
	ModelZhipuEmbedding2 = "embedding-2"
	ModelZhipuEmbedding3 = "embedding-3"
	ModelBGEM3           = "BAAI/bge-m3"
	ModelBGELargeZhV15   = "BAAI/bge-large-zh-v1.5"
)

// GetDefaultDimensions returns the embedding dimension for the model.
// The vector store column is sized from this value.
func GetDefaultDimensions(model string) int {
	switch model {
	case ModelZhipuEmbedding2:
		return 1024
	case ModelZhipuEmbedding3:
		return 2048
	case ModelBGEM3, ModelBGELargeZhV15:
		return 1024
	default:
		return 1024
	}
}
