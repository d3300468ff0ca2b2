// Package engine implements the retrieval-augmented answering pipeline:
// document ingestion into the dense and sparse indexes, hybrid retrieval
// with reranking and parent expansion, and answer generation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/adapters"
	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/clients/embedding"
	"github.com/hsn0918/edakb/internal/clients/openai"
	"github.com/hsn0918/edakb/internal/clients/rerank"
	"github.com/hsn0918/edakb/internal/config"
	"github.com/hsn0918/edakb/internal/history"
	"github.com/hsn0918/edakb/internal/index"
	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/parentdocs"
	"github.com/hsn0918/edakb/internal/pdfproc"
	"github.com/hsn0918/edakb/internal/redis"
	"github.com/hsn0918/edakb/internal/tools"
)

// ChatModel is the LLM surface the engine depends on. The openai client
// satisfies it; tests substitute a scripted fake.
type ChatModel interface {
	Complete(ctx context.Context, messages []openai.Message) (string, error)
	Stream(ctx context.Context, messages []openai.Message, fn func(delta string) error) error
}

// Deps wires the engine's collaborators. Reranker and Cache may be nil
// when the corresponding features are disabled.
type Deps struct {
	Config    config.RetrievalConfig
	Store     adapters.VectorStore
	Embedder  embedding.Embedder
	Reranker  rerank.Reranker
	LLM       ChatModel
	BM25      *index.BM25
	Parents   *parentdocs.Store
	Registry  *tools.Registry
	Processor *pdfproc.Processor
	History   *history.Store
	Cache     *redis.CacheService
}

// Engine owns the full question answering pipeline.
type Engine struct {
	cfg       config.RetrievalConfig
	store     adapters.VectorStore
	embedder  embedding.Embedder
	reranker  rerank.Reranker
	llm       ChatModel
	bm25      *index.BM25
	parents   *parentdocs.Store
	registry  *tools.Registry
	processor *pdfproc.Processor
	history   *history.Store
	cache     *redis.CacheService
}

func New(d Deps) *Engine {
	return &Engine{
		cfg:       d.Config,
		store:     d.Store,
		embedder:  d.Embedder,
		reranker:  d.Reranker,
		llm:       d.LLM,
		bm25:      d.BM25,
		parents:   d.Parents,
		registry:  d.Registry,
		processor: d.Processor,
		history:   d.History,
		cache:     d.Cache,
	}
}

// Init restores the sidecar state from disk. The persisted BM25 corpus is
// only trusted when its document count matches the vector store; any
// mismatch triggers a full rebuild so the two branches stay in sync.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.parents.Load(); err != nil {
		return fmt.Errorf("加载父文档失败: %w", err)
	}

	count, err := e.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("统计向量库分块失败: %w", err)
	}

	if e.bm25.Load(count) {
		logger.GetLogger().Info("BM25 索引已从缓存恢复",
			zap.Int("chunks", count),
			zap.Int("parents", e.parents.Count()))
		return nil
	}

	chunks, err := e.store.AllChunks(ctx)
	if err != nil {
		return fmt.Errorf("读取全部分块失败: %w", err)
	}
	e.bm25.Rebuild(chunks)
	if len(chunks) > 0 {
		if err := e.bm25.Save(); err != nil {
			logger.GetLogger().Warn("保存 BM25 索引失败", zap.Error(err))
		}
	}
	logger.GetLogger().Info("BM25 索引已从向量库重建",
		zap.Int("chunks", len(chunks)),
		zap.Int("parents", e.parents.Count()))
	return nil
}

// Ingest parses the document at path and writes its chunks into both
// indexes. It returns the number of child chunks created. A PDF whose
// text layer is garbled or missing is skipped with zero chunks rather
// than failing the request.
func (e *Engine) Ingest(ctx context.Context, path, filename string) (int, error) {
	var (
		chunks  []chunk.Chunk
		parents map[string]string
	)

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".pdf":
		var err error
		chunks, parents, err = e.processor.Process(path, filename)
		if errors.Is(err, pdfproc.ErrGarbled) || errors.Is(err, pdfproc.ErrScanned) {
			logger.GetLogger().Warn("PDF 文本层不可用，跳过入库",
				zap.String("file", filename),
				zap.Error(err))
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
	case ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("读取 Markdown 文件失败: %w", err)
		}
		chunks, parents = chunk.ChunkMarkdown(filename, string(data), e.cfg.ChunkSize, e.cfg.ChunkOverlap)
	default:
		return 0, fmt.Errorf("不支持的文件类型: %s", ext)
	}

	if len(chunks) == 0 {
		logger.GetLogger().Warn("文档未产出任何分块", zap.String("file", filename))
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := e.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("生成向量失败: %w", err)
	}
	if err := e.store.AddChunks(ctx, chunks, embeddings); err != nil {
		return 0, err
	}

	e.bm25.Add(chunks)
	if err := e.bm25.Save(); err != nil {
		logger.GetLogger().Warn("保存 BM25 索引失败", zap.Error(err))
	}

	e.parents.Merge(parents)
	if err := e.parents.Save(); err != nil {
		logger.GetLogger().Warn("保存父文档失败", zap.Error(err))
	}

	e.invalidateSearchCache(ctx)
	logger.GetLogger().Info("文档入库完成",
		zap.String("file", filename),
		zap.Int("chunks", len(chunks)),
		zap.Int("parents", len(parents)))
	return len(chunks), nil
}

// DeleteDocument removes every trace of filename: vector store rows,
// parent sections and the sparse index, which is rebuilt from the
// remaining corpus.
func (e *Engine) DeleteDocument(ctx context.Context, filename string) (int64, error) {
	deleted, err := e.store.DeleteBySource(ctx, filename)
	if err != nil {
		return 0, err
	}

	dropped := e.parents.DeleteSource(filename)
	if err := e.parents.Save(); err != nil {
		logger.GetLogger().Warn("保存父文档失败", zap.Error(err))
	}

	remaining, err := e.store.AllChunks(ctx)
	if err != nil {
		return deleted, fmt.Errorf("重建 BM25 索引失败: %w", err)
	}
	e.bm25.Rebuild(remaining)
	if err := e.bm25.Save(); err != nil {
		logger.GetLogger().Warn("保存 BM25 索引失败", zap.Error(err))
	}

	e.invalidateSearchCache(ctx)
	logger.GetLogger().Info("文档已删除",
		zap.String("file", filename),
		zap.Int64("chunks", deleted),
		zap.Int("parents", dropped))
	return deleted, nil
}

// invalidateSearchCache drops cached retrieval results after a corpus
// mutation. Embedding vectors stay cached; they do not depend on the
// corpus contents.
func (e *Engine) invalidateSearchCache(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.ClearSearchResults(ctx); err != nil {
		logger.GetLogger().Warn("清理检索缓存失败", zap.Error(err))
	}
}

// ListDocuments returns the documents in the knowledge base with their
// chunk counts.
func (e *Engine) ListDocuments(ctx context.Context) ([]adapters.SourceStat, error) {
	return e.store.SourceStats(ctx)
}

// ClearAll wipes the knowledge base: vector store, sparse index, parent
// sections and, when enabled, the Redis cache.
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.store.DeleteAll(ctx); err != nil {
		return err
	}
	if err := e.bm25.Clear(); err != nil {
		logger.GetLogger().Warn("清理 BM25 索引文件失败", zap.Error(err))
	}
	if err := e.parents.Clear(); err != nil {
		logger.GetLogger().Warn("清理父文档文件失败", zap.Error(err))
	}
	if e.cache != nil {
		if err := e.cache.Clear(ctx); err != nil {
			logger.GetLogger().Warn("清理缓存失败", zap.Error(err))
		}
	}
	return nil
}

// DiscoverTools scans the ingested filenames for tools missing from the
// registry and returns the newly registered ids.
func (e *Engine) DiscoverTools(ctx context.Context) ([]string, error) {
	sources, err := e.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	return e.registry.Discover(sources), nil
}

// Tools returns the configured tool registry entries.
func (e *Engine) Tools() []tools.Tool {
	return e.registry.Tools()
}

// History exposes the conversation store for the HTTP layer.
func (e *Engine) History() *history.Store {
	return e.history
}
