// Package adapters 封装向量数据库访问，提供稠密检索分支的存取接口。
package adapters

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/logger"
)

// AddBatchSize 是单次写入的分块上限，超出的按批提交。
const AddBatchSize = 4000

// SearchResult 表示一次相似度搜索命中，Score 为余弦相似度。
type SearchResult struct {
	Chunk chunk.Chunk
	Score float64
}

// SourceStat 表示一个文档及其分块数量。
type SourceStat struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
}

// VectorStore 定义向量库操作的接口。
type VectorStore interface {
	AddChunks(ctx context.Context, chunks []chunk.Chunk, embeddings [][]float32) error
	SimilaritySearch(ctx context.Context, embedding []float32, k int) ([]SearchResult, error)
	DeleteBySource(ctx context.Context, source string) (int64, error)
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	AllChunks(ctx context.Context) ([]chunk.Chunk, error)
	ListSources(ctx context.Context) ([]string, error)
	SourceStats(ctx context.Context) ([]SourceStat, error)
}

// PostgresVectorStore 使用 PostgreSQL 和 pgvector 实现 VectorStore。
type PostgresVectorStore struct {
	pool *pgxpool.Pool
}

var _ VectorStore = (*PostgresVectorStore)(nil)

// NewPostgresVectorStore 连接数据库并准备好分块表。
func NewPostgresVectorStore(ctx context.Context, dsn string, dimensions int) (*PostgresVectorStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("无法连接到数据库: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("数据库 ping 失败: %w", err)
	}
	logger.GetLogger().Info("成功连接到 PostgreSQL 数据库")

	if _, err = pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("无法启用 vector 扩展: %w", err)
	}

	createTable := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS doc_chunks (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		chunk_key TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding vector(%d),
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);`, dimensions)
	if _, err = pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("无法创建 doc_chunks 表: %w", err)
	}
	if _, err = pool.Exec(ctx,
		"CREATE INDEX IF NOT EXISTS idx_doc_chunks_source ON doc_chunks(source);"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("无法创建 source 索引: %w", err)
	}
	logger.GetLogger().Info("doc_chunks 表已准备就绪", zap.Int("dimensions", dimensions))

	return &PostgresVectorStore{pool: pool}, nil
}

// Close 释放连接池。
func (s *PostgresVectorStore) Close() {
	s.pool.Close()
}

// AddChunks 批量写入分块及其向量，chunk_key 冲突时覆盖旧内容。
func (s *PostgresVectorStore) AddChunks(ctx context.Context, chunks []chunk.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("分块数 %d 与向量数 %d 不一致", len(chunks), len(embeddings))
	}

	const insert = `
		INSERT INTO doc_chunks (chunk_key, source, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chunk_key) DO UPDATE
		SET content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata`

	for start := 0; start < len(chunks); start += AddBatchSize {
		end := start + AddBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			metadataJSON, err := sonic.Marshal(chunks[i].Meta)
			if err != nil {
				return fmt.Errorf("序列化 metadata 失败: %w", err)
			}
			batch.Queue(insert,
				chunks[i].Key(),
				chunks[i].Meta.Source,
				chunks[i].Content,
				pgvector.NewVector(embeddings[i]),
				metadataJSON)
		}

		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("写入分块批次失败: %w", err)
		}
		logger.GetLogger().Info("分块批次已写入",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("total", len(chunks)))
	}
	return nil
}

// SimilaritySearch 以余弦相似度检索最相近的 k 个分块。
func (s *PostgresVectorStore) SimilaritySearch(ctx context.Context, embedding []float32, k int) ([]SearchResult, error) {
	const query = `
		SELECT content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM doc_chunks
		ORDER BY embedding <=> $1
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("查询相似分块失败: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			content      string
			metadataJSON []byte
			score        float64
		)
		if err := rows.Scan(&content, &metadataJSON, &score); err != nil {
			logger.GetLogger().Error("扫描搜索结果失败", zap.Error(err))
			continue
		}

		var meta chunk.Metadata
		if len(metadataJSON) > 0 {
			if err := sonic.Unmarshal(metadataJSON, &meta); err != nil {
				logger.GetLogger().Error("解析 metadata 失败", zap.Error(err))
			}
		}
		results = append(results, SearchResult{
			Chunk: chunk.Chunk{Content: content, Meta: meta},
			Score: score,
		})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历搜索结果失败: %w", err)
	}
	return results, nil
}

// DeleteBySource 删除指定文档的全部分块并返回删除数量。
func (s *PostgresVectorStore) DeleteBySource(ctx context.Context, source string) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM doc_chunks WHERE source = $1", source)
	if err != nil {
		return 0, fmt.Errorf("删除文档分块失败: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAll 清空全部分块。
func (s *PostgresVectorStore) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM doc_chunks"); err != nil {
		return fmt.Errorf("清空分块失败: %w", err)
	}
	return nil
}

// Count 返回当前分块总数。
func (s *PostgresVectorStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM doc_chunks").Scan(&count); err != nil {
		return 0, fmt.Errorf("统计分块数量失败: %w", err)
	}
	return count, nil
}

// AllChunks 按稳定顺序取回全部分块，用于重建关键词索引。
func (s *PostgresVectorStore) AllChunks(ctx context.Context) ([]chunk.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT content, metadata FROM doc_chunks ORDER BY source, chunk_key")
	if err != nil {
		return nil, fmt.Errorf("读取全部分块失败: %w", err)
	}
	defer rows.Close()

	var chunks []chunk.Chunk
	for rows.Next() {
		var (
			content      string
			metadataJSON []byte
		)
		if err := rows.Scan(&content, &metadataJSON); err != nil {
			return nil, fmt.Errorf("扫描分块失败: %w", err)
		}
		var meta chunk.Metadata
		if len(metadataJSON) > 0 {
			if err := sonic.Unmarshal(metadataJSON, &meta); err != nil {
				logger.GetLogger().Error("解析 metadata 失败", zap.Error(err))
			}
		}
		chunks = append(chunks, chunk.Chunk{Content: content, Meta: meta})
	}
	return chunks, rows.Err()
}

// SourceStats 按文档统计分块数量。
func (s *PostgresVectorStore) SourceStats(ctx context.Context) ([]SourceStat, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT source, COUNT(*) FROM doc_chunks GROUP BY source ORDER BY source")
	if err != nil {
		return nil, fmt.Errorf("统计文档分块失败: %w", err)
	}
	defer rows.Close()

	var stats []SourceStat
	for rows.Next() {
		var stat SourceStat
		if err := rows.Scan(&stat.Filename, &stat.Chunks); err != nil {
			return nil, fmt.Errorf("扫描文档统计失败: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// ListSources 列出已入库的文档名。
func (s *PostgresVectorStore) ListSources(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT source FROM doc_chunks ORDER BY source")
	if err != nil {
		return nil, fmt.Errorf("读取文档列表失败: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("扫描文档名失败: %w", err)
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}
