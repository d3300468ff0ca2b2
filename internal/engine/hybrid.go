package engine

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hsn0918/edakb/internal/adapters"
	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/clients/openai"
	"github.com/hsn0918/edakb/internal/index"
	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/prompts"
)

// rrfK is the standard Reciprocal Rank Fusion damping constant.
const rrfK = 60

// maxOtherDocs caps how many chunks from non-matching tools survive the
// source priority filter.
const maxOtherDocs = 1

// commandPattern matches EDA shell command names such as
// report_timing or set_clock_uncertainty.
var commandPattern = regexp.MustCompile(`(?i)\b(set|get|report|check|remove|reset|create|read)_\w+`)

// questionMarkers are the characters that signal a natural-language
// question rather than a bare keyword lookup.
const questionMarkers = "？?怎么如何什么"

// computeWeights picks the dense/sparse balance for one query. Command
// style queries lean on exact keyword matching; short keyword queries
// lean the same way but less; everything else uses the configured split
// normalized to sum one.
func (e *Engine) computeWeights(query string) (vectorWeight, bm25Weight float64) {
	if commandPattern.MatchString(query) {
		return 0.3, 0.7
	}
	if len(strings.Fields(query)) <= 3 && !strings.ContainsAny(query, questionMarkers) {
		return 0.4, 0.6
	}

	vw, bw := e.cfg.VectorWeight, e.cfg.BM25Weight
	total := vw + bw
	if total <= 0 {
		return 0.5, 0.5
	}
	return vw / total, bw / total
}

// generateQueries expands the question into multiple search queries. The
// original question always leads; LLM failure degrades to it alone.
func (e *Engine) generateQueries(ctx context.Context, question string) []string {
	queries := []string{question}

	reply, err := e.llm.Complete(ctx, []openai.Message{
		{Role: "user", Content: prompts.MultiQuery(question)},
	})
	if err != nil {
		logger.GetLogger().Warn("多查询改写失败，仅使用原始问题", zap.Error(err))
		return queries
	}

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "QUERY") {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		query := strings.TrimSpace(line[colon+1:])
		if query == "" || query == question {
			continue
		}
		queries = append(queries, query)
	}
	return queries
}

// hybridSearch runs the dense and sparse branches concurrently and fuses
// them with weighted RRF.
func (e *Engine) hybridSearch(ctx context.Context, query string, topK int) ([]chunk.Chunk, error) {
	if e.cache != nil {
		var cached []chunk.Chunk
		if found, err := e.cache.GetSearchResults(ctx, query, &cached); err == nil && found && len(cached) >= topK {
			return cached[:topK], nil
		}
	}

	vectorWeight, bm25Weight := e.computeWeights(query)

	var (
		dense  []adapters.SearchResult
		sparse []index.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := e.embedder.EmbedQuery(gctx, query)
		if err != nil {
			return err
		}
		dense, err = e.store.SimilaritySearch(gctx, vec, topK)
		return err
	})
	g.Go(func() error {
		sparse = e.bm25.Search(query, topK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuseRRF(dense, sparse, vectorWeight, bm25Weight, topK)
	if e.cache != nil && len(fused) > 0 {
		if err := e.cache.CacheSearchResults(ctx, query, fused); err != nil {
			logger.GetLogger().Warn("缓存检索结果失败", zap.Error(err))
		}
	}
	logger.GetLogger().Debug("混合检索完成",
		zap.String("query", query),
		zap.Int("dense", len(dense)),
		zap.Int("sparse", len(sparse)),
		zap.Int("fused", len(fused)),
		zap.Float64("vector_weight", vectorWeight))
	return fused, nil
}

// fuseRRF merges the two ranked lists with weighted Reciprocal Rank
// Fusion. A chunk appearing in both lists accumulates both
// contributions. Ties keep first-seen order, dense list first.
func fuseRRF(dense []adapters.SearchResult, sparse []index.Result, vectorWeight, bm25Weight float64, topK int) []chunk.Chunk {
	scores := map[string]float64{}
	docs := map[string]chunk.Chunk{}
	var order []string

	for rank, r := range dense {
		key := r.Chunk.Key()
		if _, seen := scores[key]; !seen {
			order = append(order, key)
			docs[key] = r.Chunk
		}
		scores[key] += vectorWeight / float64(rrfK+rank)
	}
	for rank, r := range sparse {
		key := r.Chunk.Key()
		if _, seen := scores[key]; !seen {
			order = append(order, key)
			docs[key] = r.Chunk
		}
		scores[key] += bm25Weight / float64(rrfK+rank)
	}

	sorted := append([]string(nil), order...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return scores[sorted[i]] > scores[sorted[j]]
	})

	if topK > len(sorted) {
		topK = len(sorted)
	}
	out := make([]chunk.Chunk, 0, topK)
	for _, key := range sorted[:topK] {
		out = append(out, docs[key])
	}
	return out
}

// rerankDocuments reorders the candidates with the cross-encoder and
// keeps the topN. A rerank failure falls back to the fused order so
// retrieval quality degrades instead of the request failing.
func (e *Engine) rerankDocuments(ctx context.Context, query string, docs []chunk.Chunk, topN int) []chunk.Chunk {
	if len(docs) == 0 {
		return docs
	}
	if topN > len(docs) {
		topN = len(docs)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	results, err := e.reranker.Rerank(ctx, query, texts, topN)
	if err != nil || len(results) == 0 {
		logger.GetLogger().Warn("重排失败，保持融合排序",
			zap.Error(err),
			zap.Int("candidates", len(docs)))
		return docs[:topN]
	}

	out := make([]chunk.Chunk, 0, len(results))
	for _, r := range results {
		if r.Index >= 0 && r.Index < len(docs) {
			out = append(out, docs[r.Index])
		}
	}
	if len(out) == 0 {
		return docs[:topN]
	}
	return out
}

// filterBySourcePriority reorders candidates when the question names a
// specific tool: that tool's chunks become primary, and at most one
// chunk from other tools survives as supplementary reference. Questions
// that name no tool pass through untouched.
func (e *Engine) filterBySourcePriority(question string, docs []chunk.Chunk) []chunk.Chunk {
	tool, ok := e.registry.MatchQuery(question)
	if !ok {
		return docs
	}

	var matching, other []chunk.Chunk
	for _, d := range docs {
		if tool.MatchesSource(d.Meta.Source) {
			d.Meta.SourceRole = "primary"
			matching = append(matching, d)
		} else {
			d.Meta.SourceRole = "supplementary"
			other = append(other, d)
		}
	}

	if len(other) > maxOtherDocs {
		other = other[:maxOtherDocs]
	}
	logger.GetLogger().Info("按工具过滤检索结果",
		zap.String("tool", tool.ID),
		zap.Int("primary", len(matching)),
		zap.Int("supplementary", len(other)))
	return append(matching, other...)
}

// retrieveClassic is the retrieval half of the classic pipeline: query
// expansion, per-query hybrid search with the budget split across
// queries, dedup, source priority filtering and reranking.
func (e *Engine) retrieveClassic(ctx context.Context, question string) ([]chunk.Chunk, error) {
	queries := e.generateQueries(ctx, question)
	perQuery := e.cfg.TopK/len(queries) + 5

	seen := map[string]struct{}{}
	var candidates []chunk.Chunk
	for _, q := range queries {
		results, err := e.hybridSearch(ctx, q, perQuery)
		if err != nil {
			return nil, err
		}
		for _, d := range results {
			key := d.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, d)
		}
	}

	candidates = e.filterBySourcePriority(question, candidates)

	if e.cfg.RerankEnabled && e.reranker != nil {
		return e.rerankDocuments(ctx, question, candidates, e.cfg.RerankTopN), nil
	}
	if len(candidates) > e.cfg.RerankTopN {
		candidates = candidates[:e.cfg.RerankTopN]
	}
	return candidates, nil
}

// RetrieveAgentic is the retrieval step of the agentic loop. Unlike the
// classic pipeline each expanded query gets the full topK budget, and
// dedup runs on chunk content so rewritten queries converging on the
// same text do not double it.
func (e *Engine) RetrieveAgentic(ctx context.Context, query string) ([]chunk.Chunk, error) {
	queries := e.generateQueries(ctx, query)

	seen := map[string]struct{}{}
	var all []chunk.Chunk
	for _, q := range queries {
		results, err := e.hybridSearch(ctx, q, e.cfg.TopK)
		if err != nil {
			return nil, err
		}
		for _, d := range results {
			if _, ok := seen[d.Content]; ok {
				continue
			}
			seen[d.Content] = struct{}{}
			all = append(all, d)
		}
	}

	all = e.filterBySourcePriority(query, all)

	if e.cfg.RerankEnabled && e.reranker != nil && len(all) > 0 {
		return e.rerankDocuments(ctx, query, all, e.cfg.RerankTopN), nil
	}
	if len(all) > e.cfg.RerankTopN {
		all = all[:e.cfg.RerankTopN]
	}
	return all, nil
}
