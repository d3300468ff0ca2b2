package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsn0918/edakb/internal/adapters"
	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/clients/openai"
	"github.com/hsn0918/edakb/internal/config"
	"github.com/hsn0918/edakb/internal/history"
	"github.com/hsn0918/edakb/internal/index"
	"github.com/hsn0918/edakb/internal/clients/rerank"
	"github.com/hsn0918/edakb/internal/parentdocs"
	"github.com/hsn0918/edakb/internal/tools"
)

type fakeLLM struct {
	reply     string
	err       error
	deltas    []string
	streamErr error
}

func (f *fakeLLM) Complete(ctx context.Context, messages []openai.Message) (string, error) {
	return f.reply, f.err
}

func (f *fakeLLM) Stream(ctx context.Context, messages []openai.Message, fn func(delta string) error) error {
	for _, d := range f.deltas {
		if err := fn(d); err != nil {
			return err
		}
	}
	return f.streamErr
}

type fakeStore struct {
	results []adapters.SearchResult
	sources []string
}

func (f *fakeStore) AddChunks(ctx context.Context, chunks []chunk.Chunk, embeddings [][]float32) error {
	return nil
}

func (f *fakeStore) SimilaritySearch(ctx context.Context, embedding []float32, k int) ([]adapters.SearchResult, error) {
	if k > len(f.results) {
		k = len(f.results)
	}
	return f.results[:k], nil
}

func (f *fakeStore) DeleteBySource(ctx context.Context, source string) (int64, error) {
	return 0, nil
}

func (f *fakeStore) DeleteAll(ctx context.Context) error { return nil }

func (f *fakeStore) Count(ctx context.Context) (int, error) { return len(f.results), nil }

func (f *fakeStore) AllChunks(ctx context.Context) ([]chunk.Chunk, error) {
	chunks := make([]chunk.Chunk, 0, len(f.results))
	for _, r := range f.results {
		chunks = append(chunks, r.Chunk)
	}
	return chunks, nil
}

func (f *fakeStore) ListSources(ctx context.Context) ([]string, error) { return f.sources, nil }

func (f *fakeStore) SourceStats(ctx context.Context) ([]adapters.SourceStat, error) {
	stats := make([]adapters.SourceStat, 0, len(f.sources))
	for _, s := range f.sources {
		stats = append(stats, adapters.SourceStat{Filename: s, Chunks: 1})
	}
	return stats, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeReranker struct {
	results []rerank.Result
	err     error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	return f.results, f.err
}

func mkChunk(source, chunkID, content string) chunk.Chunk {
	return chunk.Chunk{
		Content: content,
		Meta:    chunk.Metadata{Source: source, ChunkID: chunkID},
	}
}

func newTestEngine(t *testing.T, d Deps) *Engine {
	t.Helper()
	dataDir := t.TempDir()

	if d.Config.TopK == 0 {
		d.Config = config.RetrievalConfig{
			TopK:         10,
			RerankTopN:   5,
			VectorWeight: 0.5,
			BM25Weight:   0.5,
		}
	}
	if d.Store == nil {
		d.Store = &fakeStore{}
	}
	if d.Embedder == nil {
		d.Embedder = fakeEmbedder{}
	}
	if d.LLM == nil {
		d.LLM = &fakeLLM{}
	}
	if d.BM25 == nil {
		d.BM25 = index.NewBM25(index.NewTokenizer(""), dataDir)
	}
	if d.Parents == nil {
		d.Parents = parentdocs.NewStore(dataDir)
	}
	if d.Registry == nil {
		d.Registry = tools.NewRegistry(dataDir)
	}
	if d.History == nil {
		store, err := history.NewStore(dataDir)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		d.History = store
	}
	return New(d)
}

func TestComputeWeightsCommandQuery(t *testing.T) {
	e := newTestEngine(t, Deps{})

	vw, bw := e.computeWeights("how to use report_timing with -delay_type max")
	assert.Equal(t, 0.3, vw)
	assert.Equal(t, 0.7, bw)
}

func TestComputeWeightsShortKeywordQuery(t *testing.T) {
	e := newTestEngine(t, Deps{})

	vw, bw := e.computeWeights("clock tree synthesis")
	assert.Equal(t, 0.4, vw)
	assert.Equal(t, 0.6, bw)
}

func TestComputeWeightsConfiguredNormalized(t *testing.T) {
	e := newTestEngine(t, Deps{Config: config.RetrievalConfig{
		TopK:         10,
		RerankTopN:   5,
		VectorWeight: 0.6,
		BM25Weight:   0.2,
	}})

	vw, bw := e.computeWeights("怎么修复 hold violation 的问题呢")
	assert.InDelta(t, 0.75, vw, 1e-9)
	assert.InDelta(t, 0.25, bw, 1e-9)
}

func TestFuseRRFAccumulatesBothBranches(t *testing.T) {
	a := mkChunk("pt_ug.pdf", "1", "chunk a")
	b := mkChunk("pt_ug.pdf", "2", "chunk b")
	c := mkChunk("pt_ug.pdf", "3", "chunk c")

	dense := []adapters.SearchResult{{Chunk: a}, {Chunk: b}}
	sparse := []index.Result{{Chunk: b}, {Chunk: c}}

	fused := fuseRRF(dense, sparse, 0.5, 0.5, 10)
	require.Len(t, fused, 3)
	// b 同时出现在两个分支，得分最高
	assert.Equal(t, "chunk b", fused[0].Content)
	assert.Equal(t, "chunk a", fused[1].Content)
	assert.Equal(t, "chunk c", fused[2].Content)
}

func TestFuseRRFTieKeepsFirstSeen(t *testing.T) {
	a := mkChunk("pt_ug.pdf", "1", "dense hit")
	b := mkChunk("pt_ug.pdf", "2", "sparse hit")

	fused := fuseRRF(
		[]adapters.SearchResult{{Chunk: a}},
		[]index.Result{{Chunk: b}},
		0.5, 0.5, 10)
	require.Len(t, fused, 2)
	assert.Equal(t, "dense hit", fused[0].Content)
}

func TestFuseRRFHonorsTopK(t *testing.T) {
	dense := []adapters.SearchResult{
		{Chunk: mkChunk("s.pdf", "1", "one")},
		{Chunk: mkChunk("s.pdf", "2", "two")},
		{Chunk: mkChunk("s.pdf", "3", "three")},
	}

	fused := fuseRRF(dense, nil, 1.0, 0.0, 2)
	assert.Len(t, fused, 2)
}

func TestGenerateQueriesParsesReply(t *testing.T) {
	e := newTestEngine(t, Deps{LLM: &fakeLLM{
		reply: "QUERY1: report_timing 时序报告命令\n随便一行\nQUERY2:\nQUERY3: 原始问题\nQUERY4: setup violation 修复方法",
	}})

	queries := e.generateQueries(context.Background(), "原始问题")
	assert.Equal(t, []string{
		"原始问题",
		"report_timing 时序报告命令",
		"setup violation 修复方法",
	}, queries)
}

func TestGenerateQueriesLLMFailure(t *testing.T) {
	e := newTestEngine(t, Deps{LLM: &fakeLLM{err: errors.New("upstream down")}})

	queries := e.generateQueries(context.Background(), "原始问题")
	assert.Equal(t, []string{"原始问题"}, queries)
}

func TestRerankFallbackOnError(t *testing.T) {
	e := newTestEngine(t, Deps{Reranker: &fakeReranker{err: errors.New("rerank down")}})
	docs := []chunk.Chunk{
		mkChunk("a.pdf", "1", "one"),
		mkChunk("a.pdf", "2", "two"),
		mkChunk("a.pdf", "3", "three"),
	}

	out := e.rerankDocuments(context.Background(), "q", docs, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "one", out[0].Content)
	assert.Equal(t, "two", out[1].Content)
}

func TestRerankReorders(t *testing.T) {
	e := newTestEngine(t, Deps{Reranker: &fakeReranker{results: []rerank.Result{
		{Index: 2, RelevanceScore: 0.9},
		{Index: 0, RelevanceScore: 0.4},
	}}})
	docs := []chunk.Chunk{
		mkChunk("a.pdf", "1", "one"),
		mkChunk("a.pdf", "2", "two"),
		mkChunk("a.pdf", "3", "three"),
	}

	out := e.rerankDocuments(context.Background(), "q", docs, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "three", out[0].Content)
	assert.Equal(t, "one", out[1].Content)
}

func TestFilterBySourcePriorityReordersForNamedTool(t *testing.T) {
	e := newTestEngine(t, Deps{})
	docs := []chunk.Chunk{
		mkChunk("fc_ug.pdf", "1", "fc doc"),
		mkChunk("pt_ug.pdf", "2", "pt doc"),
		mkChunk("icc2_ug.pdf", "3", "icc2 doc"),
	}

	out := e.filterBySourcePriority("how to set clock uncertainty in pt", docs)
	require.Len(t, out, 2)
	assert.Equal(t, "pt doc", out[0].Content)
	assert.Equal(t, "primary", out[0].Meta.SourceRole)
	assert.Equal(t, "fc doc", out[1].Content)
	assert.Equal(t, "supplementary", out[1].Meta.SourceRole)
}

func TestFilterBySourcePriorityNoToolMentioned(t *testing.T) {
	e := newTestEngine(t, Deps{})
	docs := []chunk.Chunk{
		mkChunk("fc_ug.pdf", "1", "fc doc"),
		mkChunk("other.pdf", "2", "other doc"),
	}

	out := e.filterBySourcePriority("什么是时钟树综合", docs)
	require.Len(t, out, 2)
	assert.Empty(t, out[0].Meta.SourceRole)
}

func TestQueryStreamEventOrder(t *testing.T) {
	parent := parentdocs.NewStore(t.TempDir())
	parent.Merge(map[string]string{
		"pt_ug.pdf_sec_000_Timing": "完整的父章节内容，关于时序检查的全部说明。",
	})

	child := chunk.Chunk{
		Content: "[Source: pt_ug.pdf] > Timing\n\n关于时序检查的说明",
		Meta: chunk.Metadata{
			Source:   "pt_ug.pdf",
			ChunkID:  "pt_ug.pdf_sec_000_Timing_0",
			ParentID: "pt_ug.pdf_sec_000_Timing",
			Section:  "Timing",
		},
	}

	e := newTestEngine(t, Deps{
		Store:   &fakeStore{results: []adapters.SearchResult{{Chunk: child, Score: 0.9}}},
		LLM:     &fakeLLM{deltas: []string{"先检查", "时序约束"}},
		Parents: parent,
	})

	var events []Event
	err := e.QueryStream(context.Background(), "时序检查怎么做", "", func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "metadata", events[0].Type)
	assert.NotEmpty(t, events[0].ConversationID)
	require.Len(t, events[0].Sources, 1)
	assert.Equal(t, "pt_ug.pdf", events[0].Sources[0].Source)

	assert.Equal(t, "content", events[1].Type)
	assert.Equal(t, "先检查", events[1].Content)
	assert.Equal(t, "content", events[2].Type)
	assert.Equal(t, "done", events[len(events)-1].Type)

	// 对话历史里应有用户提问和完整回答
	messages, err := e.History().Messages(events[0].ConversationID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "先检查时序约束", messages[1].Content)
	assert.NotNil(t, messages[1].Sources)
}

func TestQueryStreamEmitsErrorEvent(t *testing.T) {
	e := newTestEngine(t, Deps{
		LLM: &fakeLLM{deltas: []string{"部分"}, streamErr: errors.New("connection reset")},
	})

	var types []string
	err := e.QueryStream(context.Background(), "问题", "", func(ev Event) error {
		types = append(types, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"metadata", "content", "error", "done"}, types)
}

func TestQueryCollectsStream(t *testing.T) {
	e := newTestEngine(t, Deps{
		LLM: &fakeLLM{deltas: []string{"答案", "在这里"}},
	})

	result, err := e.Query(context.Background(), "问题", "")
	require.NoError(t, err)
	assert.Equal(t, "答案在这里", result.Answer)
	assert.NotEmpty(t, result.ConversationID)
}
