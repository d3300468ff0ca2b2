package agentic

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/clients/openai"
	"github.com/hsn0918/edakb/internal/engine"
	"github.com/hsn0918/edakb/internal/history"
)

// scriptedLLM returns canned replies in order and records every prompt.
type scriptedLLM struct {
	replies []string
	next    int
	prompts []string
	deltas  []string
}

func (s *scriptedLLM) Complete(ctx context.Context, messages []openai.Message) (string, error) {
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	if s.next >= len(s.replies) {
		return "", nil
	}
	reply := s.replies[s.next]
	s.next++
	return reply, nil
}

func (s *scriptedLLM) Stream(ctx context.Context, messages []openai.Message, fn func(delta string) error) error {
	s.prompts = append(s.prompts, messages[0].Content)
	for _, d := range s.deltas {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// fakeRetriever records queries and returns a fixed document set.
type fakeRetriever struct {
	docs    []chunk.Chunk
	queries []string
}

func (f *fakeRetriever) RetrieveAgentic(ctx context.Context, query string) ([]chunk.Chunk, error) {
	f.queries = append(f.queries, query)
	return f.docs, nil
}

func (f *fakeRetriever) AgenticContext(docs []chunk.Chunk) string {
	var parts []string
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return strings.Join(parts, "\n")
}

func testDoc(content string) chunk.Chunk {
	return chunk.Chunk{
		Content: content,
		Meta:    chunk.Metadata{Source: "pt_ug.pdf", ChunkID: "1"},
	}
}

func newController(t *testing.T, llm *scriptedLLM, retriever *fakeRetriever) *Controller {
	t.Helper()
	hist, err := history.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	return NewController(retriever, llm, hist)
}

func TestSolveDirectGenerate(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"no_retrieval"}}
	retriever := &fakeRetriever{}
	c := newController(t, llm, retriever)

	state, err := c.solve(context.Background(), "你好")
	require.NoError(t, err)
	assert.Equal(t, "generate", state.RouteDecision)
	assert.Zero(t, state.Iteration)
	assert.Empty(t, retriever.queries)
}

func TestSolveRetrieveRelevant(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"retrieve",
		`{"score": "yes", "reason": "covers the command"}`,
	}}
	retriever := &fakeRetriever{docs: []chunk.Chunk{testDoc("report_timing 用法")}}
	c := newController(t, llm, retriever)

	state, err := c.solve(context.Background(), "report_timing 怎么用")
	require.NoError(t, err)
	assert.Equal(t, "retrieve", state.RouteDecision)
	assert.Equal(t, "relevant", state.GradeDecision)
	assert.Equal(t, 1, state.Iteration)
	require.Len(t, state.Documents, 1)
}

func TestGradeStripsJSONFences(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"```json\n{\"score\": \"yes\", \"reason\": \"relevant\"}\n```",
	}}
	c := newController(t, llm, &fakeRetriever{})

	assert.True(t, c.gradeOne(context.Background(), "q", testDoc("doc")))
}

func TestGradeFallbackOnBrokenJSON(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"Yes, this document is clearly relevant."}}
	c := newController(t, llm, &fakeRetriever{})
	assert.True(t, c.gradeOne(context.Background(), "q", testDoc("doc")))

	llm2 := &scriptedLLM{replies: []string{"this is unrelated material"}}
	c2 := newController(t, llm2, &fakeRetriever{})
	assert.False(t, c2.gradeOne(context.Background(), "q", testDoc("doc")))
}

func TestRewriteLoopStopsAtIterationCap(t *testing.T) {
	no := `{"score": "no", "reason": "off topic"}`
	llm := &scriptedLLM{replies: []string{
		"retrieve",
		no, "改写后的查询一",
		no, "改写后的查询二",
		no,
	}}
	retriever := &fakeRetriever{docs: []chunk.Chunk{testDoc("irrelevant")}}
	c := newController(t, llm, retriever)

	state, err := c.solve(context.Background(), "原始问题")
	require.NoError(t, err)
	assert.Equal(t, maxIterations, state.Iteration)
	assert.Equal(t, "not_relevant", state.GradeDecision)
	assert.Equal(t, "改写后的查询二", state.CurrentQuery)
	assert.Equal(t, []string{"原始问题", "改写后的查询一", "改写后的查询二"}, retriever.queries)
	// 文档不会因打分被丢弃
	require.Len(t, state.Documents, 1)
}

func TestQueryReturnsMetadata(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"retrieve",
		`{"score": "yes", "reason": "ok"}`,
		"最终回答",
	}}
	retriever := &fakeRetriever{docs: []chunk.Chunk{testDoc("上下文内容")}}
	c := newController(t, llm, retriever)

	result, err := c.Query(context.Background(), "问题", "")
	require.NoError(t, err)
	assert.Equal(t, "最终回答", result.Answer)
	assert.NotEmpty(t, result.ConversationID)
	require.Len(t, result.Sources, 1)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, 1, result.Metadata.Iterations)
	assert.Equal(t, "retrieve", result.Metadata.Route)
	assert.Equal(t, "relevant", result.Metadata.Grade)
}

func TestQueryStreamEventFlow(t *testing.T) {
	llm := &scriptedLLM{
		replies: []string{
			"retrieve",
			`{"score": "yes", "reason": "ok"}`,
		},
		deltas: []string{"先", "后"},
	}
	retriever := &fakeRetriever{docs: []chunk.Chunk{testDoc("上下文内容")}}
	c := newController(t, llm, retriever)

	var events []engine.Event
	err := c.QueryStream(context.Background(), "问题", "conv-1", func(ev engine.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, "metadata", events[0].Type)
	assert.Equal(t, "conv-1", events[0].ConversationID)
	assert.Equal(t, "retrieve", events[0].Route)
	require.Len(t, events[0].Sources, 1)
	assert.Equal(t, "content", events[1].Type)
	assert.Equal(t, "done", events[3].Type)

	messages, err := c.history.Messages("conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "先后", messages[1].Content)
}

func TestQueryStreamDirectRouteUsesNoContext(t *testing.T) {
	llm := &scriptedLLM{
		replies: []string{"no_retrieval"},
		deltas:  []string{"直接回答"},
	}
	c := newController(t, llm, &fakeRetriever{})

	var events []engine.Event
	err := c.QueryStream(context.Background(), "你好", "conv-1", func(ev engine.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "generate", events[0].Route)
	assert.Empty(t, events[0].Sources)
	// 生成走的是无上下文提示
	last := llm.prompts[len(llm.prompts)-1]
	assert.Contains(t, last, noContext)
}
