// Package agentic runs the self-correcting answer loop: a router decides
// whether the question needs retrieval at all, retrieved documents are
// graded for relevance, and irrelevant rounds trigger a query rewrite
// before retrying. Generation always runs on the last retrieved set.
package agentic

import (
	"context"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/clients/openai"
	"github.com/hsn0918/edakb/internal/engine"
	"github.com/hsn0918/edakb/internal/history"
	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/prompts"
	"github.com/hsn0918/edakb/internal/utils"
)

const (
	// maxIterations bounds the retrieve → grade → rewrite loop.
	maxIterations = 3
	// gradeSnippetLen is the rune budget per document handed to the
	// grading prompt.
	gradeSnippetLen = 1000

	noContext = "No specific context needed."
)

// Retriever is the slice of the engine the loop needs.
type Retriever interface {
	RetrieveAgentic(ctx context.Context, query string) ([]chunk.Chunk, error)
	AgenticContext(docs []chunk.Chunk) string
}

// State carries the loop's working set across nodes.
type State struct {
	Question      string
	CurrentQuery  string
	Documents     []chunk.Chunk
	Iteration     int
	RouteDecision string
	GradeDecision string
}

// Controller wires the loop's collaborators.
type Controller struct {
	retriever Retriever
	llm       engine.ChatModel
	history   *history.Store
}

func NewController(retriever Retriever, llm engine.ChatModel, hist *history.Store) *Controller {
	return &Controller{retriever: retriever, llm: llm, history: hist}
}

// route asks the router whether the question needs retrieval. An LLM
// failure falls toward retrieval, the branch that can still ground the
// answer.
func (c *Controller) route(ctx context.Context, state *State) {
	reply, err := c.llm.Complete(ctx, []openai.Message{
		{Role: "user", Content: prompts.Router(state.Question)},
	})
	if err != nil {
		logger.GetLogger().Warn("路由判断失败，默认走检索", zap.Error(err))
		state.RouteDecision = "retrieve"
		return
	}

	decision := strings.ToLower(strings.TrimSpace(reply))
	if strings.Contains(decision, "retrieve") {
		state.RouteDecision = "retrieve"
	} else {
		state.RouteDecision = "generate"
	}
	logger.GetLogger().Info("路由决策",
		zap.String("decision", state.RouteDecision))
}

// retrieve runs one retrieval round with the current query.
func (c *Controller) retrieve(ctx context.Context, state *State) error {
	docs, err := c.retriever.RetrieveAgentic(ctx, state.CurrentQuery)
	if err != nil {
		return err
	}
	state.Documents = docs
	state.Iteration++
	logger.GetLogger().Info("检索完成",
		zap.Int("iteration", state.Iteration),
		zap.Int("documents", len(docs)))
	return nil
}

type gradeReply struct {
	Score  string `json:"score"`
	Reason string `json:"reason"`
}

// gradeOne judges one document's relevance. Malformed JSON degrades to a
// substring check on the raw reply.
func (c *Controller) gradeOne(ctx context.Context, question string, doc chunk.Chunk) bool {
	snippet := utils.TruncateRunes(doc.Content, gradeSnippetLen)
	reply, err := c.llm.Complete(ctx, []openai.Message{
		{Role: "user", Content: prompts.Grade(question, snippet)},
	})
	if err != nil {
		logger.GetLogger().Warn("文档打分失败", zap.Error(err))
		return false
	}

	cleaned := strings.ReplaceAll(reply, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	var grade gradeReply
	if err := sonic.UnmarshalString(cleaned, &grade); err == nil {
		return strings.Contains(strings.ToLower(grade.Score), "yes")
	}
	return strings.Contains(strings.ToLower(reply), "yes")
}

// grade evaluates the retrieved set. It only steers the loop: documents
// are never dropped, so a false negative cannot starve generation.
func (c *Controller) grade(ctx context.Context, state *State) {
	if len(state.Documents) == 0 {
		state.GradeDecision = "not_relevant"
		return
	}

	relevant := 0
	for _, doc := range state.Documents {
		if c.gradeOne(ctx, state.CurrentQuery, doc) {
			relevant++
		}
	}
	if relevant > 0 {
		state.GradeDecision = "relevant"
	} else {
		state.GradeDecision = "not_relevant"
	}
	logger.GetLogger().Info("相关性打分完成",
		zap.Int("relevant", relevant),
		zap.Int("total", len(state.Documents)),
		zap.String("decision", state.GradeDecision))
}

// routeAfterGrade decides the next node: generate once the documents are
// relevant or the iteration budget is spent, otherwise rewrite.
func (c *Controller) routeAfterGrade(state *State) string {
	if state.Iteration >= maxIterations {
		logger.GetLogger().Warn("达到最大迭代次数，使用当前文档生成",
			zap.Int("iterations", state.Iteration))
		return "generate"
	}
	if state.GradeDecision == "relevant" {
		return "generate"
	}
	return "rewrite"
}

// rewrite reformulates the search query. A failure keeps the current
// query so the loop still makes progress toward the iteration cap.
func (c *Controller) rewrite(ctx context.Context, state *State) {
	reply, err := c.llm.Complete(ctx, []openai.Message{
		{Role: "user", Content: prompts.Rewrite(state.Question, state.CurrentQuery)},
	})
	if err != nil {
		logger.GetLogger().Warn("查询改写失败", zap.Error(err))
		return
	}
	state.CurrentQuery = strings.TrimSpace(reply)
	logger.GetLogger().Info("查询已改写",
		zap.String("query", state.CurrentQuery))
}

// solve runs the loop up to, but not including, generation.
func (c *Controller) solve(ctx context.Context, question string) (*State, error) {
	state := &State{Question: question, CurrentQuery: question}

	c.route(ctx, state)
	if state.RouteDecision != "retrieve" {
		return state, nil
	}

	for {
		if err := c.retrieve(ctx, state); err != nil {
			return nil, err
		}
		c.grade(ctx, state)
		if c.routeAfterGrade(state) == "generate" {
			return state, nil
		}
		c.rewrite(ctx, state)
	}
}

// generationContext renders the context block for the final answer. A
// direct-generate route answers without references.
func (c *Controller) generationContext(state *State) string {
	if state.RouteDecision == "generate" || len(state.Documents) == 0 {
		return noContext
	}
	return c.retriever.AgenticContext(state.Documents)
}

// Query answers the question with the full loop and returns the final
// answer with its citations and loop metadata.
func (c *Controller) Query(ctx context.Context, question, conversationID string) (*engine.Answer, error) {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	state, err := c.solve(ctx, question)
	if err != nil {
		return nil, err
	}

	answer, err := c.llm.Complete(ctx,
		engine.GenerationMessages(question, c.generationContext(state)))
	if err != nil {
		return nil, err
	}

	sources := engine.BuildSources(state.Documents)
	if err := c.history.AddMessage(conversationID, "user", question, nil); err != nil {
		logger.GetLogger().Warn("保存用户消息失败", zap.Error(err))
	}
	if err := c.history.AddMessage(conversationID, "assistant", answer, sources); err != nil {
		logger.GetLogger().Warn("保存回答失败", zap.Error(err))
	}

	return &engine.Answer{
		Answer:         answer,
		Sources:        sources,
		ConversationID: conversationID,
		Metadata: &engine.AgenticMeta{
			Iterations: state.Iteration,
			Route:      state.RouteDecision,
			Grade:      state.GradeDecision,
		},
	}, nil
}

// QueryStream runs the loop first, then streams the generation. The
// metadata event carries the router decision alongside the sources.
func (c *Controller) QueryStream(ctx context.Context, question, conversationID string, emit func(engine.Event) error) error {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	if err := c.history.AddMessage(conversationID, "user", question, nil); err != nil {
		logger.GetLogger().Warn("保存用户消息失败", zap.Error(err))
	}

	state, err := c.solve(ctx, question)
	if err != nil {
		return err
	}

	sources := engine.BuildSources(state.Documents)
	if err := emit(engine.Event{
		Type:           "metadata",
		ConversationID: conversationID,
		Sources:        sources,
		Route:          state.RouteDecision,
	}); err != nil {
		return err
	}

	messages := engine.GenerationMessages(question, c.generationContext(state))

	var answer strings.Builder
	streamErr := c.llm.Stream(ctx, messages, func(delta string) error {
		answer.WriteString(delta)
		return emit(engine.Event{Type: "content", Content: delta})
	})
	if streamErr != nil {
		logger.GetLogger().Error("流式生成失败", zap.Error(streamErr))
		if err := emit(engine.Event{Type: "error", Content: streamErr.Error()}); err != nil {
			return err
		}
	}

	if err := c.history.AddMessage(conversationID, "assistant", answer.String(), sources); err != nil {
		logger.GetLogger().Warn("保存回答失败", zap.Error(err))
	}
	return emit(engine.Event{Type: "done"})
}
