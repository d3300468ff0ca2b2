package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/clients/openai"
	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/prompts"
	"github.com/hsn0918/edakb/internal/utils"
)

// sourcePreviewLen is the rune budget for the short source excerpt.
const sourcePreviewLen = 300

// Event is one frame of a streaming answer. Type is one of "metadata",
// "content", "error" and "done".
type Event struct {
	Type           string   `json:"type"`
	Content        string   `json:"content,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Sources        []Source `json:"sources,omitempty"`
	// Route is only set on agentic metadata events and records the
	// router's decision.
	Route string `json:"route,omitempty"`
}

// Source is one citation attached to an answer. Content is a short
// preview, FullContent the whole child chunk.
type Source struct {
	Content     string `json:"content"`
	FullContent string `json:"full_content"`
	Source      string `json:"source"`
	ChunkID     string `json:"chunk_id"`
	Section     string `json:"section"`
}

// BuildSources turns retrieved child chunks into the citation payload.
func BuildSources(docs []chunk.Chunk) []Source {
	sources := make([]Source, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, Source{
			Content:     utils.Preview(d.Content, sourcePreviewLen),
			FullContent: d.Content,
			Source:      d.Meta.Source,
			ChunkID:     d.Meta.ChunkID,
			Section:     d.Meta.Section,
		})
	}
	return sources
}

// ensureConversation returns the id to record this exchange under,
// creating a fresh conversation when none was supplied.
func (e *Engine) ensureConversation(conversationID string) string {
	if conversationID != "" {
		return conversationID
	}
	id, err := e.history.CreateConversation("New Chat")
	if err != nil {
		logger.GetLogger().Warn("创建会话失败", zap.Error(err))
		return uuid.New().String()
	}
	return id
}

// QueryStream answers the question over the classic pipeline and emits
// the result incrementally: a metadata event with the conversation id
// and sources first, then content deltas, then done. An LLM streaming
// failure surfaces as an error event; the exchange is still recorded.
func (e *Engine) QueryStream(ctx context.Context, question, conversationID string, emit func(Event) error) error {
	conversationID = e.ensureConversation(conversationID)
	if err := e.history.AddMessage(conversationID, "user", question, nil); err != nil {
		logger.GetLogger().Warn("保存用户消息失败", zap.Error(err))
	}

	topDocs, err := e.retrieveClassic(ctx, question)
	if err != nil {
		return err
	}

	contextDocs := e.expandToParents(topDocs)
	if len(contextDocs) == 0 {
		contextDocs = topDocs
	}
	contextStr := e.enrichContext(contextDocs)
	sources := BuildSources(topDocs)

	if err := emit(Event{
		Type:           "metadata",
		ConversationID: conversationID,
		Sources:        sources,
	}); err != nil {
		return err
	}

	messages := []openai.Message{
		{Role: "system", Content: prompts.GenerationSystem(contextStr)},
		{Role: "user", Content: question},
	}

	var answer strings.Builder
	streamErr := e.llm.Stream(ctx, messages, func(delta string) error {
		answer.WriteString(delta)
		return emit(Event{Type: "content", Content: delta})
	})
	if streamErr != nil {
		logger.GetLogger().Error("流式生成失败", zap.Error(streamErr))
		if err := emit(Event{Type: "error", Content: streamErr.Error()}); err != nil {
			return err
		}
	}

	if err := e.history.AddMessage(conversationID, "assistant", answer.String(), sources); err != nil {
		logger.GetLogger().Warn("保存回答失败", zap.Error(err))
	}

	return emit(Event{Type: "done"})
}

// AgenticMeta summarizes how the agentic loop arrived at its answer.
type AgenticMeta struct {
	Iterations int    `json:"iterations"`
	Route      string `json:"route"`
	Grade      string `json:"grade"`
}

// Answer is the non-streaming query result. Metadata is only present on
// agentic answers.
type Answer struct {
	Answer         string       `json:"answer"`
	Sources        []Source     `json:"sources"`
	ConversationID string       `json:"conversation_id"`
	Metadata       *AgenticMeta `json:"metadata,omitempty"`
}

// Query runs the classic pipeline to completion and returns the full
// answer.
func (e *Engine) Query(ctx context.Context, question, conversationID string) (*Answer, error) {
	result := &Answer{Sources: []Source{}}
	var answer strings.Builder

	err := e.QueryStream(ctx, question, conversationID, func(ev Event) error {
		switch ev.Type {
		case "metadata":
			result.Sources = ev.Sources
			result.ConversationID = ev.ConversationID
		case "content":
			answer.WriteString(ev.Content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Answer = answer.String()
	return result, nil
}

// GenerationMessages assembles the prompt pair for answer generation
// from an already formatted context block. Shared with the agentic loop.
func GenerationMessages(question, contextStr string) []openai.Message {
	return []openai.Message{
		{Role: "system", Content: prompts.GenerationSystem(contextStr)},
		{Role: "user", Content: question},
	}
}

// Complete runs a blocking chat completion against the configured model.
func (e *Engine) Complete(ctx context.Context, messages []openai.Message) (string, error) {
	return e.llm.Complete(ctx, messages)
}

// Stream runs a streaming chat completion against the configured model.
func (e *Engine) Stream(ctx context.Context, messages []openai.Message, fn func(delta string) error) error {
	return e.llm.Stream(ctx, messages, fn)
}
