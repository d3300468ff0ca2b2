package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/logger"
	"github.com/hsn0918/edakb/internal/utils"
)

const (
	// maxParentCount caps how many parent sections one answer may carry.
	maxParentCount = 8
	// maxParentSize is the rune threshold above which a parent section is
	// windowed around the matched child instead of used whole.
	maxParentSize = 8000
	// windowSize is the rune width of that window.
	windowSize = 2000

	// maxContextChunkLen caps one reference block in the generation
	// context, trimmed back to a sentence boundary when possible.
	maxContextChunkLen = 2500
)

// expandToParents swaps the retrieved child chunks for their parent
// sections, giving the generator whole sections instead of fragments.
// Duplicate parents collapse to one entry. Oversized parents are
// windowed around the child's position so the context stays bounded.
func (e *Engine) expandToParents(docs []chunk.Chunk) []chunk.Chunk {
	seen := map[string]struct{}{}
	var out []chunk.Chunk

	for _, d := range docs {
		if len(out) >= maxParentCount {
			break
		}
		parentID := d.Meta.ParentID
		if parentID == "" {
			continue
		}
		if _, ok := seen[parentID]; ok {
			continue
		}
		seen[parentID] = struct{}{}

		parentText, ok := e.parents.Get(parentID)
		if !ok {
			logger.GetLogger().Debug("父文档缺失",
				zap.String("parent_id", parentID))
			continue
		}

		content, windowed := windowParent(parentText, d.Content)
		out = append(out, chunk.Chunk{
			Content: content,
			Meta: chunk.Metadata{
				Source:     d.Meta.Source,
				Section:    d.Meta.Section,
				ParentID:   parentID,
				Context:    d.Meta.Context,
				SourceRole: d.Meta.SourceRole,
				ChunkID:    d.Meta.ChunkID,
				IsParent:   true,
				IsWindowed: windowed,
			},
		})
	}
	return out
}

// windowParent returns the parent text to put in the context. Parents
// within the size budget pass through whole. Larger parents get a
// windowSize slice centered on where the child chunk sits; when the
// child cannot be located, the head of the section is used.
func windowParent(parentText, childContent string) (string, bool) {
	parentRunes := []rune(parentText)
	if len(parentRunes) <= maxParentSize {
		return parentText, false
	}

	// 子块内容带有上下文头，取最后一段做定位
	childText := childContent
	if i := strings.LastIndex(childContent, "\n\n"); i >= 0 {
		childText = childContent[i+2:]
	}
	marker := utils.TruncateRunes(childText, 200)

	byteStart := strings.Index(parentText, marker)
	if marker == "" || byteStart < 0 {
		return utils.TruncateRunes(parentText, windowSize) + "...", true
	}

	runeStart := len([]rune(parentText[:byteStart]))
	center := runeStart + len([]rune(childText))/2
	start := center - windowSize/2
	if start < 0 {
		start = 0
	}
	end := center + windowSize/2
	if end > len(parentRunes) {
		end = len(parentRunes)
	}

	window := string(parentRunes[start:end])
	if start > 0 {
		window = "..." + window
	}
	if end < len(parentRunes) {
		window += "..."
	}
	return window, true
}

// roleTag renders the source role marker used in context headers. The
// zero value counts as primary.
func roleTag(role string) string {
	if role == "" || role == "primary" {
		return "主要来源"
	}
	return "⚠️ 补充参考(来自其他工具)"
}

// trimToSentence cuts content to maxContextChunkLen runes, backing up to
// the last sentence boundary when one exists past the halfway mark.
func trimToSentence(content string) string {
	runes := []rune(content)
	if len(runes) <= maxContextChunkLen {
		return content
	}

	truncated := runes[:maxContextChunkLen]
	lastBoundary := -1
	for i, r := range truncated {
		if r == '。' || r == '.' || r == '\n' {
			lastBoundary = i
		}
	}
	if lastBoundary > maxContextChunkLen/2 {
		return string(truncated[:lastBoundary+1]) + "\n[...truncated]"
	}
	return string(truncated) + "..."
}

// enrichContext renders the expanded sections into the reference block
// fed to the generation prompt, one numbered entry per section with its
// tool, source and role attribution.
func (e *Engine) enrichContext(docs []chunk.Chunk) string {
	parts := make([]string, 0, len(docs))
	for i, d := range docs {
		header := fmt.Sprintf("[参考%d | 工具: %s | 来源: %s | %s",
			i+1, e.registry.LabelFor(d.Meta.Source), d.Meta.Source, roleTag(d.Meta.SourceRole))
		if d.Meta.Section != "" {
			header += " | 章节: " + d.Meta.Section
		}
		header += "]"
		parts = append(parts, header+"\n"+trimToSentence(d.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// AgenticContext builds the generation context for the agentic loop:
// parent expansion first, then the compact numbered format. Falls back
// to the child chunks when no parent is known.
func (e *Engine) AgenticContext(docs []chunk.Chunk) string {
	if len(docs) == 0 {
		return "无相关上下文"
	}

	contextDocs := e.expandToParents(docs)
	if len(contextDocs) == 0 {
		contextDocs = docs
	}
	if len(contextDocs) > e.cfg.RerankTopN {
		contextDocs = contextDocs[:e.cfg.RerankTopN]
	}

	parts := make([]string, 0, len(contextDocs))
	for i, d := range contextDocs {
		parts = append(parts, fmt.Sprintf("[%d] 工具: %s | 来源: %s | %s\n%s\n",
			i+1, e.registry.LabelFor(d.Meta.Source), d.Meta.Source,
			roleTag(d.Meta.SourceRole), d.Content))
	}
	return strings.Join(parts, "\n")
}
