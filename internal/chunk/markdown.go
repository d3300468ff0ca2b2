package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxHeaderLevel is the deepest heading that starts a new section; deeper
// headings stay inside their section's content.
const maxHeaderLevel = 3

// Section is one header-delimited region of a markdown document.
type Section struct {
	Path    []string // heading titles from h1 down to the section's own level
	Content string
}

// ParseSections walks the markdown AST and splits the document at h1-h3
// headings. Content before the first heading becomes a section with an
// empty path.
func ParseSections(source string) []Section {
	md := goldmark.New()
	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))

	var sections []Section
	hierarchy := map[int]string{}
	var current *strings.Builder
	currentOpen := false

	flush := func() {
		if !currentOpen {
			return
		}
		content := strings.TrimSpace(current.String())
		if content != "" {
			var path []string
			for lvl := 1; lvl <= maxHeaderLevel; lvl++ {
				if title, ok := hierarchy[lvl]; ok {
					path = append(path, title)
				}
			}
			sections = append(sections, Section{Path: path, Content: content})
		}
		currentOpen = false
	}

	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Kind() == ast.KindDocument {
			return ast.WalkContinue, nil
		}
		// 只处理顶层块级节点
		if node.Parent() == nil || node.Parent().Kind() != ast.KindDocument {
			return ast.WalkSkipChildren, nil
		}

		if heading, ok := node.(*ast.Heading); ok && heading.Level <= maxHeaderLevel {
			flush()
			hierarchy[heading.Level] = extractText(heading, src)
			for lvl := heading.Level + 1; lvl <= maxHeaderLevel; lvl++ {
				delete(hierarchy, lvl)
			}
			current = &strings.Builder{}
			currentOpen = true
			return ast.WalkSkipChildren, nil
		}

		if !currentOpen {
			current = &strings.Builder{}
			currentOpen = true
		}
		current.WriteString(rawContent(node, src))
		current.WriteString("\n\n")
		return ast.WalkSkipChildren, nil
	})
	flush()

	return sections
}

// ChunkMarkdown produces child chunks and the parent section map for a
// markdown document. Parent ids take the form "<file>::<h1 > h2 > h3>";
// sections without headings fall back to positional names. Sections longer
// than the child chunk size are split recursively with the CJK-aware
// separator set.
func ChunkMarkdown(filename, source string, chunkSize, overlap int) ([]Chunk, map[string]string) {
	childSize := chunkSize
	if childSize > 500 {
		childSize = 500
	}
	splitter := NewRecursiveSplitter(childSize, overlap, DefaultSeparators)

	parents := make(map[string]string)
	// 整篇原文也作为父文档保留，便于窗口扩展时取全文
	parents[filename+"::full_text"] = source
	var chunks []Chunk

	sections := ParseSections(source)
	if len(sections) == 0 {
		// 解析不到任何结构时退化为平铺切分
		for idx, piece := range splitter.Split(source) {
			parentID := fmt.Sprintf("%s::fallback_%d", filename, idx)
			parents[parentID] = piece
			chunks = append(chunks, Chunk{
				Content: piece,
				Meta: Metadata{
					Source:     filename,
					ChunkID:    strconv.Itoa(idx),
					ParentID:   parentID,
					SourceRole: "primary",
				},
			})
		}
		return chunks, parents
	}

	chunkID := 0
	for idx, section := range sections {
		sectionName := strings.Join(section.Path, " > ")
		if sectionName == "" {
			sectionName = fmt.Sprintf("Section_%d", idx)
		}
		parentID := filename + "::" + sectionName
		parents[parentID] = section.Content

		parentSection := ""
		if len(section.Path) > 0 {
			parentSection = section.Path[0]
		}

		pieces := []string{section.Content}
		if runeLen(section.Content) > childSize {
			pieces = splitter.Split(section.Content)
		}

		for childIdx, piece := range pieces {
			chunks = append(chunks, Chunk{
				Content: piece,
				Meta: Metadata{
					Source:     filename,
					ChunkID:    strconv.Itoa(chunkID),
					ParentID:   parentID,
					Section:    sectionName,
					Context:    parentSection,
					SourceRole: "primary",
					ChildIndex: childIdx,
				},
			})
			chunkID++
		}
	}

	return chunks, parents
}

// extractText collects the plain text of a node's inline children.
func extractText(node ast.Node, src []byte) string {
	var buf strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if textNode, ok := n.(*ast.Text); ok {
				buf.Write(textNode.Segment.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

// rawContent returns the source text spanned by a block node.
func rawContent(node ast.Node, src []byte) string {
	if hasLines, ok := node.(interface{ Lines() *text.Segments }); ok {
		lines := hasLines.Lines()
		if lines.Len() > 0 {
			start := lines.At(0).Start
			stop := lines.At(lines.Len() - 1).Stop
			return strings.TrimRight(string(src[start:stop]), "\n")
		}
	}
	// 列表等容器节点没有自己的行，拼接子节点内容
	var parts []string
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if part := rawContent(child, src); part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	return extractText(node, src)
}
