package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `# 用户手册

工具的总体介绍。

## 安装

执行安装脚本即可。

## 配置

修改 config.yaml 中的字段。

### 高级选项

高级选项说明。
`

func TestParseSectionsHierarchy(t *testing.T) {
	sections := ParseSections(sampleDoc)

	require.Len(t, sections, 4)
	assert.Equal(t, []string{"用户手册"}, sections[0].Path)
	assert.Equal(t, "工具的总体介绍。", sections[0].Content)
	assert.Equal(t, []string{"用户手册", "安装"}, sections[1].Path)
	assert.Equal(t, []string{"用户手册", "配置"}, sections[2].Path)
	assert.Equal(t, []string{"用户手册", "配置", "高级选项"}, sections[3].Path)
	assert.Equal(t, "高级选项说明。", sections[3].Content)
}

func TestParseSectionsResetsDeeperLevels(t *testing.T) {
	doc := "# A\n\n## B\n\ntext b\n\n# C\n\ntext c\n"

	sections := ParseSections(doc)

	require.Len(t, sections, 2)
	assert.Equal(t, []string{"A", "B"}, sections[0].Path)
	assert.Equal(t, []string{"C"}, sections[1].Path)
}

func TestParseSectionsPreamble(t *testing.T) {
	doc := "前言内容。\n\n# 标题\n\n正文。\n"

	sections := ParseSections(doc)

	require.Len(t, sections, 2)
	assert.Empty(t, sections[0].Path)
	assert.Equal(t, "前言内容。", sections[0].Content)
}

func TestChunkMarkdownParentIDs(t *testing.T) {
	chunks, parents := ChunkMarkdown("manual.md", sampleDoc, 500, 100)

	require.Len(t, chunks, 4)
	assert.Equal(t, "manual.md::用户手册", chunks[0].Meta.ParentID)
	assert.Equal(t, "manual.md::用户手册 > 安装", chunks[1].Meta.ParentID)
	assert.Equal(t, "manual.md::用户手册 > 配置 > 高级选项", chunks[3].Meta.ParentID)

	assert.Equal(t, "工具的总体介绍。", parents["manual.md::用户手册"])
	assert.Equal(t, sampleDoc, parents["manual.md::full_text"])
}

func TestChunkMarkdownSequentialChunkIDs(t *testing.T) {
	chunks, _ := ChunkMarkdown("manual.md", sampleDoc, 500, 100)

	for i, c := range chunks {
		assert.Equal(t, []string{"0", "1", "2", "3"}[i], c.Meta.ChunkID)
		assert.Equal(t, "manual.md", c.Meta.Source)
		assert.Equal(t, "primary", c.Meta.SourceRole)
	}
	assert.Equal(t, "manual.md_2", chunks[2].Key())
}

func TestChunkMarkdownSplitsLargeSection(t *testing.T) {
	var body strings.Builder
	for i := 0; i < 80; i++ {
		body.WriteString("这个小节非常长需要被切开。")
	}
	doc := "# 标题\n\n" + body.String() + "\n"

	chunks, parents := ChunkMarkdown("big.md", doc, 500, 100)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.Equal(t, "big.md::标题", c.Meta.ParentID)
		assert.LessOrEqual(t, runeLen(c.Content), 500)
	}
	// 父文档保留完整小节
	assert.Equal(t, body.String(), parents["big.md::标题"])
	for i, c := range chunks {
		assert.Equal(t, i, c.Meta.ChildIndex)
	}
}

func TestChunkMarkdownPlainTextFallsBackToPositionalSections(t *testing.T) {
	chunks, parents := ChunkMarkdown("notes.md", "没有任何标题的内容。", 500, 100)

	require.Len(t, chunks, 1)
	assert.Equal(t, "notes.md::Section_0", chunks[0].Meta.ParentID)
	assert.Equal(t, "Section_0", chunks[0].Meta.Section)
	assert.Contains(t, parents, "notes.md::Section_0")
}
