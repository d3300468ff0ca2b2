package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	s := NewRecursiveSplitter(500, 100, nil)

	chunks := s.Split("hello world")

	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0])
}

func TestSplitEmptyText(t *testing.T) {
	s := NewRecursiveSplitter(500, 100, nil)

	assert.Nil(t, s.Split(""))
	assert.Nil(t, s.Split("   \n  "))
}

func TestSplitOnParagraphBoundary(t *testing.T) {
	s := NewRecursiveSplitter(8, 0, PlainSeparators)

	chunks := s.Split("aaaa\n\nbbbb")

	assert.Equal(t, []string{"aaaa", "bbbb"}, chunks)
}

func TestSplitRespectsChunkSize(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("第一段内容。")
		if i%5 == 4 {
			sb.WriteString("\n\n")
		}
	}
	s := NewRecursiveSplitter(50, 10, nil)

	chunks := s.Split(sb.String())

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, runeLen(c), 50, "chunk %q exceeds limit", c)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
}

func TestSplitOversizedPieceFallsToFinerSeparator(t *testing.T) {
	// No paragraph or line breaks, so splitting must fall through to the
	// sentence separator.
	text := "这是第一句话。这是第二句话。这是第三句话。"
	s := NewRecursiveSplitter(10, 0, nil)

	chunks := s.Split(text)

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, runeLen(c), 10)
	}
	assert.Contains(t, chunks[0], "这是第一句话")
}

func TestSplitKeepingSeparatorRestoresText(t *testing.T) {
	pieces := splitKeepingSeparator("a\n\nb\n\nc", "\n\n")

	assert.Equal(t, []string{"a", "\n\nb", "\n\nc"}, pieces)
	assert.Equal(t, "a\n\nb\n\nc", strings.Join(pieces, ""))
}

func TestSplitKeepingEmptySeparator(t *testing.T) {
	pieces := splitKeepingSeparator("中ab", "")

	assert.Equal(t, []string{"中", "a", "b"}, pieces)
}
