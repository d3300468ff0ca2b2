package index

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsn0918/edakb/internal/chunk"
)

func newTestChunk(id, content string) chunk.Chunk {
	return chunk.Chunk{
		Content: content,
		Meta: chunk.Metadata{
			Source:  "doc.md",
			ChunkID: id,
		},
	}
}

func newTestIndex(t *testing.T) *BM25 {
	t.Helper()
	return NewBM25(NewTokenizer(""), t.TempDir())
}

func TestTokenizeFiltersWhitespaceAndLowercases(t *testing.T) {
	tok := NewTokenizer("")

	tokens := tok.Tokenize("Hello  World")

	assert.Equal(t, []string{"hello", "world"}, tokens)
}

func TestTokenizeChinese(t *testing.T) {
	tok := NewTokenizer("")

	tokens := tok.Tokenize("设置电压参数的方法")

	require.NotEmpty(t, tokens)
	for _, tk := range tokens {
		assert.NotEmpty(t, strings.TrimSpace(tk))
	}
}

func TestSearchRanksMatchingDocumentFirst(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{
		newTestChunk("0", "voltage setting guide"),
		newTestChunk("1", "current measurement basics"),
		newTestChunk("2", "power report overview"),
		newTestChunk("3", "timing check steps"),
	})

	results := idx.Search("voltage", 2)

	require.NotEmpty(t, results)
	assert.Equal(t, "0", results[0].Chunk.Meta.ChunkID)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newTestIndex(t)

	assert.Nil(t, idx.Search("anything", 5))
}

func TestAddReplacesExistingKey(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{newTestChunk("0", "old content")})
	idx.Add([]chunk.Chunk{newTestChunk("0", "replacement text about voltage")})

	assert.Equal(t, 1, idx.Count())
	results := idx.Search("voltage", 1)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Chunk.Content, "replacement")
}

func TestRebuildReplacesCorpus(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add([]chunk.Chunk{
		newTestChunk("0", "first"),
		newTestChunk("1", "second"),
	})

	idx.Rebuild([]chunk.Chunk{newTestChunk("9", "only survivor")})

	assert.Equal(t, 1, idx.Count())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tok := NewTokenizer("")

	idx := NewBM25(tok, dir)
	idx.Add([]chunk.Chunk{
		newTestChunk("0", "voltage setting guide"),
		newTestChunk("1", "current measurement basics"),
		newTestChunk("2", "power report overview"),
	})
	require.NoError(t, idx.Save())

	restored := NewBM25(tok, dir)
	require.True(t, restored.Load(3))
	assert.Equal(t, 3, restored.Count())

	results := restored.Search("voltage", 1)
	require.Len(t, results, 1)
	assert.Equal(t, "0", results[0].Chunk.Meta.ChunkID)
}

func TestLoadRejectsCountMismatch(t *testing.T) {
	dir := t.TempDir()
	tok := NewTokenizer("")

	idx := NewBM25(tok, dir)
	idx.Add([]chunk.Chunk{newTestChunk("0", "content")})
	require.NoError(t, idx.Save())

	restored := NewBM25(tok, dir)
	assert.False(t, restored.Load(2))
	assert.Equal(t, 0, restored.Count())
}

func TestLoadMissingFile(t *testing.T) {
	idx := newTestIndex(t)

	assert.False(t, idx.Load(0))
}

func TestClearRemovesPersistedFile(t *testing.T) {
	dir := t.TempDir()
	idx := NewBM25(NewTokenizer(""), dir)
	idx.Add([]chunk.Chunk{newTestChunk("0", "content")})
	require.NoError(t, idx.Save())

	require.NoError(t, idx.Clear())

	assert.Equal(t, 0, idx.Count())
	_, err := os.Stat(filepath.Join(dir, IndexFileName))
	assert.True(t, os.IsNotExist(err))
}
