package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistrySelfHeals(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir)

	require.Len(t, r.Tools(), 4)
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	assert.NoError(t, err)
}

func TestNewRegistryLoadsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := `{"tools":[{"id":"vcs","name":"VCS","filename_patterns":["vcs"],"query_keywords":["vcs"]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(cfg), 0o644))

	r := NewRegistry(dir)

	require.Len(t, r.Tools(), 1)
	assert.Equal(t, "vcs", r.Tools()[0].ID)
}

func TestMatchQueryWordBoundary(t *testing.T) {
	r := NewRegistry(t.TempDir())

	tool, ok := r.MatchQuery("How do I set clock uncertainty in PT?")
	require.True(t, ok)
	assert.Equal(t, "pt", tool.ID)

	// "pt" inside a longer word must not match
	_, ok = r.MatchQuery("explain the concept of a script")
	assert.False(t, ok)
}

func TestMatchQueryMultiWordKeyword(t *testing.T) {
	r := NewRegistry(t.TempDir())

	tool, ok := r.MatchQuery("fusion compiler 怎么做时序优化")
	require.True(t, ok)
	assert.Equal(t, "fc", tool.ID)
}

func TestLabelFor(t *testing.T) {
	r := NewRegistry(t.TempDir())

	assert.Equal(t, "PrimeTime (PT)", r.LabelFor("PT_UserGuide.pdf"))
	assert.Equal(t, "unknown.md", r.LabelFor("Unknown.md"))
}

func TestMatchesSource(t *testing.T) {
	r := NewRegistry(t.TempDir())
	tool, ok := r.MatchQuery("icc2 placement flow")
	require.True(t, ok)

	assert.True(t, tool.MatchesSource("ICC2_Implementation.pdf"))
	assert.False(t, tool.MatchesSource("starrc_ug.pdf"))
}

func TestDiscoverRegistersNewTool(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	added := r.Discover([]string{"starrc_ug.pdf", "PT_guide.pdf"})

	assert.Equal(t, []string{"starrc"}, added)
	tool, ok := r.MatchQuery("starrc extraction settings")
	require.True(t, ok)
	assert.Equal(t, "Starrc", tool.Name)

	// 配置应当已经持久化
	restored := NewRegistry(dir)
	assert.Len(t, restored.Tools(), 5)
}

func TestDiscoverSkipsCoveredAndShortNames(t *testing.T) {
	r := NewRegistry(t.TempDir())

	added := r.Discover([]string{"fc_flow.pdf", "ab_tiny.md"})

	assert.Empty(t, added)
}
