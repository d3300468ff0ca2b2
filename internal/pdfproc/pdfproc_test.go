package pdfproc

import (
	"strings"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckQualityScanned(t *testing.T) {
	assert.ErrorIs(t, checkQuality([]string{"", "  \n ", ""}), ErrScanned)
	assert.ErrorIs(t, checkQuality(nil), ErrScanned)
}

func TestCheckQualityCorruptionMarker(t *testing.T) {
	assert.ErrorIs(t, checkQuality([]string{"normal text (cid:123) more"}), ErrGarbled)
	assert.ErrorIs(t, checkQuality([]string{"text with � replacement"}), ErrGarbled)
}

func TestCheckQualityCleanText(t *testing.T) {
	assert.NoError(t, checkQuality([]string{"电压设置说明\nvoltage setup guide"}))
}

func TestCheckQualityLowPrintableRatio(t *testing.T) {
	garbled := strings.Repeat("\x01\x02\x03", 50) + "ok"
	assert.ErrorIs(t, checkQuality([]string{garbled}), ErrGarbled)
}

func TestDetectNoiseRepeatedHeader(t *testing.T) {
	header := "Synopsys Confidential Information"
	pages := make([]string, 8)
	for i := range pages {
		pages[i] = header + "\ncontent line for page\n" + "Page footer text"
	}
	pages[1] = "content only page"

	noise := detectNoise(pages)

	_, ok := noise[header]
	assert.True(t, ok)
	_, ok = noise["Page footer text"]
	assert.True(t, ok)
	_, ok = noise["content line for page"]
	assert.True(t, ok)
}

func TestDetectNoiseIgnoresShortAndLongLines(t *testing.T) {
	long := strings.Repeat("x", 120)
	pages := []string{"ab\n" + long, "ab\n" + long, "ab\n" + long}

	noise := detectNoise(pages)

	assert.Empty(t, noise)
}

func TestFlattenOutline(t *testing.T) {
	root := pdf.Outline{
		Child: []pdf.Outline{
			{Title: "Chapter 1", Child: []pdf.Outline{
				{Title: "Section 1.1"},
				{Title: "Section 1.2"},
			}},
			{Title: "Chapter 2"},
		},
	}

	entries := flattenOutline(root, 0)

	require.Len(t, entries, 4)
	assert.Equal(t, OutlineEntry{Level: 1, Title: "Chapter 1"}, entries[0])
	assert.Equal(t, OutlineEntry{Level: 2, Title: "Section 1.1"}, entries[1])
	assert.Equal(t, OutlineEntry{Level: 2, Title: "Section 1.2"}, entries[2])
	assert.Equal(t, OutlineEntry{Level: 1, Title: "Chapter 2"}, entries[3])
}

func TestResolvePagesForwardScan(t *testing.T) {
	pages := []string{
		"Title Page",
		"intro text",
		"Chapter  One\nbody",
		"more body",
		"Chapter Two\nbody",
	}
	entries := []OutlineEntry{
		{Level: 1, Title: "Chapter One"},
		{Level: 1, Title: "Chapter Two"},
	}

	resolved := resolvePages(entries, pages)

	assert.Equal(t, 3, resolved[0].Page)
	assert.Equal(t, 5, resolved[1].Page)
}

func TestResolvePagesUnmatchedInheritsCursor(t *testing.T) {
	pages := []string{"Chapter One here", "body"}
	entries := []OutlineEntry{
		{Level: 1, Title: "Chapter One"},
		{Level: 2, Title: "Missing Section"},
	}

	resolved := resolvePages(entries, pages)

	assert.Equal(t, 1, resolved[0].Page)
	assert.Equal(t, 1, resolved[1].Page)
}

func TestConvertPagePromotesHeadersAndDropsNoise(t *testing.T) {
	headers := map[string]int{normalize("Chapter One"): 1}
	noise := map[string]struct{}{"Confidential Footer": {}}

	md := convertPage("Chapter One\nsome body text\nConfidential Footer\n", headers, noise)

	assert.Equal(t, "# Chapter One\nsome body text", md)
}

func TestConvertPageStripsFeedbackLinks(t *testing.T) {
	md := convertPage("before [Feedback](mailto:docs@example.com) after", nil, nil)

	assert.Equal(t, "before  after", md)
}

func TestSliceStructural(t *testing.T) {
	// Outline A(p1) B(p5) C(p10); the header of C leaks onto page 9, so
	// section B must stop before it.
	pagesMD := make([]string, 12)
	for i := range pagesMD {
		pagesMD[i] = "page body"
	}
	pagesMD[0] = "# A\nsection a text"
	pagesMD[4] = "## B\nsection b text"
	pagesMD[8] = "tail of b\n# C"
	pagesMD[9] = "# C\nsection c text"

	entries := []OutlineEntry{
		{Level: 1, Title: "A", Page: 1},
		{Level: 2, Title: "B", Page: 5},
		{Level: 1, Title: "C", Page: 10},
	}

	chunks, parents := slice("file.pdf", entries, pagesMD)

	require.Contains(t, parents, "file.pdf_sec_000_A")
	require.Contains(t, parents, "file.pdf_sec_001_B")
	require.Contains(t, parents, "file.pdf_sec_002_C")

	// A 截止到 B 的页前
	assert.NotContains(t, parents["file.pdf_sec_000_A"], "section b")
	// B 在 "# C" 处被强制截断
	assert.Contains(t, parents["file.pdf_sec_001_B"], "tail of b")
	assert.NotContains(t, parents["file.pdf_sec_001_B"], "# C")

	require.NotEmpty(t, chunks)
	assert.Equal(t, "file.pdf_sec_000_A_0", chunks[0].Meta.ChunkID)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "[Source: file.pdf] > A"))
}

func TestSliceHierarchyContextPath(t *testing.T) {
	pagesMD := []string{"# Top\nintro", "## Inner\ndetail"}
	entries := []OutlineEntry{
		{Level: 1, Title: "Top", Page: 1},
		{Level: 2, Title: "Inner", Page: 2},
	}

	chunks, _ := slice("guide.pdf", entries, pagesMD)

	require.Len(t, chunks, 2)
	assert.Equal(t, "[Source: guide.pdf] > Top", chunks[0].Meta.Context)
	assert.Equal(t, "[Source: guide.pdf] > Top > Inner", chunks[1].Meta.Context)
}

func TestSliceSplitsLargeSection(t *testing.T) {
	var body strings.Builder
	for i := 0; i < 400; i++ {
		body.WriteString("long section line\n")
	}
	pagesMD := []string{"# Only\n" + body.String()}
	entries := []OutlineEntry{{Level: 1, Title: "Only", Page: 1}}

	chunks, parents := slice("big.pdf", entries, pagesMD)

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, "big.pdf_sec_000_Only", c.Meta.ParentID)
		assert.Equal(t, i, c.Meta.ChildIndex)
		assert.True(t, strings.HasPrefix(c.Content, "[Source: big.pdf] > Only\n\n"))
	}
	assert.Contains(t, parents["big.pdf_sec_000_Only"], "long section line")
}

func TestSliceSanitizesTitles(t *testing.T) {
	pagesMD := []string{"body text"}
	entries := []OutlineEntry{{Level: 1, Title: "时序 & Timing/Check", Page: 1}}

	_, parents := slice("m.pdf", entries, pagesMD)

	require.Len(t, parents, 1)
	for id := range parents {
		assert.Equal(t, "m.pdf_sec_000______Timing_Check", id)
	}
}
