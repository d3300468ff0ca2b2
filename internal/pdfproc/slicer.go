package pdfproc

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hsn0918/edakb/internal/chunk"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// slice carves the page markdown into one parent per outline entry and
// emits the child chunks. Section i spans from its start page to the page
// before entry i+1, then gets strictly truncated at the next section's
// header if the header appears inside the slice. The truncation is what
// keeps a section from absorbing the start of the next one when both live
// on the same page.
func slice(filename string, entries []OutlineEntry, pagesMD []string) ([]chunk.Chunk, map[string]string) {
	splitter := chunk.NewRecursiveSplitter(MaxChunkSize, chunkOverlap, chunk.PlainSeparators)

	var chunks []chunk.Chunk
	parents := map[string]string{}
	hierarchy := map[int]string{}

	for i, entry := range entries {
		hierarchy[entry.Level] = entry.Title
		for lvl := range hierarchy {
			if lvl > entry.Level {
				delete(hierarchy, lvl)
			}
		}
		contextPath := buildContextPath(filename, hierarchy)

		start := entry.Page - 1
		end := len(pagesMD) - 1
		if i+1 < len(entries) {
			end = entries[i+1].Page - 2
		}
		if start < 0 {
			start = 0
		}
		if end > len(pagesMD)-1 {
			end = len(pagesMD) - 1
		}
		if start > end {
			continue
		}

		raw := strings.Join(pagesMD[start:end+1], "\n\n")
		if i+1 < len(entries) {
			raw = truncateAtNextHeader(raw, entries[i+1].Title)
		}
		cleaned := strings.TrimSpace(raw)
		if cleaned == "" {
			continue
		}

		safeTitle := nonAlnum.ReplaceAllString(entry.Title, "_")
		if len(safeTitle) > 50 {
			safeTitle = safeTitle[:50]
		}
		parentID := fmt.Sprintf("%s_sec_%03d_%s", filename, i, safeTitle)
		parents[parentID] = cleaned

		var pieces []string
		if utf8.RuneCountInString(cleaned) <= MaxChunkSize*3/2 {
			pieces = []string{cleaned}
		} else {
			pieces = splitter.Split(cleaned)
		}

		for idx, piece := range pieces {
			chunks = append(chunks, chunk.Chunk{
				Content: contextPath + "\n\n" + piece,
				Meta: chunk.Metadata{
					Source:     filename,
					ChunkID:    fmt.Sprintf("%s_%d", parentID, idx),
					ParentID:   parentID,
					Section:    entry.Title,
					Context:    contextPath,
					SourceRole: "primary",
					ChildIndex: idx,
				},
			})
		}
	}

	return chunks, parents
}

// buildContextPath renders "[Source: file] > h1 > h2" from the live
// hierarchy levels in ascending order.
func buildContextPath(filename string, hierarchy map[int]string) string {
	levels := make([]int, 0, len(hierarchy))
	for lvl := range hierarchy {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	var sb strings.Builder
	sb.WriteString("[Source: " + filename + "]")
	for _, lvl := range levels {
		sb.WriteString(" > " + hierarchy[lvl])
	}
	return sb.String()
}

// truncateAtNextHeader cuts the slice at the markdown header of the next
// section when present. Title whitespace is matched loosely because the
// converter may rewrap it.
func truncateAtNextHeader(raw, nextTitle string) string {
	escaped := strings.ReplaceAll(regexp.QuoteMeta(nextTitle), " ", `\s+`)
	pattern, err := regexp.Compile(`(?i)\n#{1,6}\s+` + escaped + `\s*(\n|$)`)
	if err != nil {
		return raw
	}
	if loc := pattern.FindStringIndex(raw); loc != nil {
		return strings.TrimSpace(raw[:loc[0]])
	}
	return raw
}
