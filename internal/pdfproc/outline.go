package pdfproc

import (
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// OutlineEntry is one flattened table-of-contents entry. Page is 1-based
// and filled in by resolvePages; the PDF outline itself carries only the
// title tree.
type OutlineEntry struct {
	Level int
	Title string
	Page  int
}

// flattenOutline walks the outline tree depth-first. The root node the
// reader returns is a container, so its children start at level 1.
func flattenOutline(node pdf.Outline, level int) []OutlineEntry {
	var entries []OutlineEntry
	if level > 0 && strings.TrimSpace(node.Title) != "" {
		entries = append(entries, OutlineEntry{
			Level: level,
			Title: strings.TrimSpace(node.Title),
		})
	}
	for _, child := range node.Child {
		entries = append(entries, flattenOutline(child, level+1)...)
	}
	return entries
}

var spaceRun = regexp.MustCompile(`\s+`)

// normalize collapses whitespace and lowercases, so titles survive the
// line wrapping the text extractor introduces.
func normalize(s string) string {
	return spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// resolvePages assigns a start page to each entry by scanning forward
// through the page texts for the entry's title. The scan cursor never
// moves backwards, which keeps section starts monotonic even when a
// title also appears in the table-of-contents pages. Unmatched titles
// inherit the cursor position.
func resolvePages(entries []OutlineEntry, pages []string) []OutlineEntry {
	normPages := make([]string, len(pages))
	for i, p := range pages {
		normPages[i] = normalize(p)
	}

	resolved := make([]OutlineEntry, len(entries))
	cursor := 1
	for i, entry := range entries {
		resolved[i] = entry
		title := normalize(entry.Title)

		page := 0
		for p := cursor; p <= len(pages); p++ {
			if strings.Contains(normPages[p-1], title) {
				page = p
				break
			}
		}
		if page == 0 {
			page = cursor
		}
		resolved[i].Page = page
		cursor = page
	}
	return resolved
}
