package pdfproc

import (
	"net/url"
	"regexp"
	"strings"
)

// feedbackLink matches the feedback footer vendors embed in generated
// manuals.
var feedbackLink = regexp.MustCompile(`\[Feedback\]\(mailto:[^)]+\)`)

// convertPages produces a markdown rendition of each page: noise lines
// dropped, percent-encoded sequences decoded, and lines that match an
// outline title promoted to markdown headers so the slicer can find
// section boundaries.
func convertPages(pages []string, entries []OutlineEntry, noise map[string]struct{}) []string {
	headers := map[string]int{}
	for _, e := range entries {
		key := normalize(e.Title)
		if _, ok := headers[key]; !ok {
			level := e.Level
			if level < 1 {
				level = 1
			}
			if level > 6 {
				level = 6
			}
			headers[key] = level
		}
	}

	out := make([]string, len(pages))
	for i, page := range pages {
		out[i] = convertPage(page, headers, noise)
	}
	return out
}

func convertPage(page string, headers map[string]int, noise map[string]struct{}) string {
	page = feedbackLink.ReplaceAllString(page, "")
	if strings.Contains(page, "%") {
		if decoded, err := url.PathUnescape(page); err == nil {
			page = decoded
		}
	}

	var lines []string
	for _, line := range strings.Split(page, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if _, isNoise := noise[trimmed]; isNoise {
			continue
		}
		if level, ok := headers[normalize(trimmed)]; ok {
			lines = append(lines, strings.Repeat("#", level)+" "+trimmed)
			continue
		}
		lines = append(lines, trimmed)
	}
	return strings.Join(lines, "\n")
}
