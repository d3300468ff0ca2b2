package pdfproc

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Quality pre-scan parameters. Pages at these indexes are sampled; a
// text layer is garbled when known corruption markers appear or too few
// characters are printable.
var sampleIndexes = []int{0, 50, 102}

const printableFloor = 0.70

// corruptionMarkers appear when a PDF's embedded fonts decode to nothing
// useful.
var corruptionMarkers = []string{"�", "(cid:"}

// checkQuality inspects sampled pages and returns ErrScanned for an
// empty text layer or ErrGarbled for a corrupted one.
func checkQuality(pages []string) error {
	var sample strings.Builder
	for _, idx := range sampleIndexes {
		if idx < len(pages) {
			sample.WriteString(pages[idx])
		}
	}

	text := sample.String()
	if strings.TrimSpace(text) == "" {
		return ErrScanned
	}

	for _, marker := range corruptionMarkers {
		if strings.Contains(text, marker) {
			return ErrGarbled
		}
	}

	total := utf8.RuneCountInString(text)
	printable := 0
	for _, r := range text {
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if float64(printable)/float64(total) < printableFloor {
		return ErrGarbled
	}
	return nil
}

// detectNoise finds repeated header and footer lines by sampling the
// first three and last three pages. A trimmed line counted once per page
// that shows up on more than half the sampled pages is noise. Very short
// and very long lines are ignored.
func detectNoise(pages []string) map[string]struct{} {
	var indexes []int
	for i := 0; i < 3 && i < len(pages); i++ {
		indexes = append(indexes, i)
	}
	if len(pages) > 3 {
		start := len(pages) - 3
		if start < 3 {
			start = 3
		}
		for i := start; i < len(pages); i++ {
			indexes = append(indexes, i)
		}
	}
	if len(indexes) == 0 {
		return nil
	}

	counts := map[string]int{}
	for _, idx := range indexes {
		seen := map[string]struct{}{}
		for _, line := range strings.Split(pages[idx], "\n") {
			line = strings.TrimSpace(line)
			if n := utf8.RuneCountInString(line); n < 4 || n > 100 {
				continue
			}
			seen[line] = struct{}{}
		}
		for line := range seen {
			counts[line]++
		}
	}

	threshold := float64(len(indexes)) * 0.5
	noise := map[string]struct{}{}
	for line, count := range counts {
		if float64(count) > threshold {
			noise[line] = struct{}{}
		}
	}
	return noise
}
