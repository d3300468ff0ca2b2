package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators orders boundaries from paragraph down to single
// characters, with CJK sentence punctuation between line and word level.
var DefaultSeparators = []string{"\n\n", "\n", "。", "！", "？", "；", ",", " ", ""}

// PlainSeparators is the reduced set used for PDF section text where
// sentence punctuation is unreliable after conversion.
var PlainSeparators = []string{"\n\n", "\n", " ", ""}

// RecursiveSplitter splits text into chunks of at most ChunkSize runes by
// recursively trying coarser separators first and falling back to finer
// ones. Adjacent chunks share up to Overlap runes of trailing context.
type RecursiveSplitter struct {
	ChunkSize  int
	Overlap    int
	Separators []string
}

// NewRecursiveSplitter builds a splitter. A nil separator list selects
// DefaultSeparators.
func NewRecursiveSplitter(chunkSize, overlap int, separators []string) *RecursiveSplitter {
	if separators == nil {
		separators = DefaultSeparators
	}
	return &RecursiveSplitter{
		ChunkSize:  chunkSize,
		Overlap:    overlap,
		Separators: separators,
	}
}

// Split returns the chunks of text. Chunk boundaries prefer the earliest
// separator in the configured list that occurs in the text.
func (s *RecursiveSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(text, s.Separators)
}

func (s *RecursiveSplitter) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var remaining []string
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	splits := splitKeepingSeparator(text, separator)

	var final []string
	var good []string
	for _, piece := range splits {
		if runeLen(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good)...)
			good = nil
		}
		if len(remaining) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.split(piece, remaining)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good)...)
	}
	return final
}

// merge packs pieces into chunks of at most ChunkSize runes, carrying
// Overlap runes of the previous chunk into the next one.
func (s *RecursiveSplitter) merge(pieces []string) []string {
	var chunks []string
	var window []string
	total := 0

	for _, piece := range pieces {
		size := runeLen(piece)
		if total+size > s.ChunkSize && len(window) > 0 {
			if chunk := strings.TrimSpace(strings.Join(window, "")); chunk != "" {
				chunks = append(chunks, chunk)
			}
			// Shrink the window until the overlap budget fits
			for total > s.Overlap || (total+size > s.ChunkSize && total > 0) {
				total -= runeLen(window[0])
				window = window[1:]
			}
		}
		window = append(window, piece)
		total += size
	}

	if chunk := strings.TrimSpace(strings.Join(window, "")); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitKeepingSeparator splits text on sep, prefixing each piece after the
// first with the separator so that joining pieces restores the original.
// An empty separator splits into single runes.
func splitKeepingSeparator(text, sep string) []string {
	if sep == "" {
		runes := []rune(text)
		out := make([]string, 0, len(runes))
		for _, r := range runes {
			out = append(out, string(r))
		}
		return out
	}

	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = sep + p
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
