// Package index implements the sparse keyword index used as the lexical
// branch of hybrid retrieval, together with the Chinese-aware tokenizer
// that feeds it.
package index

import (
	"strings"

	"github.com/go-ego/gse"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/logger"
)

// Tokenizer segments text for the sparse index. It loads the embedded
// Chinese dictionary and optionally a user dictionary with domain terms.
// If dictionary loading fails it degrades to whitespace splitting so the
// index keeps working for Latin text.
type Tokenizer struct {
	seg   gse.Segmenter
	ready bool
}

// NewTokenizer builds a tokenizer. userDictPath may be empty; a missing
// user dictionary is not an error.
func NewTokenizer(userDictPath string) *Tokenizer {
	t := &Tokenizer{}
	if err := t.seg.LoadDictEmbed(); err != nil {
		logger.GetLogger().Warn("分词词典加载失败，退化为空白切分",
			zap.Error(err))
		return t
	}
	t.ready = true

	if userDictPath != "" {
		if err := t.seg.LoadDict(userDictPath); err != nil {
			logger.GetLogger().Warn("用户词典加载失败",
				zap.String("path", userDictPath),
				zap.Error(err))
		}
	}
	return t
}

// Tokenize returns the lowercased tokens of text with whitespace-only
// tokens removed.
func (t *Tokenizer) Tokenize(text string) []string {
	var raw []string
	if t.ready {
		raw = t.seg.Cut(text, true)
	} else {
		raw = strings.Fields(text)
	}

	tokens := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tokens = append(tokens, strings.ToLower(tok))
	}
	return tokens
}
