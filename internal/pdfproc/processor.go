// Package pdfproc turns PDF manuals into parent sections and child chunks
// by slicing the extracted text along the document outline.
package pdfproc

import (
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/logger"
)

// MaxChunkSize is the child chunk budget in runes. Sections up to 1.5x
// this size stay whole.
const (
	MaxChunkSize = 1000
	chunkOverlap = 100
)

// Skip conditions detected by the quality pre-scan. Callers treat both as
// "ingest nothing", not as failures.
var (
	ErrGarbled = errors.New("pdf 文本层乱码")
	ErrScanned = errors.New("pdf 无可提取文本")
)

// ParseError wraps failures to read or decode the PDF container.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("解析 PDF %s 失败: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Processor slices PDFs into retrieval chunks.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

// Process reads the PDF at path and returns its child chunks and parent
// map. A document with no outline yields empty output so the caller can
// decide on a flat fallback. Garbled or scanned documents return
// ErrGarbled / ErrScanned.
func (p *Processor) Process(path, filename string) ([]chunk.Chunk, map[string]string, error) {
	pages, entries, err := readDocument(path)
	if err != nil {
		return nil, nil, err
	}
	if err := checkQuality(pages); err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		logger.GetLogger().Warn("PDF 没有可用目录，跳过结构化切分",
			zap.String("file", filename))
		return nil, nil, nil
	}

	noise := detectNoise(pages)
	logger.GetLogger().Info("PDF 预处理完成",
		zap.String("file", filename),
		zap.Int("pages", len(pages)),
		zap.Int("outline_entries", len(entries)),
		zap.Int("noise_patterns", len(noise)))

	markdown := convertPages(pages, entries, noise)
	entries = resolvePages(entries, pages)

	chunks, parents := slice(filename, entries, markdown)
	return chunks, parents, nil
}

// readDocument extracts per-page plain text and the flattened outline.
// The pdf library panics on some malformed files, so extraction runs
// under a recover guard.
func readDocument(path string) (pages []string, entries []OutlineEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, entries = nil, nil
			err = &ParseError{Path: path, Err: fmt.Errorf("%v", r)}
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	total := reader.NumPage()
	pages = make([]string, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, perr := page.GetPlainText(nil)
		if perr != nil {
			logger.GetLogger().Debug("页面文本提取失败",
				zap.String("file", path),
				zap.Int("page", i),
				zap.Error(perr))
			continue
		}
		pages[i-1] = text
	}

	entries = flattenOutline(reader.Outline(), 0)
	return pages, entries, nil
}
