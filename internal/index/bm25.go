package index

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/chunk"
	"github.com/hsn0918/edakb/internal/logger"
)

// Okapi parameters
const (
	k1      = 1.5
	b       = 0.75
	epsilon = 0.25
)

// IndexFileName is the persisted sparse index, stored under the data
// directory next to the other sidecar files.
const IndexFileName = "bm25_index.json"

// Result is one scored hit from the sparse index.
type Result struct {
	Chunk chunk.Chunk
	Score float64
}

// BM25 is an Okapi BM25 index over document chunks. All statistics are
// recomputed from the corpus on every mutation, which keeps the scoring
// exact at the corpus sizes a single knowledge base reaches.
type BM25 struct {
	mu        sync.RWMutex
	tokenizer *Tokenizer
	path      string

	docs      []chunk.Chunk
	corpus    [][]string
	termFreqs []map[string]int
	docLens   []int
	avgDocLen float64
	idf       map[string]float64
}

// NewBM25 creates an empty index persisting to dataDir.
func NewBM25(tokenizer *Tokenizer, dataDir string) *BM25 {
	return &BM25{
		tokenizer: tokenizer,
		path:      filepath.Join(dataDir, IndexFileName),
		idf:       map[string]float64{},
	}
}

// Count returns the number of indexed chunks.
func (b25 *BM25) Count() int {
	b25.mu.RLock()
	defer b25.mu.RUnlock()
	return len(b25.docs)
}

// Add indexes the chunks. A chunk whose key is already present replaces
// the stored copy instead of being appended, so re-ingesting a document
// does not inflate the corpus.
func (b25 *BM25) Add(chunks []chunk.Chunk) {
	if len(chunks) == 0 {
		return
	}
	b25.mu.Lock()
	defer b25.mu.Unlock()

	known := make(map[string]int, len(b25.docs))
	for i, d := range b25.docs {
		known[d.Key()] = i
	}
	for _, c := range chunks {
		if i, ok := known[c.Key()]; ok {
			b25.docs[i] = c
		} else {
			known[c.Key()] = len(b25.docs)
			b25.docs = append(b25.docs, c)
		}
	}
	b25.recompute()
}

// Rebuild replaces the whole corpus. Used after document deletion, when
// incremental removal would leave stale statistics.
func (b25 *BM25) Rebuild(chunks []chunk.Chunk) {
	b25.mu.Lock()
	defer b25.mu.Unlock()
	b25.docs = append([]chunk.Chunk(nil), chunks...)
	b25.recompute()
}

// recompute retokenizes the corpus and refreshes the Okapi statistics.
// Callers hold the write lock.
func (b25 *BM25) recompute() {
	n := len(b25.docs)
	b25.corpus = make([][]string, n)
	b25.termFreqs = make([]map[string]int, n)
	b25.docLens = make([]int, n)

	totalLen := 0
	docFreq := map[string]int{}
	for i, d := range b25.docs {
		tokens := b25.tokenizer.Tokenize(d.Content)
		b25.corpus[i] = tokens
		b25.docLens[i] = len(tokens)
		totalLen += len(tokens)

		freqs := map[string]int{}
		for _, tok := range tokens {
			freqs[tok]++
		}
		b25.termFreqs[i] = freqs
		for tok := range freqs {
			docFreq[tok]++
		}
	}

	if n == 0 {
		b25.avgDocLen = 0
		b25.idf = map[string]float64{}
		return
	}
	b25.avgDocLen = float64(totalLen) / float64(n)

	// Okapi IDF with the epsilon floor: terms appearing in more than half
	// the corpus get a small positive weight instead of a negative one.
	b25.idf = make(map[string]float64, len(docFreq))
	idfSum := 0.0
	var negative []string
	for tok, df := range docFreq {
		v := math.Log(float64(n)-float64(df)+0.5) - math.Log(float64(df)+0.5)
		b25.idf[tok] = v
		idfSum += v
		if v < 0 {
			negative = append(negative, tok)
		}
	}
	avgIDF := idfSum / float64(len(docFreq))
	floor := epsilon * avgIDF
	for _, tok := range negative {
		b25.idf[tok] = floor
	}
}

// Search scores the corpus against the query and returns the topK hits in
// descending score order. Ties keep corpus order.
func (b25 *BM25) Search(query string, topK int) []Result {
	b25.mu.RLock()
	defer b25.mu.RUnlock()

	if len(b25.docs) == 0 || topK <= 0 {
		return nil
	}
	tokens := b25.tokenizer.Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	scores := make([]float64, len(b25.docs))
	for i := range b25.docs {
		dl := float64(b25.docLens[i])
		norm := k1 * (1 - b + b*dl/b25.avgDocLen)
		for _, tok := range tokens {
			f := float64(b25.termFreqs[i][tok])
			if f == 0 {
				continue
			}
			scores[i] += b25.idf[tok] * (f * (k1 + 1)) / (f + norm)
		}
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool {
		return scores[order[a]] > scores[order[c]]
	})

	if topK > len(order) {
		topK = len(order)
	}
	results := make([]Result, 0, topK)
	for _, i := range order[:topK] {
		results = append(results, Result{Chunk: b25.docs[i], Score: scores[i]})
	}
	return results
}

// persisted is the on-disk shape of the index.
type persisted struct {
	DocCount int           `json:"doc_count"`
	IDsHash  string        `json:"ids_hash"`
	Chunks   []chunk.Chunk `json:"chunks"`
}

// Save writes the corpus to disk atomically via a temp file rename.
func (b25 *BM25) Save() error {
	b25.mu.RLock()
	data, err := sonic.Marshal(persisted{
		DocCount: len(b25.docs),
		IDsHash:  sampledHash(b25.docs),
		Chunks:   b25.docs,
	})
	b25.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("序列化 BM25 索引失败: %w", err)
	}

	tmp := b25.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入 BM25 索引失败: %w", err)
	}
	return os.Rename(tmp, b25.path)
}

// Load restores the index from disk when the persisted corpus still
// matches the authoritative chunk count. Returns true when the cache was
// used. A count mismatch or unreadable file means the caller should
// rebuild from the vector store.
func (b25 *BM25) Load(expectedCount int) bool {
	data, err := os.ReadFile(b25.path)
	if err != nil {
		return false
	}
	var p persisted
	if err := sonic.Unmarshal(data, &p); err != nil {
		logger.GetLogger().Warn("BM25 索引文件损坏，忽略缓存", zap.Error(err))
		return false
	}
	if p.DocCount != expectedCount || len(p.Chunks) != p.DocCount {
		return false
	}
	if p.IDsHash != sampledHash(p.Chunks) {
		logger.GetLogger().Warn("BM25 索引内容指纹不一致",
			zap.String("path", b25.path))
	}

	b25.mu.Lock()
	b25.docs = p.Chunks
	b25.recompute()
	b25.mu.Unlock()
	return true
}

// Clear drops the in-memory corpus and removes the persisted file.
func (b25 *BM25) Clear() error {
	b25.mu.Lock()
	b25.docs = nil
	b25.recompute()
	b25.mu.Unlock()

	if err := os.Remove(b25.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sampledHash fingerprints the corpus from a sample of chunk keys, which
// is enough to detect a diverged cache without hashing every document.
func sampledHash(docs []chunk.Chunk) string {
	n := len(docs)
	keys := make([]string, 0, 30)
	take := func(lo, hi int) {
		for i := lo; i < hi && i < n; i++ {
			keys = append(keys, docs[i].Key())
		}
	}
	take(0, 10)
	if mid := n / 2; mid > 10 {
		take(mid, mid+10)
	}
	if n > 20 {
		lo := n - 10
		if lo < 20 {
			lo = 20
		}
		take(lo, n)
	}

	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s", n, strings.Join(keys, ","))))
	return hex.EncodeToString(sum[:])
}
