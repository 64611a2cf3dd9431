package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

var keywordStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "by": true, "as": true,
	"at": true, "it": true, "its": true, "this": true, "that": true,
	"what": true, "which": true, "who": true, "how": true, "why": true,
	"do": true, "does": true, "did": true, "not": true, "from": true,
}

func tokenize(text string) []string {
	raw := tokenRe.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, tok := range raw {
		if !keywordStopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

type indexedChunk struct {
	chunk types.Chunk
	terms map[string]int
	len   int
}

// BM25Index is an in-memory keyword index over the chunk corpus. It is
// rebuilt from the registry after every ingest or delete; searches are
// read-only and safe for concurrent use.
type BM25Index struct {
	mu       sync.RWMutex
	chunks   []indexedChunk
	df       map[string]int
	avgLen   float64
	totalLen int
}

func NewBM25Index() *BM25Index {
	return &BM25Index{df: map[string]int{}}
}

// Rebuild replaces the index contents with the given corpus.
func (idx *BM25Index) Rebuild(chunks []types.Chunk) {
	indexed := make([]indexedChunk, 0, len(chunks))
	df := map[string]int{}
	totalLen := 0
	for _, c := range chunks {
		terms := map[string]int{}
		tokens := tokenize(c.Text)
		for _, tok := range tokens {
			terms[tok]++
		}
		for tok := range terms {
			df[tok]++
		}
		totalLen += len(tokens)
		indexed = append(indexed, indexedChunk{chunk: c, terms: terms, len: len(tokens)})
	}
	avg := 0.0
	if len(indexed) > 0 {
		avg = float64(totalLen) / float64(len(indexed))
	}

	idx.mu.Lock()
	idx.chunks = indexed
	idx.df = df
	idx.avgLen = avg
	idx.totalLen = totalLen
	idx.mu.Unlock()
}

// Size reports the number of indexed chunks.
func (idx *BM25Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunks)
}

type keywordHit struct {
	Chunk types.Chunk
	Score float64
}

// Search scores the corpus against the query and returns the top k hits with
// positive scores, ordered by score descending then chunk id.
func (idx *BM25Index) Search(query, domain string, k int) []keywordHit {
	tokens := tokenize(query)
	if len(tokens) == 0 || k <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.chunks) == 0 {
		return nil
	}

	n := float64(len(idx.chunks))
	var hits []keywordHit
	for _, ic := range idx.chunks {
		if domain != "" && ic.chunk.Domain != domain {
			continue
		}
		score := 0.0
		for _, tok := range tokens {
			tf := float64(ic.terms[tok])
			if tf == 0 {
				continue
			}
			df := float64(idx.df[tok])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			denom := tf + bm25K1*(1-bm25B+bm25B*float64(ic.len)/idx.avgLen)
			score += idf * tf * (bm25K1 + 1) / denom
		}
		if score > 0 {
			hits = append(hits, keywordHit{Chunk: ic.chunk, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
