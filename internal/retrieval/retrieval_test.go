package retrieval

import (
	"context"
	"math/rand"
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/data"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

func TestNormalizeScores(t *testing.T) {
	hits := []scoredHit{{raw: 2}, {raw: 6}, {raw: 4}}
	norms := normalizeScores(hits)
	if norms[0] != 0 || norms[1] != 1 || norms[2] != 0.5 {
		t.Fatalf("norms: got %v", norms)
	}
}

func TestNormalizeScoresDegenerateSets(t *testing.T) {
	// A single element keeps its raw score, clipped to [0,1].
	if norms := normalizeScores([]scoredHit{{raw: 3.5}}); norms[0] != 1 {
		t.Fatalf("single: want=1 got=%v", norms[0])
	}
	// Zero variance keeps raw scores too.
	norms := normalizeScores([]scoredHit{{raw: 0.4}, {raw: 0.4}})
	if norms[0] != 0.4 || norms[1] != 0.4 {
		t.Fatalf("flat: got %v", norms)
	}
}

func chunk(id string) types.Chunk {
	return types.Chunk{ID: id, DocumentID: "d1", Text: "text " + id}
}

func TestFuseWeightedRRF(t *testing.T) {
	results := []strategyResult{
		{kind: types.StrategyVector, weight: 0.6, hits: []scoredHit{
			{chunk: chunk("a"), raw: 0.9},
			{chunk: chunk("b"), raw: 0.5},
		}},
		{kind: types.StrategyKeyword, weight: 0.4, hits: []scoredHit{
			{chunk: chunk("b"), raw: 3.0},
			{chunk: chunk("c"), raw: 1.0},
		}},
	}
	fused := fuse(results, 10)
	if len(fused) != 3 {
		t.Fatalf("fused: want=3 got=%d", len(fused))
	}
	// b appears in both lists: 0.6/62 + 0.4/61 beats a's 0.6/61.
	if fused[0].Chunk.ID != "b" {
		t.Fatalf("top chunk: want=b got=%q", fused[0].Chunk.ID)
	}
	if len(fused[0].Strategies) != 2 {
		t.Fatalf("strategies: want=2 got=%v", fused[0].Strategies)
	}
}

func TestFuseTieBreaksOnChunkID(t *testing.T) {
	// Identical ranks and weights in disjoint lists tie exactly; the lower
	// chunk id wins.
	results := []strategyResult{
		{kind: types.StrategyVector, weight: 0.5, hits: []scoredHit{{chunk: chunk("z"), raw: 0.8}}},
		{kind: types.StrategyKeyword, weight: 0.5, hits: []scoredHit{{chunk: chunk("a"), raw: 0.8}}},
	}
	fused := fuse(results, 10)
	if fused[0].Chunk.ID != "a" || fused[1].Chunk.ID != "z" {
		t.Fatalf("tie order: got %q then %q", fused[0].Chunk.ID, fused[1].Chunk.ID)
	}
}

func TestFusePermutationInvariance(t *testing.T) {
	results := []strategyResult{
		{kind: types.StrategyVector, weight: 0.5, hits: []scoredHit{
			{chunk: chunk("a"), raw: 0.9}, {chunk: chunk("b"), raw: 0.7}, {chunk: chunk("c"), raw: 0.2},
		}},
		{kind: types.StrategyGraph, weight: 0.3, hits: []scoredHit{
			{chunk: chunk("c"), raw: 2.0}, {chunk: chunk("a"), raw: 1.0},
		}},
		{kind: types.StrategyKeyword, weight: 0.2, hits: []scoredHit{
			{chunk: chunk("b"), raw: 4.0}, {chunk: chunk("d"), raw: 3.0},
		}},
	}
	want := fuse(results, 10)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]strategyResult, len(results))
		copy(shuffled, results)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := fuse(shuffled, 10)
		for i := range want {
			if got[i].Chunk.ID != want[i].Chunk.ID {
				t.Fatalf("trial %d: order diverged at %d: want=%q got=%q",
					trial, i, want[i].Chunk.ID, got[i].Chunk.ID)
			}
		}
	}
}

func TestBM25Ranking(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]types.Chunk{
		{ID: "c1", Text: "Gradient descent minimizes the loss function by iterative updates."},
		{ID: "c2", Text: "The weather today is sunny with a light breeze."},
		{ID: "c3", Text: "Stochastic gradient descent samples one example per update. Gradient noise helps."},
	})

	hits := idx.Search("gradient descent", "", 10)
	if len(hits) != 2 {
		t.Fatalf("hits: want=2 got=%d", len(hits))
	}
	for _, h := range hits {
		if h.Chunk.ID == "c2" {
			t.Fatalf("c2 must not match")
		}
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores not descending: %v", hits)
	}
}

func TestBM25DomainFilter(t *testing.T) {
	idx := NewBM25Index()
	idx.Rebuild([]types.Chunk{
		{ID: "c1", Domain: "ml", Text: "overfitting hurts generalization"},
		{ID: "c2", Domain: "finance", Text: "overfitting hurts backtests"},
	})
	hits := idx.Search("overfitting", "ml", 10)
	if len(hits) != 1 || hits[0].Chunk.ID != "c1" {
		t.Fatalf("domain filter: got %v", hits)
	}
}

type stubRegistry struct {
	data.Registry
	chunks []data.ChunkRecord
}

func (s stubRegistry) AllChunks(ctx context.Context, domain string) ([]data.ChunkRecord, error) {
	return s.chunks, nil
}

func (s stubRegistry) ChunksByIDs(ctx context.Context, ids []string) ([]data.ChunkRecord, error) {
	var out []data.ChunkRecord
	for _, rec := range s.chunks {
		for _, id := range ids {
			if rec.ID == id {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func TestRetrieveDegradesMissingBackends(t *testing.T) {
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	reg := stubRegistry{chunks: []data.ChunkRecord{
		{ID: "c1", DocumentID: "d1", Text: "cats are mammals"},
		{ID: "c2", DocumentID: "d1", Text: "dogs are mammals too"},
	}}
	r := New(log, nil, nil, nil, reg, NewBM25Index(), nil)
	if err := r.RebuildIndex(context.Background()); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}

	plan := types.QueryPlan{
		Query:      "mammals",
		Intent:     types.IntentFactual,
		Confidence: 0.9,
		Components: []types.StrategyComponent{
			{Kind: types.StrategyVector, Weight: 0.7},
			{Kind: types.StrategyKeyword, Weight: 0.3},
		},
	}
	rc := r.Retrieve(context.Background(), plan, "", 5)

	if !rc.Partial {
		t.Fatalf("expected partial result with vector backend missing")
	}
	if len(rc.Degraded) != 1 || rc.Degraded[0] != "vector" {
		t.Fatalf("Degraded: want=[vector] got=%v", rc.Degraded)
	}
	if len(rc.Chunks) != 2 {
		t.Fatalf("chunks: want=2 got=%d", len(rc.Chunks))
	}
	// Confidence discounted by the failed component's weight: 0.9 * (1-0.7).
	if rc.Confidence > 0.28 || rc.Confidence < 0.26 {
		t.Fatalf("Confidence: want~0.27 got=%v", rc.Confidence)
	}
}
