package retrieval

import (
	"sort"

	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const rrfK = 60.0

type scoredHit struct {
	chunk types.Chunk
	raw   float64
}

type strategyResult struct {
	kind   types.StrategyKind
	weight float64
	hits   []scoredHit
}

// normalizeScores min-max normalizes raw scores to [0,1] over the result
// set. Sets with one element or zero variance keep the raw score clipped.
func normalizeScores(hits []scoredHit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].raw, hits[0].raw
	for _, h := range hits[1:] {
		if h.raw < min {
			min = h.raw
		}
		if h.raw > max {
			max = h.raw
		}
	}
	if len(hits) == 1 || max == min {
		for i, h := range hits {
			out[i] = clip01(h.raw)
		}
		return out
	}
	for i, h := range hits {
		out[i] = (h.raw - min) / (max - min)
	}
	return out
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fuse combines per-strategy ranked lists with weighted reciprocal rank
// fusion. Each strategy contributes weight/(K + rank) for the chunks it
// returned; ties break on strategy count, then best normalized score, then
// chunk id. Output is capped at topN.
func fuse(results []strategyResult, topN int) []types.ScoredChunk {
	type accum struct {
		chunk      types.Chunk
		score      float64
		strategies []types.StrategyKind
		normalized map[types.StrategyKind]float64
		bestNorm   float64
	}
	byID := map[string]*accum{}

	for _, res := range results {
		norms := normalizeScores(res.hits)
		for i, hit := range res.hits {
			rank := float64(i + 1)
			acc, ok := byID[hit.chunk.ID]
			if !ok {
				acc = &accum{chunk: hit.chunk, normalized: map[types.StrategyKind]float64{}}
				byID[hit.chunk.ID] = acc
			}
			acc.score += res.weight / (rrfK + rank)
			acc.strategies = append(acc.strategies, res.kind)
			acc.normalized[res.kind] = norms[i]
			if norms[i] > acc.bestNorm {
				acc.bestNorm = norms[i]
			}
		}
	}

	fused := make([]*accum, 0, len(byID))
	for _, acc := range byID {
		fused = append(fused, acc)
	}
	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if len(a.strategies) != len(b.strategies) {
			return len(a.strategies) > len(b.strategies)
		}
		if a.bestNorm != b.bestNorm {
			return a.bestNorm > b.bestNorm
		}
		return a.chunk.ID < b.chunk.ID
	})

	if topN > 0 && len(fused) > topN {
		fused = fused[:topN]
	}
	out := make([]types.ScoredChunk, 0, len(fused))
	for _, acc := range fused {
		out = append(out, types.ScoredChunk{
			Chunk:      acc.chunk,
			Score:      acc.score,
			Strategies: acc.strategies,
			Normalized: acc.normalized,
		})
	}
	return out
}
