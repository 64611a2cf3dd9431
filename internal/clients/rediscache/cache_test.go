package rediscache

import (
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/types"
)

func TestPlanDigestScopedByDomainAndTopK(t *testing.T) {
	plan := types.QueryPlan{
		Query:  "what is gradient descent",
		Intent: types.IntentFactual,
		Components: []types.StrategyComponent{
			{Kind: types.StrategyVector, Weight: 0.6},
			{Kind: types.StrategyKeyword, Weight: 0.4},
		},
	}

	base := PlanDigest(plan, "", 10)
	if base == "" {
		t.Fatalf("digest must not be empty")
	}
	if got := PlanDigest(plan, "", 10); got != base {
		t.Fatalf("digest must be stable: %q vs %q", base, got)
	}
	if got := PlanDigest(plan, "ml", 10); got == base {
		t.Fatalf("domain-scoped search must not share a cache entry with the unscoped one")
	}
	if got := PlanDigest(plan, "", 25); got == base {
		t.Fatalf("different top_k must not share a cache entry")
	}
}

func TestCacheableSkipsDegradedAndPartial(t *testing.T) {
	full := &types.RetrievedContext{Confidence: 0.9}
	if !cacheable(full) {
		t.Fatalf("complete retrieval must be cacheable")
	}
	if cacheable(&types.RetrievedContext{Degraded: []string{"vector"}}) {
		t.Fatalf("degraded retrieval must not be cached")
	}
	if cacheable(&types.RetrievedContext{Partial: true}) {
		t.Fatalf("partial retrieval must not be cached")
	}
	if cacheable(nil) {
		t.Fatalf("nil retrieval must not be cached")
	}
}
