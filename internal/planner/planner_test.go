package planner

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

type staticVocab struct {
	entries []graph.VocabEntry
}

func (v staticVocab) EntityVocabulary(ctx context.Context, domain string) ([]graph.VocabEntry, error) {
	return v.entries, nil
}

func newTestPlanner(t *testing.T, vocab []graph.VocabEntry) *Planner {
	t.Helper()
	t.Setenv("DISABLE_LLM_FALLBACK", "true")
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return New(log, DefaultConfig(), nil, nil, staticVocab{entries: vocab})
}

func mlVocab() []graph.VocabEntry {
	return []graph.VocabEntry{
		{ID: "e-sup", Name: "Supervised Learning", NameNormalized: "supervised learning", Type: "CONCEPT", Occurrence: 12},
		{ID: "e-unsup", Name: "Unsupervised Learning", NameNormalized: "unsupervised learning", Type: "CONCEPT", Occurrence: 9},
		{ID: "e-overfit", Name: "Overfitting", NameNormalized: "overfitting", Type: "CONCEPT", Occurrence: 4},
	}
}

func TestPlanComparativeIntent(t *testing.T) {
	p := newTestPlanner(t, mlVocab())
	plan := p.Plan(context.Background(), "Compare supervised learning and unsupervised learning", "")

	if plan.Intent != types.IntentComparative {
		t.Fatalf("Intent: want=%q got=%q", types.IntentComparative, plan.Intent)
	}
	if plan.Reasoning != types.ReasoningComparative {
		t.Fatalf("Reasoning: want=%q got=%q", types.ReasoningComparative, plan.Reasoning)
	}
	if len(plan.KnownEntities()) != 2 {
		t.Fatalf("known entities: want=2 got=%d (%v)", len(plan.KnownEntities()), plan.Entities)
	}
	// Two known entities shift 0.1 from vector to graph: 0.35/0.45 -> 0.25/0.55.
	if g, v := plan.ComponentWeight(types.StrategyGraph), plan.ComponentWeight(types.StrategyVector); g <= v {
		t.Fatalf("graph weight must exceed vector after shift: graph=%v vector=%v", g, v)
	}
}

func TestPlanNoKnownEntitiesZerosGraph(t *testing.T) {
	p := newTestPlanner(t, nil)
	plan := p.Plan(context.Background(), "why does rain fall", "")

	if plan.Intent != types.IntentCausal {
		t.Fatalf("Intent: want=%q got=%q", types.IntentCausal, plan.Intent)
	}
	if w := plan.ComponentWeight(types.StrategyGraph); w != 0 {
		t.Fatalf("graph weight: want=0 got=%v", w)
	}
	sum := 0.0
	for _, c := range plan.Components {
		sum += c.Weight
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("weights must renormalize to 1, got %v", sum)
	}
}

func TestPlanDefaultsToFactual(t *testing.T) {
	p := newTestPlanner(t, nil)
	plan := p.Plan(context.Background(), "quarterly revenue figures", "")
	if plan.Intent != types.IntentFactual {
		t.Fatalf("Intent: want=%q got=%q", types.IntentFactual, plan.Intent)
	}
	if plan.Confidence >= 0.6 {
		t.Fatalf("unmatched query should have low confidence, got %v", plan.Confidence)
	}
}

func TestPlanComplexityAndMaxHops(t *testing.T) {
	p := newTestPlanner(t, mlVocab())

	low := p.Plan(context.Background(), "what is gradient descent", "")
	if low.Complexity != types.ComplexityLow || low.MaxHops != 1 {
		t.Fatalf("low: got complexity=%q hops=%d", low.Complexity, low.MaxHops)
	}

	medium := p.Plan(context.Background(), "what is overfitting", "")
	if medium.Complexity != types.ComplexityMedium || medium.MaxHops != 2 {
		t.Fatalf("medium: got complexity=%q hops=%d", medium.Complexity, medium.MaxHops)
	}

	high := p.Plan(context.Background(), "analyze why overfitting leads to poor results", "")
	if high.Complexity != types.ComplexityHigh || high.MaxHops != 3 {
		t.Fatalf("high: got complexity=%q hops=%d", high.Complexity, high.MaxHops)
	}
}

func TestPlanFuzzyEntityLink(t *testing.T) {
	p := newTestPlanner(t, mlVocab())
	plan := p.Plan(context.Background(), "Is Overfittings avoidable", "")

	known := plan.KnownEntities()
	if len(known) != 1 {
		t.Fatalf("known entities: want=1 got=%d (%v)", len(known), plan.Entities)
	}
	if known[0].EntityID != "e-overfit" {
		t.Fatalf("EntityID: want=%q got=%q", "e-overfit", known[0].EntityID)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planner.yaml")
	body := []byte(`
weights:
  CAUSAL:
    vector: 0.2
    graph: 0.6
    keyword: 0.2
causal_relation_types: [CAUSES, PREVENTS]
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PLANNER_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	causal := cfg.Weights[types.IntentCausal]
	if causal.Graph != 0.6 {
		t.Fatalf("Graph: want=0.6 got=%v", causal.Graph)
	}
	if causal.Reasoning != types.ReasoningCausal {
		t.Fatalf("Reasoning must survive overlay, got %q", causal.Reasoning)
	}
	if len(cfg.CausalRelationTypes) != 2 {
		t.Fatalf("CausalRelationTypes: want=2 got=%v", cfg.CausalRelationTypes)
	}
	// Untouched rows keep defaults.
	if cfg.Weights[types.IntentFactual].Vector != 0.6 {
		t.Fatalf("FACTUAL row must keep default, got %v", cfg.Weights[types.IntentFactual])
	}
}
