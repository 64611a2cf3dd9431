package reasoning

import (
	"context"
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

func newOfflineEngine(t *testing.T) *Engine {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	// A store without a configured driver fails every call, which forces the
	// co-occurrence fallback.
	return New(log, graph.NewStore(nil, log), []string{"CAUSES", "LEADS_TO"})
}

func TestBuildPathConfidence(t *testing.T) {
	edges := []types.PathEdge{
		{SourceEntityID: "a", TargetEntityID: "b", Type: "CAUSES", Confidence: 0.8},
		{SourceEntityID: "b", TargetEntityID: "c", Type: "LEADS_TO", Confidence: 0.5},
	}
	nodes := []types.Entity{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}, {ID: "c", Name: "C"}}

	path := buildPath(types.ReasoningCausal, edges, nodes)
	// 0.8 * 0.5 / 2 edges.
	if path.Confidence != 0.2 {
		t.Fatalf("Confidence: want=0.2 got=%v", path.Confidence)
	}
	if len(path.EntityNames) != 3 || path.EntityNames[2] != "C" {
		t.Fatalf("EntityNames: got %v", path.EntityNames)
	}
}

func TestCooccurrenceFallback(t *testing.T) {
	e := newOfflineEngine(t)
	plan := types.QueryPlan{
		Reasoning: types.ReasoningComparative,
		MaxHops:   2,
		Entities: []types.PlanEntity{
			{Name: "Supervised Learning", EntityID: "e-sup", Known: true},
			{Name: "Unsupervised Learning", EntityID: "e-unsup", Known: true},
		},
	}
	fused := []types.ScoredChunk{
		{Chunk: types.Chunk{ID: "c1", Text: "Supervised learning uses labels; unsupervised learning does not."}},
		{Chunk: types.Chunk{ID: "c2", Text: "Only supervised learning appears here."}},
	}

	paths := e.Paths(context.Background(), plan, fused)
	if len(paths) != 1 {
		t.Fatalf("paths: want=1 got=%d", len(paths))
	}
	p := paths[0]
	if p.Kind != types.ReasoningComparative {
		t.Fatalf("Kind: want=%q got=%q", types.ReasoningComparative, p.Kind)
	}
	if len(p.EvidenceChunks) != 1 || p.EvidenceChunks[0] != "c1" {
		t.Fatalf("EvidenceChunks: want=[c1] got=%v", p.EvidenceChunks)
	}
	if p.Confidence != 0.3 {
		t.Fatalf("Confidence: want=0.3 got=%v", p.Confidence)
	}
}

func TestPathsWithoutEntities(t *testing.T) {
	e := newOfflineEngine(t)
	plan := types.QueryPlan{Reasoning: types.ReasoningNone}
	if paths := e.Paths(context.Background(), plan, nil); paths != nil {
		t.Fatalf("expected no paths, got %v", paths)
	}
}

func TestFallbackCapsPathCount(t *testing.T) {
	e := newOfflineEngine(t)
	entities := make([]types.PlanEntity, 6)
	names := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	text := ""
	for i, n := range names {
		entities[i] = types.PlanEntity{Name: n, EntityID: "e-" + n, Known: true}
		text += n + " "
	}
	fused := []types.ScoredChunk{{Chunk: types.Chunk{ID: "c1", Text: text}}}

	plan := types.QueryPlan{Reasoning: types.ReasoningMultiHop, MaxHops: 3, Entities: entities}
	paths := e.Paths(context.Background(), plan, fused)
	if len(paths) != maxPaths {
		t.Fatalf("paths: want=%d got=%d", maxPaths, len(paths))
	}
}
