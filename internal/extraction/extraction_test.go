package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/clients/ner"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestResolverMergesExactNormalizedMatch(t *testing.T) {
	r := NewResolver()
	id1 := r.Resolve(Observation{Name: "Acme Corp", Type: "ORGANIZATION", Confidence: 0.8, ChunkID: "c1"})
	id2 := r.Resolve(Observation{Name: "acme corp.", Type: "ORGANIZATION", Confidence: 0.9, ChunkID: "c2"})
	if id1 != id2 {
		t.Fatalf("ids: want merge, got %q vs %q", id1, id2)
	}

	entities := r.Entities()
	if len(entities) != 1 {
		t.Fatalf("entities: want=1 got=%d", len(entities))
	}
	e := entities[0]
	if e.Occurrence != 2 {
		t.Fatalf("occurrence: want=2 got=%d", e.Occurrence)
	}
	if e.Confidence != 0.9 {
		t.Fatalf("confidence: want=0.9 got=%v", e.Confidence)
	}
}

func TestResolverMergesFuzzyMatch(t *testing.T) {
	r := NewResolver()
	id1 := r.Resolve(Observation{Name: "supervised learning", Type: "CONCEPT", Confidence: 0.8})
	id2 := r.Resolve(Observation{Name: "supervised learnings", Type: "CONCEPT", Confidence: 0.7})
	if id1 != id2 {
		t.Fatalf("fuzzy ids: want merge, got %q vs %q", id1, id2)
	}
}

func TestResolverKeepsDistinctTypesSeparate(t *testing.T) {
	r := NewResolver()
	id1 := r.Resolve(Observation{Name: "Paris", Type: "LOCATION", Confidence: 0.9})
	id2 := r.Resolve(Observation{Name: "Paris", Type: "PERSON", Confidence: 0.9})
	if id1 == id2 {
		t.Fatalf("same name with different types must not merge")
	}
}

func TestEntityIDDeterministic(t *testing.T) {
	a := types.EntityID(types.NormalizeName("Acme Corp."), "ORGANIZATION")
	b := types.EntityID(types.NormalizeName("acme   corp"), "organization")
	if a != b {
		t.Fatalf("entity id: want deterministic, got %q vs %q", a, b)
	}
}

func TestLevenshteinRatio(t *testing.T) {
	if got := LevenshteinRatio("kitten", "kitten"); got != 1 {
		t.Fatalf("identical: want=1 got=%v", got)
	}
	if got := LevenshteinRatio("kitten", "sitting"); got > 0.6 {
		t.Fatalf("distant: want<=0.6 got=%v", got)
	}
	if got := LevenshteinRatio("supervised learning", "supervised learnings"); got < fuzzyMergeRatio {
		t.Fatalf("near: want>=%v got=%v", fuzzyMergeRatio, got)
	}
}

func TestRuleBasedExtraction(t *testing.T) {
	chunk := types.Chunk{
		ID:   "c1",
		Text: "Alice works for Acme. Acme is headquartered in Paris.",
	}
	out := extractRuleBased(chunk)

	names := map[string]bool{}
	for _, e := range out.Entities {
		names[e.Name] = true
	}
	for _, want := range []string{"Alice", "Acme", "Paris"} {
		if !names[want] {
			t.Fatalf("entities: missing %q in %v", want, out.Entities)
		}
	}
	if len(out.Relations) == 0 {
		t.Fatalf("expected co-occurrence relations")
	}
	foundPair := false
	for _, r := range out.Relations {
		if (r.Source == "Acme" && r.Target == "Paris") || (r.Source == "Paris" && r.Target == "Acme") {
			foundPair = true
		}
	}
	if !foundPair {
		t.Fatalf("expected Acme–Paris co-occurrence edge, got %v", out.Relations)
	}
}

func TestPipelineAggregatesAndIsDeterministic(t *testing.T) {
	chunks := []types.Chunk{
		{ID: "c1", DocumentID: "d1", Ordinal: 0, Text: "Alice works for Acme. Acme is headquartered in Paris."},
		{ID: "c2", DocumentID: "d1", Ordinal: 1, Text: "Acme is headquartered in Paris. Paris hosts Acme."},
	}

	p := NewPipeline(testLogger(t), NewExtractor(testLogger(t), nil, nil))
	first := p.Run(context.Background(), "general", chunks)
	second := p.Run(context.Background(), "general", chunks)

	if len(first.FailedChunks) != 0 {
		t.Fatalf("failed chunks: want=0 got=%v", first.FailedChunks)
	}
	if len(first.Entities) == 0 || len(first.Relations) == 0 {
		t.Fatalf("expected entities and relations, got %d/%d", len(first.Entities), len(first.Relations))
	}
	if len(first.Entities) != len(second.Entities) || len(first.Relations) != len(second.Relations) {
		t.Fatalf("runs disagree: %d/%d vs %d/%d",
			len(first.Entities), len(first.Relations), len(second.Entities), len(second.Relations))
	}
	for i := range first.Entities {
		if first.Entities[i].ID != second.Entities[i].ID {
			t.Fatalf("entity order not deterministic at %d", i)
		}
	}

	// The Acme–Paris edge co-occurs in both chunks; its weight accumulates.
	acme := types.EntityID(types.NormalizeName("Acme"), "CONCEPT")
	paris := types.EntityID(types.NormalizeName("Paris"), "CONCEPT")
	var merged *types.Relation
	for i := range first.Relations {
		r := &first.Relations[i]
		if (r.SourceEntityID == acme && r.TargetEntityID == paris) || (r.SourceEntityID == paris && r.TargetEntityID == acme) {
			merged = r
			break
		}
	}
	if merged == nil {
		t.Fatalf("missing Acme–Paris relation")
	}
	if merged.Weight < 2 {
		t.Fatalf("weight: want>=2 got=%d", merged.Weight)
	}
	if len(merged.Evidence) > evidenceCap {
		t.Fatalf("evidence cap: want<=%d got=%d", evidenceCap, len(merged.Evidence))
	}
}

func TestRelationAggregatorCapsEvidence(t *testing.T) {
	agg := newRelationAggregator()
	for i := 0; i < 10; i++ {
		agg.add(types.Relation{
			SourceEntityID: "a",
			TargetEntityID: "b",
			Type:           "CAUSES",
			Context:        "evidence " + string(rune('a'+i)),
			Confidence:     0.5,
		})
	}
	rels := agg.sorted()
	if len(rels) != 1 {
		t.Fatalf("relations: want=1 got=%d", len(rels))
	}
	if rels[0].Weight != 10 {
		t.Fatalf("weight: want=10 got=%d", rels[0].Weight)
	}
	if len(rels[0].Evidence) != evidenceCap {
		t.Fatalf("evidence: want=%d got=%d", evidenceCap, len(rels[0].Evidence))
	}
}

type failingNER struct{}

func (failingNER) Available() bool { return true }
func (failingNER) ExtractSpans(ctx context.Context, text string) ([]ner.Span, error) {
	return nil, errors.New("ner unavailable")
}

func TestExtractorFallsBackWhenNERFails(t *testing.T) {
	// A failing NER client must not lose the chunk; the rule-based path runs.
	e := NewExtractor(testLogger(t), nil, failingNER{})
	out, err := e.ExtractChunk(context.Background(), types.Chunk{ID: "c1", Text: "Alice works for Acme."})
	if err != nil {
		t.Fatalf("ExtractChunk: %v", err)
	}
	if len(out.Entities) == 0 {
		t.Fatalf("expected rule-based entities")
	}
}
