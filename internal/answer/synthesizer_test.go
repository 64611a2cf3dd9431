package answer

import (
	"context"
	"strings"
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

func TestSynthesizeWithoutLLMIsDegraded(t *testing.T) {
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	s := New(log, nil)

	rc := types.RetrievedContext{
		Chunks: []types.ScoredChunk{
			{Chunk: types.Chunk{ID: "c1", Text: "Gradient descent minimizes loss."}, Score: 0.02},
		},
		Confidence: 0.8,
	}
	out := s.Synthesize(context.Background(), "what is gradient descent", rc)

	if !out.Degraded {
		t.Fatalf("expected degraded answer without an LLM")
	}
	if out.Reason == "" {
		t.Fatalf("degraded answer must carry a reason")
	}
	if !strings.Contains(out.Text, "Gradient descent minimizes loss.") {
		t.Fatalf("fallback must surface the evidence, got %q", out.Text)
	}
	if out.Confidence != 0.8 {
		t.Fatalf("Confidence: want=0.8 got=%v", out.Confidence)
	}
}

func TestRenderPathWithEdges(t *testing.T) {
	p := types.ReasoningPath{
		Kind:        types.ReasoningCausal,
		EntityNames: []string{"Overfitting", "Poor Generalization"},
		Edges: []types.PathEdge{
			{Type: "CAUSES", Confidence: 0.8},
		},
		Confidence: 0.4,
	}
	got := RenderPath(p)
	want := "Overfitting -[CAUSES]-> Poor Generalization (confidence 0.40)"
	if got != want {
		t.Fatalf("RenderPath: want=%q got=%q", want, got)
	}
}

func TestRenderPathComparative(t *testing.T) {
	p := types.ReasoningPath{
		Kind:        types.ReasoningComparative,
		EntityNames: []string{"A", "B"},
		Confidence:  0.25,
	}
	got := RenderPath(p)
	if !strings.Contains(got, "A and B") || !strings.Contains(got, "0.25") {
		t.Fatalf("RenderPath: got %q", got)
	}
}
