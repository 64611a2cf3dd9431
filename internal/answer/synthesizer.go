package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvidlabs/graphrag-backend/internal/observability"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/openai"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	maxContextChunks = 10
	excerptRunes     = 320
)

// Answer is the synthesized response plus the retrieval evidence it was
// built from. Degraded answers carry the evidence without LLM synthesis.
type Answer struct {
	Query      string                `json:"query"`
	Text       string                `json:"answer"`
	Degraded   bool                  `json:"degraded"`
	Reason     string                `json:"reason,omitempty"`
	Chunks     []types.ScoredChunk   `json:"chunks"`
	Entities   []types.Entity        `json:"entities,omitempty"`
	Paths      []types.ReasoningPath `json:"reasoning_paths,omitempty"`
	Confidence float64               `json:"confidence"`
	Model      string                `json:"model,omitempty"`
}

// Synthesizer turns retrieved context into a natural-language answer. The
// LLM is optional: without one (or when it fails) the answer degrades to a
// stitched summary of the evidence and is flagged as such.
type Synthesizer struct {
	log *logger.Logger
	llm openai.Client
}

func New(baseLog *logger.Logger, llm openai.Client) *Synthesizer {
	return &Synthesizer{log: baseLog.With("service", "AnswerSynthesizer"), llm: llm}
}

func (s *Synthesizer) Synthesize(ctx context.Context, query string, rc types.RetrievedContext) Answer {
	out := Answer{
		Query:      query,
		Chunks:     rc.Chunks,
		Entities:   rc.Entities,
		Paths:      rc.Paths,
		Confidence: rc.Confidence,
	}

	if s.llm == nil {
		out.Degraded = true
		out.Reason = "llm collaborator not configured"
		out.Text = fallbackText(rc)
		observability.Current().IncDegradedAnswer()
		return out
	}

	text, err := s.llm.GenerateText(ctx,
		"Answer the user's question using only the provided context. Cite nothing "+
			"outside it. If the context is insufficient, say so plainly. Reasoning "+
			"paths describe relationships found in a knowledge graph; treat them as "+
			"structured hints, not as quotable text.",
		buildPrompt(query, rc))
	if err != nil {
		s.log.Warn("answer synthesis degraded", "error", err)
		out.Degraded = true
		out.Reason = "llm synthesis failed: " + err.Error()
		out.Text = fallbackText(rc)
		observability.Current().IncDegradedAnswer()
		return out
	}

	out.Text = strings.TrimSpace(text)
	out.Model = s.llm.Model()
	if rc.Partial {
		observability.Current().IncPartialAnswer()
	}
	return out
}

func buildPrompt(query string, rc types.RetrievedContext) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nContext passages:\n")
	for i, sc := range rc.Chunks {
		if i == maxContextChunks {
			break
		}
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(sc.Chunk.Text))
	}
	if len(rc.Paths) > 0 {
		b.WriteString("\nReasoning paths:\n")
		for _, p := range rc.Paths {
			b.WriteString("- ")
			b.WriteString(RenderPath(p))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// fallbackText stitches the highest-ranked evidence into a readable degraded
// answer.
func fallbackText(rc types.RetrievedContext) string {
	if len(rc.Chunks) == 0 && len(rc.Paths) == 0 {
		return "No relevant context was found for this question."
	}
	var b strings.Builder
	b.WriteString("Retrieved context (synthesis unavailable):\n")
	for i, sc := range rc.Chunks {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", excerpt(sc.Chunk.Text))
	}
	for _, p := range rc.Paths {
		fmt.Fprintf(&b, "- %s\n", RenderPath(p))
	}
	return strings.TrimSpace(b.String())
}

// RenderPath renders one reasoning path as text, e.g.
// "Overfitting -[CAUSES]-> Poor Generalization (confidence 0.42)".
func RenderPath(p types.ReasoningPath) string {
	var b strings.Builder
	if len(p.Edges) > 0 && len(p.EntityNames) == len(p.Edges)+1 {
		for i, edge := range p.Edges {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s -[%s]->", p.EntityNames[i], edge.Type)
		}
		fmt.Fprintf(&b, " %s", p.EntityNames[len(p.EntityNames)-1])
	} else {
		b.WriteString(strings.Join(p.EntityNames, " and "))
		switch p.Kind {
		case types.ReasoningComparative:
			b.WriteString(" share common neighbors and evidence")
		default:
			b.WriteString(" co-occur in the corpus")
		}
	}
	fmt.Fprintf(&b, " (confidence %.2f)", p.Confidence)
	return b.String()
}

func excerpt(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= excerptRunes {
		return string(runes)
	}
	return string(runes[:excerptRunes]) + "..."
}
