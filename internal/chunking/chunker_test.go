package chunking

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Alice works for Acme. Acme is headquartered in Paris! Is that true?")
	if len(got) != 3 {
		t.Fatalf("sentences: want=3 got=%d (%v)", len(got), got)
	}
	if got[1] != "Acme is headquartered in Paris!" {
		t.Fatalf("sentence[1]: want=%q got=%q", "Acme is headquartered in Paris!", got[1])
	}
}

func TestSplitSentencesKeepsAbbreviationsAndDecimals(t *testing.T) {
	got := SplitSentences("Dr. Smith measured 3.14 meters. The test passed.")
	if len(got) != 2 {
		t.Fatalf("sentences: want=2 got=%d (%v)", len(got), got)
	}
	if !strings.Contains(got[0], "3.14") {
		t.Fatalf("sentence[0] should keep the decimal, got=%q", got[0])
	}
}

func TestChunkSingleSentenceDocument(t *testing.T) {
	c := New(testLogger(t), nil)
	chunks, err := c.Chunk(context.Background(), Document{
		ID:     "doc-1",
		Name:   "one.txt",
		Domain: "general",
		Text:   "A single sentence.",
	})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks: want=1 got=%d", len(chunks))
	}
	if chunks[0].Ordinal != 0 {
		t.Fatalf("ordinal: want=0 got=%d", chunks[0].Ordinal)
	}
	if chunks[0].Text != "A single sentence." {
		t.Fatalf("text: want=%q got=%q", "A single sentence.", chunks[0].Text)
	}
}

func TestChunkOrdinalsDenseAndNonEmpty(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("This is a filler sentence with enough words to consume tokens in the running budget. ")
	}

	c := New(testLogger(t), nil)
	chunks, err := c.Chunk(context.Background(), Document{ID: "doc-2", Name: "big.txt", Text: b.String()})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got=%d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Ordinal != i {
			t.Fatalf("ordinal[%d]: want=%d got=%d", i, i, ch.Ordinal)
		}
		if strings.TrimSpace(ch.Text) == "" {
			t.Fatalf("chunk %d has empty text", i)
		}
	}
}

func TestChunkOverlapWithinSection(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 120; i++ {
		b.WriteString("Sentence number with a moderately long body that adds up toward the soft budget quickly enough. ")
	}

	c := New(testLogger(t), nil)
	chunks, err := c.Chunk(context.Background(), Document{ID: "doc-3", Name: "b.txt", Text: b.String()})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got=%d", len(chunks))
	}

	first := SplitSentences(chunks[0].Text)
	second := SplitSentences(chunks[1].Text)
	if len(first) == 0 || len(second) == 0 {
		t.Fatalf("chunks must contain sentences")
	}
	if first[len(first)-1] != second[0] {
		t.Fatalf("overlap: last sentence of chunk 0 should open chunk 1")
	}
}

func TestChunkSectionsFromHeaders(t *testing.T) {
	text := "# Intro\nThe intro body sentence.\n## Details\nThe detail body sentence.\n"
	c := New(testLogger(t), nil)
	chunks, err := c.Chunk(context.Background(), Document{ID: "doc-4", Name: "s.md", Format: "md", Text: text})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: want=2 got=%d", len(chunks))
	}
	if got := strings.Join(chunks[0].SectionPath, "/"); got != "Intro" {
		t.Fatalf("section[0]: want=%q got=%q", "Intro", got)
	}
	if got := strings.Join(chunks[1].SectionPath, "/"); got != "Intro/Details" {
		t.Fatalf("section[1]: want=%q got=%q", "Intro/Details", got)
	}
}

func TestChunkCSVRowPerChunk(t *testing.T) {
	text := "name,city\nAlice,Paris\nBob,Berlin\n"
	c := New(testLogger(t), nil)
	chunks, err := c.Chunk(context.Background(), Document{ID: "doc-5", Name: "t.csv", Format: "csv", Text: text})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: want=2 got=%d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "name: Alice") || !strings.Contains(chunks[0].Text, "city: Paris") {
		t.Fatalf("csv chunk text: got=%q", chunks[0].Text)
	}
}

func TestChunkJSONArrayRecordPerChunk(t *testing.T) {
	text := `[{"title":"First","body":"One"},{"title":"Second","body":"Two"}]`
	c := New(testLogger(t), nil)
	chunks, err := c.Chunk(context.Background(), Document{ID: "doc-6", Name: "t.json", Format: "json", Text: text})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: want=2 got=%d", len(chunks))
	}
	if !strings.Contains(chunks[1].Text, "title: Second") {
		t.Fatalf("json chunk text: got=%q", chunks[1].Text)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("embedder down")
}

func TestChunkSemanticDegradesToStructural(t *testing.T) {
	c := New(testLogger(t), failingEmbedder{})
	chunks, err := c.Chunk(context.Background(), Document{
		ID:   "doc-7",
		Name: "d.txt",
		Text: "First sentence of the body. Second sentence of the body. Third sentence of the body.",
	})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected structural fallback to emit chunks")
	}
}

type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f fixedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, s := range inputs {
		v, ok := f.vectors[s]
		if !ok {
			v = []float32{1, 0}
		}
		out[i] = v
	}
	return out, nil
}

func TestChunkSemanticSplitsOnDrift(t *testing.T) {
	emb := fixedEmbedder{vectors: map[string][]float32{
		"Cats are small animals.":     {1, 0},
		"Cats sleep most of the day.": {0.98, 0.05},
		"Engines burn fuel.":          {0, 1},
	}}
	c := New(testLogger(t), emb)
	chunks, err := c.Chunk(context.Background(), Document{
		ID:   "doc-8",
		Name: "drift.txt",
		Text: "Cats are small animals. Cats sleep most of the day. Engines burn fuel.",
	})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: want=2 got=%d (%v)", len(chunks), chunks)
	}
	if !strings.Contains(chunks[1].Text, "Engines") {
		t.Fatalf("second chunk should carry the drifted topic, got=%q", chunks[1].Text)
	}
}
