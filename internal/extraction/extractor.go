package extraction

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/corvidlabs/graphrag-backend/internal/clients/ner"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/openai"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

// RawEntity and RawRelation are single-chunk collaborator outputs before
// resolution; relations still reference entities by surface name.
type RawEntity struct {
	Name        string
	Type        string
	Description string
	Confidence  float64
}

type RawRelation struct {
	Source     string
	Target     string
	Type       string
	Context    string
	Confidence float64
}

// ChunkExtraction is the output of extracting one chunk.
type ChunkExtraction struct {
	Entities  []RawEntity
	Relations []RawRelation
	Claims    []string
}

// Extractor runs entity/relation extraction over one chunk. The LLM path is
// preferred; the NER sidecar and a rule-based heuristic serve as offline
// fallbacks so extraction works with no collaborator at all.
type Extractor struct {
	log *logger.Logger
	llm openai.Client
	ner ner.Client
}

func NewExtractor(log *logger.Logger, llm openai.Client, nerClient ner.Client) *Extractor {
	return &Extractor{
		log: log.With("service", "Extractor"),
		llm: llm,
		ner: nerClient,
	}
}

func (e *Extractor) ExtractChunk(ctx context.Context, chunk types.Chunk) (ChunkExtraction, error) {
	if e.llm != nil {
		out, err := e.extractWithLLM(ctx, chunk)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return ChunkExtraction{}, err
		}
		e.log.Warn("llm extraction failed, using fallback extractor",
			"chunk_id", chunk.ID, "error", err)
	}

	if e.ner != nil && e.ner.Available() {
		out, err := e.extractWithNER(ctx, chunk)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return ChunkExtraction{}, err
		}
		e.log.Warn("ner extraction failed, using rule-based extractor",
			"chunk_id", chunk.ID, "error", err)
	}

	return extractRuleBased(chunk), nil
}

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"type":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"confidence":  map[string]any{"type": "number"},
				},
				"required":             []string{"name", "type", "description", "confidence"},
				"additionalProperties": false,
			},
		},
		"relationships": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source":     map[string]any{"type": "string"},
					"target":     map[string]any{"type": "string"},
					"relation":   map[string]any{"type": "string"},
					"context":    map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
				},
				"required":             []string{"source", "target", "relation", "context", "confidence"},
				"additionalProperties": false,
			},
		},
		"claims": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required":             []string{"entities", "relationships", "claims"},
	"additionalProperties": false,
}

const extractionSystemPrompt = `You extract entities and relationships from text for a knowledge graph.
Entity types: PERSON, ORGANIZATION, LOCATION, CONCEPT, PRODUCT, PROCESS, COMPONENT, SYMPTOM.
Relation types: RELATES_TO, PART_OF, CONTAINS, CAUSES, LEADS_TO, REQUIRES, LOCATED_IN, WORKS_FOR, CONNECTS_TO.
Always include relationships between the entities you find. Keep descriptions and contexts short.`

func (e *Extractor) extractWithLLM(ctx context.Context, chunk types.Chunk) (ChunkExtraction, error) {
	obj, err := e.llm.GenerateJSON(ctx, extractionSystemPrompt, "Text:\n"+chunk.Text, "chunk_extraction", extractionSchema)
	if err != nil {
		return ChunkExtraction{}, err
	}

	var out ChunkExtraction
	for _, raw := range anySlice(obj["entities"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(stringField(m, "name"))
		if name == "" {
			continue
		}
		out.Entities = append(out.Entities, RawEntity{
			Name:        name,
			Type:        stringField(m, "type"),
			Description: stringField(m, "description"),
			Confidence:  floatField(m, "confidence", 0.8),
		})
	}
	for _, raw := range anySlice(obj["relationships"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		source := strings.TrimSpace(stringField(m, "source"))
		target := strings.TrimSpace(stringField(m, "target"))
		if source == "" || target == "" {
			continue
		}
		out.Relations = append(out.Relations, RawRelation{
			Source:     source,
			Target:     target,
			Type:       stringField(m, "relation"),
			Context:    stringField(m, "context"),
			Confidence: floatField(m, "confidence", 0.7),
		})
	}
	for _, raw := range anySlice(obj["claims"]) {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			out.Claims = append(out.Claims, strings.TrimSpace(s))
		}
	}

	if len(out.Entities) == 0 {
		return ChunkExtraction{}, fmt.Errorf("llm extraction produced no entities for chunk %s", chunk.ID)
	}
	return out, nil
}

func (e *Extractor) extractWithNER(ctx context.Context, chunk types.Chunk) (ChunkExtraction, error) {
	spans, err := e.ner.ExtractSpans(ctx, chunk.Text)
	if err != nil {
		return ChunkExtraction{}, err
	}

	var out ChunkExtraction
	for _, s := range spans {
		out.Entities = append(out.Entities, RawEntity{
			Name:       s.Text,
			Type:       s.Type,
			Confidence: s.Confidence,
		})
	}
	out.Relations = cooccurrenceRelations(out.Entities, chunk.Text)
	return out, nil
}

var capitalizedSpanRe = regexp.MustCompile(`\b\p{Lu}[\p{L}\p{N}]*(?:[ -]\p{Lu}[\p{L}\p{N}]*)*\b`)

var heuristicStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"it": true, "he": true, "she": true, "they": true, "we": true,
	"i": true, "you": true, "is": true, "was": true, "in": true,
	"on": true, "at": true, "and": true, "but": true, "or": true,
	"if": true, "when": true, "what": true, "where": true, "why": true,
	"how": true, "however": true, "therefore": true, "then": true,
}

// extractRuleBased is the no-collaborator path: capitalized spans become
// CONCEPT entities and sentence co-occurrence becomes RELATES_TO edges.
func extractRuleBased(chunk types.Chunk) ChunkExtraction {
	seen := map[string]bool{}
	var entities []RawEntity
	for _, sentence := range splitHeuristicSentences(chunk.Text) {
		for _, span := range capitalizedSpanRe.FindAllString(sentence, -1) {
			span = strings.TrimSpace(span)
			if span == "" || heuristicStopwords[strings.ToLower(span)] {
				continue
			}
			// Sentence-initial single words are usually not names.
			if !strings.Contains(span, " ") && strings.HasPrefix(sentence, span) && len([]rune(span)) < 4 {
				continue
			}
			key := types.NormalizeName(span)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			entities = append(entities, RawEntity{
				Name:       span,
				Type:       "CONCEPT",
				Confidence: 0.4,
			})
		}
	}

	return ChunkExtraction{
		Entities:  entities,
		Relations: cooccurrenceRelations(entities, chunk.Text),
	}
}

// cooccurrenceRelations links entity pairs that appear in the same sentence.
func cooccurrenceRelations(entities []RawEntity, text string) []RawRelation {
	if len(entities) < 2 {
		return nil
	}
	var out []RawRelation
	seen := map[string]bool{}
	for _, sentence := range splitHeuristicSentences(text) {
		lower := strings.ToLower(sentence)
		var present []RawEntity
		for _, e := range entities {
			if strings.Contains(lower, strings.ToLower(e.Name)) {
				present = append(present, e)
			}
		}
		for i := 0; i < len(present); i++ {
			for j := i + 1; j < len(present); j++ {
				key := types.NormalizeName(present[i].Name) + "|" + types.NormalizeName(present[j].Name)
				if seen[key] {
					continue
				}
				seen[key] = true
				conf := present[i].Confidence
				if present[j].Confidence < conf {
					conf = present[j].Confidence
				}
				out = append(out, RawRelation{
					Source:     present[i].Name,
					Target:     present[j].Name,
					Type:       "RELATES_TO",
					Context:    strings.TrimSpace(sentence),
					Confidence: conf,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func splitHeuristicSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string, def float64) float64 {
	f, ok := m[key].(float64)
	if !ok || f <= 0 || f > 1 {
		return def
	}
	return f
}
