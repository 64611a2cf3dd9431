package planner

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corvidlabs/graphrag-backend/internal/clients/ner"
	"github.com/corvidlabs/graphrag-backend/internal/extraction"
	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/openai"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

// VocabularySource supplies the known-entity index the planner links query
// entities against. The graph store implements it.
type VocabularySource interface {
	EntityVocabulary(ctx context.Context, domain string) ([]graph.VocabEntry, error)
}

type intentRule struct {
	intent types.Intent
	re     *regexp.Regexp
}

var intentRules = []intentRule{
	{types.IntentComparative, regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?|difference between|differences|differ from|similarities)\b`)},
	{types.IntentComparative, regexp.MustCompile(`(?i)\b(better than|worse than|rather than|as opposed to)\b`)},
	{types.IntentCausal, regexp.MustCompile(`(?i)\b(why|cause[sd]?|because|due to|reason for)\b`)},
	{types.IntentCausal, regexp.MustCompile(`(?i)\b(lead[s]? to|result[s]? in|effect[s]? of|consequence[s]? of|trigger[s]?)\b`)},
	{types.IntentProcedural, regexp.MustCompile(`(?i)\bhow (do|to|can|should|would) \b`)},
	{types.IntentProcedural, regexp.MustCompile(`(?i)\b(step[s]?|procedure|instructions|guide to|set up|install|configure)\b`)},
	{types.IntentTemporal, regexp.MustCompile(`(?i)\b(when|before|after|during|until|timeline|sequence of events|history of)\b`)},
	{types.IntentAnalytical, regexp.MustCompile(`(?i)\b(analy[sz]e|analysis|implications?|impact of|relationship between|how does .+ (affect|influence|relate))\b`)},
	{types.IntentAnalytical, regexp.MustCompile(`(?i)\b(explain how|break down|in depth|trade-?offs?)\b`)},
	{types.IntentFactual, regexp.MustCompile(`(?i)\b(what is|what are|who is|who was|where is|define|definition of|meaning of)\b`)},
}

var queryCapitalizedRe = regexp.MustCompile(`\b\p{Lu}[\p{L}\p{N}]*(?:[ -]\p{Lu}[\p{L}\p{N}]*)*\b`)

var queryStopwords = map[string]bool{
	"what": true, "who": true, "where": true, "when": true, "why": true,
	"how": true, "compare": true, "explain": true, "describe": true,
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"does": true, "do": true, "did": true, "list": true, "show": true,
}

const vocabularyTTL = 60 * time.Second

// Planner turns a raw query into a typed QueryPlan: intent, complexity,
// linked entities, strategy weights and the reasoning path kind. Planning is
// read-only; its only shared state is a cached copy of the entity index.
type Planner struct {
	log        *logger.Logger
	cfg        Config
	llm        openai.Client
	ner        ner.Client
	vocab      VocabularySource
	disableLLM bool

	mu          sync.Mutex
	cachedVocab map[string][]graph.VocabEntry
	fetchedAt   map[string]time.Time
}

func New(baseLog *logger.Logger, cfg Config, llm openai.Client, nerClient ner.Client, vocab VocabularySource) *Planner {
	return &Planner{
		log:         baseLog.With("service", "QueryPlanner"),
		cfg:         cfg,
		llm:         llm,
		ner:         nerClient,
		vocab:       vocab,
		disableLLM:  envutil.Bool("DISABLE_LLM_FALLBACK", false),
		cachedVocab: map[string][]graph.VocabEntry{},
		fetchedAt:   map[string]time.Time{},
	}
}

// Plan classifies the query and selects strategy weights. It never fails on
// collaborator errors; it degrades to rule-only classification instead.
func (p *Planner) Plan(ctx context.Context, query, domain string) types.QueryPlan {
	query = strings.TrimSpace(query)

	intent, confidence, patternsMatched := classifyByRules(query)
	causalMatched := ruleMatched(query, types.IntentCausal)
	multiHopMatched := ruleMatched(query, types.IntentAnalytical) || ruleMatched(query, types.IntentTemporal)

	if confidence < p.cfg.RuleConfidenceFloor && p.llm != nil && !p.disableLLM {
		if llmIntent, llmConf, err := p.classifyWithLLM(ctx, query); err != nil {
			p.log.Warn("llm intent fallback failed, keeping rule result", "error", err)
		} else {
			intent, confidence = llmIntent, llmConf
		}
	}

	entities := p.extractEntities(ctx, query, domain)
	known := 0
	for _, e := range entities {
		if e.Known {
			known++
		}
	}

	complexity := types.ComplexityLow
	switch {
	case known >= 3 || (causalMatched && multiHopMatched):
		complexity = types.ComplexityHigh
	case known >= 1 || patternsMatched >= 2:
		complexity = types.ComplexityMedium
	}
	maxHops := map[types.Complexity]int{
		types.ComplexityLow:    1,
		types.ComplexityMedium: 2,
		types.ComplexityHigh:   3,
	}[complexity]

	weights := p.cfg.Weights[intent]
	components := buildComponents(weights, known)

	return types.QueryPlan{
		Query:      query,
		Intent:     intent,
		Confidence: confidence,
		Complexity: complexity,
		Entities:   entities,
		Components: components,
		Reasoning:  weights.Reasoning,
		MaxHops:    maxHops,
	}
}

// CausalRelationTypes exposes the configured causal edge vocabulary for the
// reasoning engine.
func (p *Planner) CausalRelationTypes() []string {
	out := make([]string, len(p.cfg.CausalRelationTypes))
	copy(out, p.cfg.CausalRelationTypes)
	return out
}

func classifyByRules(query string) (types.Intent, float64, int) {
	hits := map[types.Intent]int{}
	total := 0
	for _, rule := range intentRules {
		if rule.re.MatchString(query) {
			hits[rule.intent]++
			total++
		}
	}
	if total == 0 {
		return types.IntentFactual, 0.3, 0
	}

	intents := make([]types.Intent, 0, len(hits))
	for intent := range hits {
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool {
		if hits[intents[i]] != hits[intents[j]] {
			return hits[intents[i]] > hits[intents[j]]
		}
		return intents[i] < intents[j]
	})

	best := intents[0]
	switch {
	case len(intents) == 1:
		return best, 0.9, total
	case hits[best] > hits[intents[1]]:
		return best, 0.7, total
	default:
		return best, 0.5, total
	}
}

func ruleMatched(query string, intent types.Intent) bool {
	for _, rule := range intentRules {
		if rule.intent == intent && rule.re.MatchString(query) {
			return true
		}
	}
	return false
}

func (p *Planner) classifyWithLLM(ctx context.Context, query string) (types.Intent, float64, error) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type": "string",
				"enum": []string{"FACTUAL", "COMPARATIVE", "CAUSAL", "ANALYTICAL", "TEMPORAL", "PROCEDURAL"},
			},
			"confidence": map[string]any{"type": "number"},
		},
		"required":             []string{"intent", "confidence"},
		"additionalProperties": false,
	}
	out, err := p.llm.GenerateJSON(ctx,
		"Classify the user's question into exactly one retrieval intent. "+
			"FACTUAL asks for a definition or fact. COMPARATIVE contrasts things. "+
			"CAUSAL asks why or about causes and effects. ANALYTICAL asks for deeper "+
			"analysis of relationships. TEMPORAL asks about ordering in time. "+
			"PROCEDURAL asks how to do something.",
		query, "query_intent", schema)
	if err != nil {
		return types.IntentFactual, 0, err
	}
	raw, _ := out["intent"].(string)
	intent := types.Intent(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := p.cfg.Weights[intent]; !ok {
		intent = types.IntentFactual
	}
	conf, _ := out["confidence"].(float64)
	if conf <= 0 || conf > 1 {
		conf = 0.6
	}
	return intent, conf, nil
}

func (p *Planner) extractEntities(ctx context.Context, query, domain string) []types.PlanEntity {
	type candidate struct {
		name       string
		entityType string
		confidence float64
	}
	byNorm := map[string]candidate{}
	addCandidate := func(name, entityType string, conf float64) {
		norm := types.NormalizeName(name)
		if norm == "" || queryStopwords[norm] {
			return
		}
		if existing, ok := byNorm[norm]; ok && existing.confidence >= conf {
			return
		}
		byNorm[norm] = candidate{name: name, entityType: entityType, confidence: conf}
	}

	if p.ner != nil && p.ner.Available() {
		if spans, err := p.ner.ExtractSpans(ctx, query); err != nil {
			p.log.Warn("ner query extraction failed", "error", err)
		} else {
			for _, span := range spans {
				addCandidate(span.Text, span.Type, span.Confidence)
			}
		}
	}
	for _, span := range queryCapitalizedRe.FindAllString(query, -1) {
		// Sentence-initial question words get capitalized into the span;
		// strip them from the edges before considering the remainder.
		if span = trimStopwordEdges(span); span != "" {
			addCandidate(span, "", 0.4)
		}
	}

	vocab := p.vocabulary(ctx, domain)

	// Graph names appearing verbatim in the query are candidates even when
	// lowercase ("supervised learning").
	normQuery := " " + types.NormalizeName(query) + " "
	for _, entry := range vocab {
		if entry.NameNormalized == "" {
			continue
		}
		if strings.Contains(normQuery, " "+entry.NameNormalized+" ") {
			addCandidate(entry.Name, entry.Type, 0.8)
		}
	}

	norms := make([]string, 0, len(byNorm))
	for norm := range byNorm {
		norms = append(norms, norm)
	}
	sort.Strings(norms)

	entities := make([]types.PlanEntity, 0, len(norms))
	for _, norm := range norms {
		cand := byNorm[norm]
		entity := types.PlanEntity{
			Name:       cand.name,
			Type:       cand.entityType,
			Confidence: cand.confidence,
		}
		if id, entryType, ok := p.linkToVocabulary(norm, vocab); ok {
			entity.EntityID = id
			entity.Known = true
			if entity.Type == "" {
				entity.Type = entryType
			}
		}
		entities = append(entities, entity)
	}
	return entities
}

// linkToVocabulary promotes a candidate to "known" on an exact normalized
// match, or a fuzzy match at or above the configured ratio.
func (p *Planner) linkToVocabulary(norm string, vocab []graph.VocabEntry) (string, string, bool) {
	bestRatio := 0.0
	var best *graph.VocabEntry
	for i := range vocab {
		entry := &vocab[i]
		if entry.NameNormalized == norm {
			return entry.ID, entry.Type, true
		}
		if ratio := extraction.LevenshteinRatio(entry.NameNormalized, norm); ratio >= p.cfg.FuzzyLinkRatio && ratio > bestRatio {
			bestRatio = ratio
			best = entry
		}
	}
	if best != nil {
		return best.ID, best.Type, true
	}
	return "", "", false
}

func (p *Planner) vocabulary(ctx context.Context, domain string) []graph.VocabEntry {
	if p.vocab == nil {
		return nil
	}
	p.mu.Lock()
	cached, ok := p.cachedVocab[domain]
	fresh := ok && time.Since(p.fetchedAt[domain]) < vocabularyTTL
	p.mu.Unlock()
	if fresh {
		return cached
	}

	entries, err := p.vocab.EntityVocabulary(ctx, domain)
	if err != nil {
		p.log.Warn("entity vocabulary unavailable", "error", err)
		return cached
	}
	p.mu.Lock()
	p.cachedVocab[domain] = entries
	p.fetchedAt[domain] = time.Now()
	p.mu.Unlock()
	return entries
}

// InvalidateVocabulary drops the cached entity index. Ingestion calls this
// after a successful write burst.
func (p *Planner) InvalidateVocabulary() {
	p.mu.Lock()
	p.cachedVocab = map[string][]graph.VocabEntry{}
	p.fetchedAt = map[string]time.Time{}
	p.mu.Unlock()
}

func trimStopwordEdges(span string) string {
	words := strings.Fields(span)
	for len(words) > 0 && queryStopwords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && queryStopwords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func buildComponents(weights IntentWeights, knownEntities int) []types.StrategyComponent {
	vector, graphW, keyword := weights.Vector, weights.Graph, weights.Keyword

	if knownEntities >= 2 {
		shift := 0.1
		if vector < shift {
			shift = vector
		}
		vector -= shift
		graphW += shift
	}
	if knownEntities == 0 {
		graphW = 0
	}

	sum := vector + graphW + keyword
	if sum <= 0 {
		vector, keyword, sum = 0.5, 0.5, 1
	}
	vector /= sum
	graphW /= sum
	keyword /= sum

	var out []types.StrategyComponent
	if vector > 0 {
		out = append(out, types.StrategyComponent{Kind: types.StrategyVector, Weight: vector})
	}
	if graphW > 0 {
		out = append(out, types.StrategyComponent{Kind: types.StrategyGraph, Weight: graphW})
	}
	if keyword > 0 {
		out = append(out, types.StrategyComponent{Kind: types.StrategyKeyword, Weight: keyword})
	}
	return out
}
