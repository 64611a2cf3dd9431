package types

type Intent string

const (
	IntentFactual     Intent = "FACTUAL"
	IntentComparative Intent = "COMPARATIVE"
	IntentCausal      Intent = "CAUSAL"
	IntentAnalytical  Intent = "ANALYTICAL"
	IntentTemporal    Intent = "TEMPORAL"
	IntentProcedural  Intent = "PROCEDURAL"
)

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

type StrategyKind string

const (
	StrategyVector  StrategyKind = "vector"
	StrategyGraph   StrategyKind = "graph"
	StrategyKeyword StrategyKind = "keyword"
)

type ReasoningKind string

const (
	ReasoningNone        ReasoningKind = ""
	ReasoningDirect      ReasoningKind = "direct"
	ReasoningCausal      ReasoningKind = "causal"
	ReasoningComparative ReasoningKind = "comparative"
	ReasoningMultiHop    ReasoningKind = "multi_hop"
)

type StrategyComponent struct {
	Kind   StrategyKind `json:"kind"`
	Weight float64      `json:"weight"`
}

// PlanEntity is an entity surface form detected in a query. Known entities
// resolved against the graph vocabulary also carry the graph entity id.
type PlanEntity struct {
	Name       string  `json:"name"`
	EntityID   string  `json:"entity_id,omitempty"`
	Type       string  `json:"type,omitempty"`
	Known      bool    `json:"known"`
	Confidence float64 `json:"confidence"`
}

type QueryPlan struct {
	Query      string              `json:"query"`
	Intent     Intent              `json:"intent"`
	Confidence float64             `json:"confidence"`
	Complexity Complexity          `json:"complexity"`
	Entities   []PlanEntity        `json:"entities"`
	Components []StrategyComponent `json:"strategy_components"`
	Reasoning  ReasoningKind       `json:"reasoning,omitempty"`
	MaxHops    int                 `json:"max_hops"`
}

// KnownEntities returns the plan entities resolved against the graph.
func (p QueryPlan) KnownEntities() []PlanEntity {
	out := make([]PlanEntity, 0, len(p.Entities))
	for _, e := range p.Entities {
		if e.Known && e.EntityID != "" {
			out = append(out, e)
		}
	}
	return out
}

// ComponentWeight returns the weight assigned to kind, 0 when inactive.
func (p QueryPlan) ComponentWeight(kind StrategyKind) float64 {
	for _, c := range p.Components {
		if c.Kind == kind {
			return c.Weight
		}
	}
	return 0
}

type PathEdge struct {
	SourceEntityID string  `json:"source_entity_id"`
	TargetEntityID string  `json:"target_entity_id"`
	Type           string  `json:"type"`
	Confidence     float64 `json:"confidence"`
}

type ReasoningPath struct {
	Kind           ReasoningKind `json:"kind"`
	EntityIDs      []string      `json:"entity_ids"`
	EntityNames    []string      `json:"entity_names"`
	Edges          []PathEdge    `json:"edges"`
	EvidenceChunks []string      `json:"evidence_chunks,omitempty"`
	Confidence     float64       `json:"confidence"`
}

// ScoredChunk is one fused retrieval result with per-strategy provenance.
type ScoredChunk struct {
	Chunk      Chunk                    `json:"chunk"`
	Score      float64                  `json:"score"`
	Strategies []StrategyKind           `json:"strategies"`
	Normalized map[StrategyKind]float64 `json:"normalized_scores,omitempty"`
}

// RetrievedContext is the fused output of hybrid retrieval.
type RetrievedContext struct {
	Chunks     []ScoredChunk   `json:"chunks"`
	Entities   []Entity        `json:"entities,omitempty"`
	Paths      []ReasoningPath `json:"paths,omitempty"`
	Degraded   []string        `json:"degraded_strategies,omitempty"`
	Partial    bool            `json:"partial"`
	Confidence float64         `json:"confidence"`
}
