package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/corvidlabs/graphrag-backend/internal/types"
)

// IntentWeights is one row of the strategy weight table.
type IntentWeights struct {
	Vector    float64             `yaml:"vector"`
	Graph     float64             `yaml:"graph"`
	Keyword   float64             `yaml:"keyword"`
	Reasoning types.ReasoningKind `yaml:"reasoning"`
}

// Config holds the planner tunables that operators may override through a
// YAML file pointed at by PLANNER_CONFIG. Anything not set in the file keeps
// the compiled-in default.
type Config struct {
	Weights             map[types.Intent]IntentWeights `yaml:"weights"`
	CausalRelationTypes []string                       `yaml:"causal_relation_types"`
	RuleConfidenceFloor float64                        `yaml:"rule_confidence_floor"`
	FuzzyLinkRatio      float64                        `yaml:"fuzzy_link_ratio"`
}

func DefaultConfig() Config {
	return Config{
		Weights: map[types.Intent]IntentWeights{
			types.IntentFactual:     {Vector: 0.60, Graph: 0.25, Keyword: 0.15, Reasoning: types.ReasoningNone},
			types.IntentComparative: {Vector: 0.35, Graph: 0.45, Keyword: 0.20, Reasoning: types.ReasoningComparative},
			types.IntentCausal:      {Vector: 0.25, Graph: 0.55, Keyword: 0.20, Reasoning: types.ReasoningCausal},
			types.IntentAnalytical:  {Vector: 0.50, Graph: 0.35, Keyword: 0.15, Reasoning: types.ReasoningMultiHop},
			types.IntentTemporal:    {Vector: 0.40, Graph: 0.40, Keyword: 0.20, Reasoning: types.ReasoningMultiHop},
			types.IntentProcedural:  {Vector: 0.55, Graph: 0.25, Keyword: 0.20, Reasoning: types.ReasoningNone},
		},
		CausalRelationTypes: []string{
			"CAUSES", "LEADS_TO", "RESULTS_IN", "CONTRIBUTES_TO", "TRIGGERS", "PREVENTS",
		},
		RuleConfidenceFloor: 0.6,
		FuzzyLinkRatio:      0.9,
	}
}

// LoadConfig reads PLANNER_CONFIG when set and overlays it on the defaults.
// A missing variable is not an error; a present but unreadable file is.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := os.Getenv("PLANNER_CONFIG")
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("planner config: read %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return cfg, fmt.Errorf("planner config: parse %s: %w", path, err)
	}
	for intent, w := range overlay.Weights {
		base, ok := cfg.Weights[intent]
		if !ok {
			return cfg, fmt.Errorf("planner config: unknown intent %q", intent)
		}
		if w.Vector+w.Graph+w.Keyword <= 0 {
			return cfg, fmt.Errorf("planner config: intent %q has no positive weights", intent)
		}
		if w.Reasoning == "" {
			w.Reasoning = base.Reasoning
		}
		cfg.Weights[intent] = w
	}
	if len(overlay.CausalRelationTypes) > 0 {
		cfg.CausalRelationTypes = overlay.CausalRelationTypes
	}
	if overlay.RuleConfidenceFloor > 0 {
		cfg.RuleConfidenceFloor = overlay.RuleConfidenceFloor
	}
	if overlay.FuzzyLinkRatio > 0 {
		cfg.FuzzyLinkRatio = overlay.FuzzyLinkRatio
	}
	return cfg, nil
}
