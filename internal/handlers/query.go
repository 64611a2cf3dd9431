package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/answer"
	"github.com/corvidlabs/graphrag-backend/internal/planner"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/reasoning"
	"github.com/corvidlabs/graphrag-backend/internal/retrieval"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const maxTopK = 100

type QueryHandler struct {
	log       *logger.Logger
	planner   *planner.Planner
	retriever *retrieval.Retriever
	reasoner  *reasoning.Engine
	synth     *answer.Synthesizer
}

func NewQueryHandler(log *logger.Logger, p *planner.Planner, r *retrieval.Retriever, e *reasoning.Engine, s *answer.Synthesizer) *QueryHandler {
	return &QueryHandler{
		log:       log.With("handler", "QueryHandler"),
		planner:   p,
		retriever: r,
		reasoner:  e,
		synth:     s,
	}
}

// POST /search
func (h *QueryHandler) Search(c *gin.Context) {
	var req struct {
		Query  string `json:"query"`
		TopK   int    `json:"top_k"`
		Domain string `json:"domain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		respondInvalid(c, "query required")
		return
	}

	ctx := c.Request.Context()
	plan := h.planner.Plan(ctx, query, req.Domain)
	rc := h.retriever.Retrieve(ctx, plan, req.Domain, clampTopK(req.TopK))

	payload := gin.H{
		"query":      query,
		"chunks":     rc.Chunks,
		"confidence": rc.Confidence,
		"intent":     plan.Intent,
	}
	if rc.Partial {
		payload["degraded_strategies"] = rc.Degraded
		respondPartial(c, "one or more retrieval strategies failed", payload)
		return
	}
	respondSuccess(c, payload)
}

// POST /search-advanced
func (h *QueryHandler) SearchAdvanced(c *gin.Context) {
	var req struct {
		Query      string `json:"query"`
		SearchType string `json:"search_type"`
		TopK       int    `json:"top_k"`
		Domain     string `json:"domain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		respondInvalid(c, "query required")
		return
	}

	ctx := c.Request.Context()
	plan := h.planner.Plan(ctx, query, req.Domain)

	searchType := strings.ToLower(strings.TrimSpace(req.SearchType))
	switch searchType {
	case "", "hybrid":
		searchType = "hybrid"
	case "vector":
		plan.Components = []types.StrategyComponent{{Kind: types.StrategyVector, Weight: 1}}
	case "graph":
		plan.Components = []types.StrategyComponent{{Kind: types.StrategyGraph, Weight: 1}}
	case "keyword":
		plan.Components = []types.StrategyComponent{{Kind: types.StrategyKeyword, Weight: 1}}
	default:
		respondInvalid(c, "search_type must be one of vector, graph, keyword, hybrid")
		return
	}

	rc := h.retriever.Retrieve(ctx, plan, req.Domain, clampTopK(req.TopK))
	payload := gin.H{
		"query":       query,
		"search_type": searchType,
		"chunks":      rc.Chunks,
		"confidence":  rc.Confidence,
	}
	if rc.Partial {
		payload["degraded_strategies"] = rc.Degraded
		respondPartial(c, "one or more retrieval strategies failed", payload)
		return
	}
	respondSuccess(c, payload)
}

// POST /enhanced-query runs the full pipeline: plan, retrieve, reason,
// synthesize.
func (h *QueryHandler) EnhancedQuery(c *gin.Context) {
	var req struct {
		Query  string `json:"query"`
		TopK   int    `json:"top_k"`
		Domain string `json:"domain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		respondInvalid(c, "query required")
		return
	}

	ctx := c.Request.Context()
	plan := h.planner.Plan(ctx, query, req.Domain)
	rc := h.retriever.Retrieve(ctx, plan, req.Domain, clampTopK(req.TopK))
	rc.Paths = h.reasoner.Paths(ctx, plan, rc.Chunks)
	ans := h.synth.Synthesize(ctx, query, rc)

	payload := gin.H{
		"answer":     ans,
		"plan":       plan,
		"chunks":     rc.Chunks,
		"entities":   rc.Entities,
		"confidence": rc.Confidence,
	}
	switch {
	case ans.Degraded:
		respondPartial(c, ans.Reason, payload)
	case rc.Partial:
		payload["degraded_strategies"] = rc.Degraded
		respondPartial(c, "one or more retrieval strategies failed", payload)
	default:
		respondSuccess(c, payload)
	}
}

// POST /analyze-query-intent
func (h *QueryHandler) AnalyzeQueryIntent(c *gin.Context) {
	var req struct {
		Query  string `json:"query"`
		Domain string `json:"domain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		respondInvalid(c, "query required")
		return
	}

	plan := h.planner.Plan(c.Request.Context(), query, req.Domain)
	respondSuccess(c, gin.H{
		"query":      plan.Query,
		"intent":     plan.Intent,
		"confidence": plan.Confidence,
		"complexity": plan.Complexity,
		"entities":   plan.Entities,
		"strategy":   plan.Components,
		"reasoning":  plan.Reasoning,
		"max_hops":   plan.MaxHops,
	})
}

func clampTopK(topK int) int {
	if topK <= 0 {
		return retrieval.DefaultTopK
	}
	if topK > maxTopK {
		return maxTopK
	}
	return topK
}
